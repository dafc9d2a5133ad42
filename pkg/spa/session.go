package spa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/intouch-home/intouch-go/pkg/log"
	"github.com/intouch-home/intouch-go/pkg/tasks"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// Session errors.
var (
	ErrSessionClosed    = errors.New("session closed")
	ErrNotConnected     = errors.New("session not connected")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrCommandTimeout   = errors.New("command not acknowledged")
)

// Session defaults.
const (
	// DefaultConnectTimeout is the reply timeout for one handshake attempt.
	DefaultConnectTimeout = 2 * time.Second

	// DefaultConnectRetries is the number of attempts per handshake step.
	DefaultConnectRetries = 5

	// DefaultPingInterval is the interval between keepalive pings.
	DefaultPingInterval = 4 * time.Second

	// DefaultPingTimeout is the timeout waiting for a pong.
	DefaultPingTimeout = 2 * time.Second

	// DefaultMaxMissedPings is the number of consecutive missed pings
	// before the session is considered broken.
	DefaultMaxMissedPings = 5

	// DefaultMaxRFErrors is the number of consecutive radio faults
	// before the spa pack is considered unreachable.
	DefaultMaxRFErrors = 5

	// DefaultCommandTimeout is the acknowledgement timeout per command
	// attempt.
	DefaultCommandTimeout = 2 * time.Second

	// DefaultCommandRetries is the number of send attempts per command.
	DefaultCommandRetries = 3
)

// maxDatagramSize bounds a single protocol datagram.
const maxDatagramSize = 65507

// taskGroup is the supervisor group holding the session's loops.
const taskGroup = "spa"

// SessionConfig configures a Session.
type SessionConfig struct {
	// ConnectTimeout is the reply timeout for one handshake attempt.
	ConnectTimeout time.Duration

	// ConnectRetries is the number of attempts per handshake step.
	ConnectRetries int

	// PingInterval is the interval between keepalive pings.
	PingInterval time.Duration

	// PingTimeout is the timeout waiting for a pong.
	PingTimeout time.Duration

	// MaxMissedPings is the consecutive-miss threshold.
	MaxMissedPings int

	// MaxRFErrors is the consecutive radio-fault threshold.
	MaxRFErrors int

	// CommandTimeout is the acknowledgement timeout per command attempt.
	CommandTimeout time.Duration

	// CommandRetries is the number of send attempts per command.
	CommandRetries int

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// TrafficLogger optionally captures every datagram the session sends
	// and receives. If nil, capture is disabled.
	TrafficLogger log.Logger
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout: DefaultConnectTimeout,
		ConnectRetries: DefaultConnectRetries,
		PingInterval:   DefaultPingInterval,
		PingTimeout:    DefaultPingTimeout,
		MaxMissedPings: DefaultMaxMissedPings,
		MaxRFErrors:    DefaultMaxRFErrors,
		CommandTimeout: DefaultCommandTimeout,
		CommandRetries: DefaultCommandRetries,
	}
}

// Session is a live connection to one spa. It performs the handshake,
// keeps the link alive with pings, tracks the spa's attribute snapshot
// from pushed status updates and reports every protocol incident through
// the event callback.
type Session struct {
	mu      sync.RWMutex
	writeMu sync.Mutex

	config   SessionConfig
	clientID []byte
	desc     *Descriptor
	id       string

	emit EventFunc
	sup  *tasks.Tasks

	conn      *net.UDPConn
	connected bool
	closed    bool
	closeOnce sync.Once

	seq    atomic.Uint32
	pongCh chan uint32

	// pending command acknowledgements keyed by sequence number
	pending map[uint32]chan wire.CommandAck

	// spa snapshot
	name       string
	version    string
	attrs      map[uint16]int32
	statusText string
	onStatus   []func()

	// consecutive-fault counters
	missedPings int
	rfErrors    int
}

// NewSession creates a session for the spa described by desc. Events are
// reported through emit; background loops run under sup. The session does
// not touch the network until Connect.
func NewSession(clientID []byte, desc *Descriptor, emit EventFunc, sup *tasks.Tasks, config SessionConfig) *Session {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.ConnectRetries == 0 {
		config.ConnectRetries = DefaultConnectRetries
	}
	if config.PingInterval == 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PingTimeout == 0 {
		config.PingTimeout = DefaultPingTimeout
	}
	if config.MaxMissedPings == 0 {
		config.MaxMissedPings = DefaultMaxMissedPings
	}
	if config.MaxRFErrors == 0 {
		config.MaxRFErrors = DefaultMaxRFErrors
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}
	if config.CommandRetries == 0 {
		config.CommandRetries = DefaultCommandRetries
	}

	return &Session{
		config:   config,
		clientID: clientID,
		desc:     desc,
		id:       uuid.New().String(),
		emit:     emit,
		sup:      sup,
		pongCh:   make(chan uint32, 1),
		pending:  make(map[uint32]chan wire.CommandAck),
		attrs:    make(map[uint16]int32),
		name:     desc.Name,
	}
}

// Connect dials the spa and runs the handshake: Hello/Welcome followed by
// ConfigRequest/ConfigResponse. Each step is retried up to ConnectRetries
// times; exhaustion emits EventConnectRetryExceeded and fails the connect.
// On success the session emits EventHandshakeComplete and starts its
// receive and keepalive loops.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.connected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", s.desc.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.desc.Address, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.desc.Address, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	welcome, err := s.exchange(ctx, &wire.Message{
		Type:  wire.TypeHello,
		Hello: &wire.Hello{ClientID: s.clientID},
	}, wire.TypeWelcome)
	if err != nil {
		return s.failConnect(ctx, fmt.Errorf("hello: %w", err))
	}

	cfg, err := s.exchange(ctx, &wire.Message{
		Type: wire.TypeConfigRequest,
	}, wire.TypeConfigResponse)
	if err != nil {
		return s.failConnect(ctx, fmt.Errorf("config request: %w", err))
	}

	s.mu.Lock()
	if w := welcome.Welcome; w != nil {
		if w.Name != "" {
			s.name = w.Name
		}
		s.version = w.Version
	}
	s.applyAttributesLocked(cfg.ConfigResponse.Attributes, cfg.ConfigResponse.Text)
	s.connected = true
	s.mu.Unlock()

	s.trafficState("connecting", "connected", "handshake complete")

	if err := s.emit(ctx, EventHandshakeComplete, Data{Descriptor: s.desc}); err != nil {
		s.Disconnect(ctx)
		return err
	}

	s.sup.Add(taskGroup, "session-rx", s.rxLoop)
	s.sup.Add(taskGroup, "session-keepalive", s.keepaliveLoop)
	return nil
}

// failConnect tears down a half-open connection. A retry exhaustion is
// reported as EventConnectRetryExceeded; a cancellation is not.
func (s *Session) failConnect(ctx context.Context, err error) error {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.trafficError(err.Error(), "handshake")

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if emitErr := s.emit(ctx, EventConnectRetryExceeded, Data{Descriptor: s.desc, Error: err}); emitErr != nil {
		return emitErr
	}
	return err
}

// exchange sends msg and waits for a reply of the wanted type carrying
// the same sequence number, retrying on timeout. Used only during the
// handshake, before the receive loop owns the socket.
func (s *Session) exchange(ctx context.Context, msg *wire.Message, want wire.MessageType) (*wire.Message, error) {
	msg.Seq = s.seq.Add(1)
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	buf := make([]byte, maxDatagramSize)
	for attempt := 1; attempt <= s.config.ConnectRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if _, err := conn.Write(data); err != nil {
			return nil, fmt.Errorf("send %s: %w", msg.Type, err)
		}
		s.trafficMessage(log.DirectionOut, msg)

		deadline := time.Now().Add(s.config.ConnectTimeout)
		for time.Now().Before(deadline) {
			if err := conn.SetReadDeadline(deadline); err != nil {
				return nil, err
			}
			n, err := conn.Read(buf)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					break // next attempt
				}
				return nil, fmt.Errorf("read %s reply: %w", msg.Type, err)
			}

			reply, err := wire.DecodeMessage(buf[:n])
			if err != nil {
				s.logWarn("discarding undecodable datagram during handshake", "error", err)
				s.trafficDatagram(log.DirectionIn, buf[:n])
				continue
			}
			s.trafficMessage(log.DirectionIn, reply)
			if reply.Type != want || reply.Seq != msg.Seq {
				continue // stray datagram, keep waiting
			}
			_ = conn.SetReadDeadline(time.Time{})
			return reply, nil
		}

		s.logDebug("handshake attempt timed out", "step", msg.Type, "attempt", attempt)
	}

	return nil, fmt.Errorf("%w: no %s after %d attempts", ErrHandshakeFailed, want, s.config.ConnectRetries)
}

// Disconnect closes the session: a best-effort Bye, then the socket, then
// the background loops. Idempotent; it never blocks on the loops, so it
// is safe to call from an event handler they triggered.
func (s *Session) Disconnect(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		wasConnected := s.connected
		s.connected = false
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			bye := &wire.Message{Type: wire.TypeBye}
			if data, err := wire.EncodeMessage(bye); err == nil {
				if deadline, ok := ctx.Deadline(); ok {
					_ = conn.SetWriteDeadline(deadline)
				}
				if _, err := conn.Write(data); err == nil {
					s.trafficMessage(log.DirectionOut, bye)
				}
			}
			_ = conn.Close()
		}

		if wasConnected {
			s.trafficState("connected", "closed", "local disconnect")
		}

		s.sup.StopGroup(taskGroup)
	})
}

// Connected reports whether the handshake completed and the session has
// not been closed.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Descriptor returns the descriptor this session was created for.
func (s *Session) Descriptor() *Descriptor {
	return s.desc
}

// ID returns the identifier tagged onto this session's traffic capture
// events.
func (s *Session) ID() string {
	return s.id
}

// Name returns the spa name (from the Welcome, falling back to the
// descriptor).
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Version returns the firmware version reported in the Welcome.
func (s *Session) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Attributes returns a copy of the current attribute snapshot.
func (s *Session) Attributes() map[uint16]int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[uint16]int32, len(s.attrs))
	for k, v := range s.attrs {
		snapshot[k] = v
	}
	return snapshot
}

// Attribute returns one attribute value and whether it is known yet.
func (s *Session) Attribute(id uint16) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[id]
	return v, ok
}

// StatusText returns the spa's current status text.
func (s *Session) StatusText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusText
}

// OnStatus registers a callback invoked after every applied status
// update. Callbacks run on the receive loop; keep them short.
func (s *Session) OnStatus(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = append(s.onStatus, cb)
}

// SendCommand writes one attribute and waits for the spa's
// acknowledgement, retrying up to CommandRetries times. The returned
// value is the spa's resulting value, which may differ from the request.
// Retry exhaustion emits EventProtocolRetryExceeded.
func (s *Session) SendCommand(ctx context.Context, attr uint16, value int32) (int32, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	seq := s.seq.Add(1)
	ackCh := make(chan wire.CommandAck, 1)
	s.pending[seq] = ackCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}()

	msg := &wire.Message{
		Type:    wire.TypeCommand,
		Seq:     seq,
		Command: &wire.Command{Attribute: attr, Value: value},
	}

	for attempt := 1; attempt <= s.config.CommandRetries; attempt++ {
		if err := s.send(msg); err != nil {
			return 0, err
		}

		timer := time.NewTimer(s.config.CommandTimeout)
		select {
		case ack := <-ackCh:
			timer.Stop()
			return ack.Value, nil
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
			s.logDebug("command not acknowledged", "attribute", wire.AttributeName(attr), "attempt", attempt)
		}
	}

	err := fmt.Errorf("%w: %s after %d attempts", ErrCommandTimeout, wire.AttributeName(attr), s.config.CommandRetries)
	s.emitLoop(ctx, EventProtocolRetryExceeded, Data{Descriptor: s.desc, Error: err})
	return 0, err
}

// Refresh asks the spa to resend its full configuration block. The
// response is applied by the receive loop like any status update.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	return s.send(&wire.Message{Type: wire.TypeConfigRequest, Seq: s.seq.Add(1)})
}

// send encodes and writes one datagram.
func (s *Session) send(msg *wire.Message) error {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}

	s.mu.RLock()
	conn := s.conn
	closed := s.closed
	s.mu.RUnlock()
	if closed || conn == nil {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return err
	}
	s.trafficMessage(log.DirectionOut, msg)
	return nil
}

// rxLoop reads datagrams and routes them: pongs to the keepalive loop,
// acknowledgements to their waiting commands, status updates into the
// snapshot, radio faults into the fault counter. A Bye or a dead socket
// ends the session with EventSpaDisconnected.
func (s *Session) rxLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.RLock()
		conn := s.conn
		closed := s.closed
		s.mu.RUnlock()
		if closed || conn == nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return nil
		}
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			s.logWarn("receive failed, treating session as lost", "error", err)
			s.remoteClosed(ctx, "receive failed")
			return nil
		}

		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			s.logWarn("discarding undecodable datagram", "error", err)
			s.trafficDatagram(log.DirectionIn, buf[:n])
			continue
		}
		s.trafficMessage(log.DirectionIn, msg)

		switch msg.Type {
		case wire.TypePong:
			select {
			case s.pongCh <- msg.Seq:
			default:
				// Keepalive loop not waiting; stale pong.
			}

		case wire.TypeStatus:
			s.applyStatus(msg.Status.Attributes, msg.Status.Text)

		case wire.TypeConfigResponse:
			s.applyStatus(msg.ConfigResponse.Attributes, msg.ConfigResponse.Text)

		case wire.TypeCommandAck:
			s.mu.Lock()
			s.rfErrors = 0
			ch := s.pending[msg.Seq]
			s.mu.Unlock()
			if ch != nil {
				select {
				case ch <- *msg.CommandAck:
				default:
				}
			}

		case wire.TypeRFError:
			s.noteRFError(ctx)

		case wire.TypeBye:
			s.remoteClosed(ctx, "bye received")
			return nil

		default:
			s.logDebug("ignoring unexpected message", "type", msg.Type)
		}
	}
}

// keepaliveLoop pings the spa on every tick and scores the reply.
func (s *Session) keepaliveLoop(ctx context.Context) error {
	// Initial ping establishes liveness without waiting a full interval.
	if err := s.pingOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if s.isClosed() {
			return nil
		}
		if err := s.pingOnce(ctx); err != nil {
			return err
		}
	}
}

// pingOnce sends one ping and waits for the matching pong. A reply emits
// EventPingReceived; a timeout emits EventPingMissed, and the
// consecutive-miss threshold additionally emits
// EventProtocolRetryExceeded.
func (s *Session) pingOnce(ctx context.Context) error {
	// Drop any pong left over from a previous round.
	select {
	case <-s.pongCh:
	default:
	}

	seq := s.seq.Add(1)
	if err := s.send(&wire.Message{Type: wire.TypePing, Seq: seq}); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		s.logWarn("ping send failed", "error", err)
	}

	timer := time.NewTimer(s.config.PingTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case got := <-s.pongCh:
			if got != seq {
				continue // delayed pong from an earlier ping
			}
			s.mu.Lock()
			s.missedPings = 0
			s.mu.Unlock()
			s.emitLoop(ctx, EventPingReceived, Data{Descriptor: s.desc})
			return nil

		case <-timer.C:
			s.mu.Lock()
			s.missedPings++
			exceeded := s.missedPings >= s.config.MaxMissedPings
			if exceeded {
				s.missedPings = 0
			}
			s.mu.Unlock()

			s.emitLoop(ctx, EventPingMissed, Data{Descriptor: s.desc})
			if exceeded {
				s.emitLoop(ctx, EventProtocolRetryExceeded, Data{
					Descriptor: s.desc,
					Error:      fmt.Errorf("%d consecutive pings unanswered", s.config.MaxMissedPings),
				})
			}
			return nil
		}
	}
}

// applyStatus merges an attribute update into the snapshot and notifies
// status subscribers. Any pack-sourced message clears the radio-fault
// counter.
func (s *Session) applyStatus(attrs map[uint16]int32, text string) {
	s.mu.Lock()
	s.applyAttributesLocked(attrs, text)
	s.rfErrors = 0
	callbacks := make([]func(), len(s.onStatus))
	copy(callbacks, s.onStatus)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (s *Session) applyAttributesLocked(attrs map[uint16]int32, text string) {
	for id, v := range attrs {
		s.attrs[id] = v
	}
	if text != "" {
		s.statusText = text
	}
}

// noteRFError scores one radio fault. Every fault emits EventRFError;
// the consecutive-fault threshold additionally emits
// EventTooManyRFErrors.
func (s *Session) noteRFError(ctx context.Context) {
	s.mu.Lock()
	s.rfErrors++
	exceeded := s.rfErrors >= s.config.MaxRFErrors
	if exceeded {
		s.rfErrors = 0
	}
	count := s.rfErrors
	s.mu.Unlock()

	s.logDebug("radio fault reported", "consecutive", count)
	s.emitLoop(ctx, EventRFError, Data{Descriptor: s.desc})
	if exceeded {
		s.emitLoop(ctx, EventTooManyRFErrors, Data{
			Descriptor: s.desc,
			Error:      fmt.Errorf("%d consecutive radio faults", s.config.MaxRFErrors),
		})
	}
}

// remoteClosed handles a session ended by the spa (Bye or dead socket).
func (s *Session) remoteClosed(ctx context.Context, reason string) {
	if s.isClosed() {
		return
	}
	s.trafficState("connected", "lost", reason)
	s.emitLoop(ctx, EventSpaDisconnected, Data{Descriptor: s.desc})
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// emitLoop reports an event from a background loop, where a handler
// error has no operation to abort.
func (s *Session) emitLoop(ctx context.Context, event Event, data Data) {
	if err := s.emit(ctx, event, data); err != nil {
		s.logWarn("event handler failed", "event", event, "error", err)
	}
}

func (s *Session) logDebug(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}

func (s *Session) logWarn(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Warn(msg, args...)
	}
}
