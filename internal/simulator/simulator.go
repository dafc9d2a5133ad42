// Package simulator implements an in-process in.touch spa: a UDP
// responder speaking the wire protocol, with knobs to provoke the
// failure paths a real spa produces. It backs the integration tests and
// the intouch-sim binary.
package simulator

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

	"github.com/enbility/zeroconf/v3"

	"github.com/intouch-home/intouch-go/pkg/locator"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// maxDatagramSize bounds a single protocol datagram.
const maxDatagramSize = 65507

// Config configures a Simulator.
type Config struct {
	// Identifier is the spa identifier, e.g. "SPA01:02:03:04:05:06".
	Identifier string

	// Name is the advertised spa name.
	Name string

	// Version is the advertised firmware version.
	Version string

	// Address to listen on (e.g. ":10022" or "127.0.0.1:0").
	Address string

	// Advertise enables mDNS advertisement.
	Advertise bool

	// Interface optionally restricts mDNS advertisement to one network
	// interface.
	Interface string

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Simulator is a single simulated spa.
type Simulator struct {
	config Config

	conn *net.UDPConn
	mdns *zeroconf.Server

	running atomic.Bool
	wg      sync.WaitGroup
	seq     atomic.Uint32

	mu           sync.Mutex
	attrs        map[uint16]int32
	statusText   string
	client       *net.UDPAddr
	dropPings    bool
	ignoreProbes bool
}

// New creates a simulator. Call Start to bind it to the network.
func New(config Config) *Simulator {
	if config.Name == "" {
		config.Name = "Simulated Spa"
	}
	if config.Version == "" {
		config.Version = "SIM-1.0"
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", locator.DefaultPort)
	}

	return &Simulator{
		config: config,
		attrs: map[uint16]int32{
			wire.AttrWaterTemp:  370,
			wire.AttrTargetTemp: 380,
			wire.AttrHeating:    1,
			wire.AttrPump1:      wire.PumpOff,
			wire.AttrPump2:      wire.PumpOff,
			wire.AttrPump3:      wire.PumpOff,
			wire.AttrLight:      0,
			wire.AttrWatercare:  int32(wire.WatercareStandard),
		},
		statusText: "Ready",
	}
}

// Start binds the UDP socket, begins answering, and registers the mDNS
// service when advertising is enabled.
func (s *Simulator) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("simulator already running")
	}

	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp4", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	s.conn = pc.(*net.UDPConn)
	s.running.Store(true)

	if s.config.Advertise {
		if err := s.register(); err != nil {
			s.conn.Close()
			s.running.Store(false)
			return err
		}
	}

	s.wg.Add(1)
	go s.serve()

	s.logDebug("simulator listening", "address", s.conn.LocalAddr(), "identifier", s.config.Identifier)
	return nil
}

// Stop shuts the simulator down and waits for its loop to exit.
func (s *Simulator) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)

	if s.mdns != nil {
		s.mdns.Shutdown()
		s.mdns = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.wg.Wait()
}

// Addr returns the bound UDP address.
func (s *Simulator) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// register advertises the spa over mDNS.
func (s *Simulator) register() error {
	txt := []string{
		locator.TXTKeyIdentifier + "=" + s.config.Identifier,
		locator.TXTKeyName + "=" + s.config.Name,
		locator.TXTKeyVersion + "=" + s.config.Version,
	}

	var ifaces []net.Interface
	if s.config.Interface != "" {
		iface, err := net.InterfaceByName(s.config.Interface)
		if err != nil {
			return fmt.Errorf("mdns interface: %w", err)
		}
		ifaces = []net.Interface{*iface}
	}

	server, err := zeroconf.Register(
		s.config.Name,
		locator.ServiceType,
		locator.Domain,
		s.Addr().Port,
		txt,
		ifaces,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	s.mdns = server
	return nil
}

// SetDropPings makes the simulator swallow pings, so the client sees
// missed pongs.
func (s *Simulator) SetDropPings(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPings = drop
}

// SetIgnoreProbes makes the simulator invisible to discovery.
func (s *Simulator) SetIgnoreProbes(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreProbes = ignore
}

// SetAttribute changes one attribute and pushes a Status update to the
// connected client.
func (s *Simulator) SetAttribute(id uint16, value int32) {
	s.mu.Lock()
	s.attrs[id] = value
	s.mu.Unlock()

	s.pushStatus(map[uint16]int32{id: value})
}

// Attribute returns the current value of one attribute.
func (s *Simulator) Attribute(id uint16) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[id]
}

// SetStatusText changes the status text and pushes it to the connected
// client.
func (s *Simulator) SetStatusText(text string) {
	s.mu.Lock()
	s.statusText = text
	s.mu.Unlock()

	s.push(&wire.Message{
		Type:   wire.TypeStatus,
		Seq:    s.seq.Add(1),
		Status: &wire.Status{Text: text},
	})
}

// SendRFErrors pushes n radio-fault notifications to the connected
// client.
func (s *Simulator) SendRFErrors(n int) {
	for i := 0; i < n; i++ {
		s.push(&wire.Message{
			Type:    wire.TypeRFError,
			Seq:     s.seq.Add(1),
			RFError: &wire.RFError{Code: 1},
		})
	}
}

// SendBye tells the connected client the spa is going away.
func (s *Simulator) SendBye() {
	s.push(&wire.Message{Type: wire.TypeBye, Seq: s.seq.Add(1)})

	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
}

// serve answers inbound datagrams until Stop.
func (s *Simulator) serve() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for s.running.Load() {
		if err := s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if !s.running.Load() {
				return
			}
			s.logDebug("read failed", "error", err)
			continue
		}

		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			s.logDebug("discarding undecodable datagram", "from", from, "error", err)
			continue
		}
		s.handle(msg, from)
	}
}

// handle answers one client datagram.
func (s *Simulator) handle(msg *wire.Message, from *net.UDPAddr) {
	switch msg.Type {
	case wire.TypeProbe:
		s.mu.Lock()
		ignore := s.ignoreProbes
		s.mu.Unlock()
		if ignore {
			return
		}
		if msg.Probe.Identifier != "" && msg.Probe.Identifier != s.config.Identifier {
			return
		}
		s.reply(from, &wire.Message{
			Type: wire.TypeAnnounce,
			Seq:  msg.Seq,
			Announce: &wire.Announce{
				Identifier: s.config.Identifier,
				Name:       s.config.Name,
				Port:       uint16(s.Addr().Port),
				Version:    s.config.Version,
			},
		})

	case wire.TypeHello:
		s.mu.Lock()
		s.client = from
		s.mu.Unlock()
		s.reply(from, &wire.Message{
			Type: wire.TypeWelcome,
			Seq:  msg.Seq,
			Welcome: &wire.Welcome{
				Identifier: s.config.Identifier,
				Name:       s.config.Name,
				Version:    s.config.Version,
			},
		})

	case wire.TypeConfigRequest:
		s.mu.Lock()
		attrs := s.snapshotLocked()
		text := s.statusText
		s.mu.Unlock()
		s.reply(from, &wire.Message{
			Type:           wire.TypeConfigResponse,
			Seq:            msg.Seq,
			ConfigResponse: &wire.ConfigResponse{Attributes: attrs, Text: text},
		})

	case wire.TypePing:
		s.mu.Lock()
		drop := s.dropPings
		s.mu.Unlock()
		if drop {
			return
		}
		s.reply(from, &wire.Message{Type: wire.TypePong, Seq: msg.Seq})

	case wire.TypeCommand:
		value := s.applyCommand(msg.Command.Attribute, msg.Command.Value)
		s.reply(from, &wire.Message{
			Type:       wire.TypeCommandAck,
			Seq:        msg.Seq,
			CommandAck: &wire.CommandAck{Attribute: msg.Command.Attribute, Value: value},
		})
		s.pushStatus(map[uint16]int32{msg.Command.Attribute: value})

	case wire.TypeBye:
		s.mu.Lock()
		if s.client != nil && s.client.String() == from.String() {
			s.client = nil
		}
		s.mu.Unlock()

	default:
		s.logDebug("ignoring unexpected message", "type", msg.Type, "from", from)
	}
}

// applyCommand stores an attribute write, clamping values the way a spa
// pack does, and returns the resulting value.
func (s *Simulator) applyCommand(attr uint16, value int32) int32 {
	switch attr {
	case wire.AttrTargetTemp:
		// Packs accept targets between 15.0 and 40.0 degrees.
		if value < 150 {
			value = 150
		}
		if value > 400 {
			value = 400
		}
	case wire.AttrWatercare:
		if !wire.WatercareMode(value).IsValid() {
			value = int32(wire.WatercareStandard)
		}
	}

	s.mu.Lock()
	s.attrs[attr] = value
	s.mu.Unlock()
	return value
}

// pushStatus sends a Status update to the connected client.
func (s *Simulator) pushStatus(attrs map[uint16]int32) {
	s.push(&wire.Message{
		Type:   wire.TypeStatus,
		Seq:    s.seq.Add(1),
		Status: &wire.Status{Attributes: attrs},
	})
}

// push sends a server-initiated message to the connected client, if any.
func (s *Simulator) push(msg *wire.Message) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}
	s.reply(client, msg)
}

func (s *Simulator) reply(to *net.UDPAddr, msg *wire.Message) {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		s.logDebug("encoding reply failed", "type", msg.Type, "error", err)
		return
	}
	if _, err := s.conn.WriteToUDP(data, to); err != nil {
		s.logDebug("reply send failed", "to", to, "error", err)
	}
}

func (s *Simulator) snapshotLocked() map[uint16]int32 {
	attrs := make(map[uint16]int32, len(s.attrs))
	for k, v := range s.attrs {
		attrs[k] = v
	}
	return attrs
}

func (s *Simulator) logDebug(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}
