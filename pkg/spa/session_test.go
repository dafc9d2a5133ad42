package spa_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/intouch-home/intouch-go/internal/simulator"
	"github.com/intouch-home/intouch-go/pkg/log"
	"github.com/intouch-home/intouch-go/pkg/spa"
	"github.com/intouch-home/intouch-go/pkg/tasks"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// eventRecorder collects emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []spa.Event
}

func (r *eventRecorder) emit(ctx context.Context, event spa.Event, data spa.Data) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) count(event spa.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

// waitCount polls until at least n occurrences of event were recorded.
func (r *eventRecorder) waitCount(t *testing.T, event spa.Event, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.count(event) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, got %d", n, event, r.count(event))
}

func (r *eventRecorder) wait(t *testing.T, event spa.Event, timeout time.Duration) {
	t.Helper()
	r.waitCount(t, event, 1, timeout)
}

func startSimulator(t *testing.T) *simulator.Simulator {
	t.Helper()
	sim := simulator.New(simulator.Config{
		Identifier: "SPA01:02:03:04:05:06",
		Name:       "Test Spa",
		Version:    "v1.23",
		Address:    "127.0.0.1:0",
	})
	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("starting simulator: %v", err)
	}
	t.Cleanup(sim.Stop)
	return sim
}

// newTestSession wires a session to the simulator with fast timings.
func newTestSession(t *testing.T, sim *simulator.Simulator, rec *eventRecorder, config spa.SessionConfig) *spa.Session {
	t.Helper()

	sup := tasks.New(context.Background(), nil)
	t.Cleanup(func() { _ = sup.Close() })

	desc := &spa.Descriptor{
		Identifier: "SPA01:02:03:04:05:06",
		Name:       "Test Spa",
		Address:    sim.Addr().String(),
	}
	sess := spa.NewSession(wire.FormatClientIdentifier("test-client"), desc, rec.emit, sup, config)
	t.Cleanup(func() { sess.Disconnect(context.Background()) })
	return sess
}

// fastConfig keeps test timings tight.
func fastConfig() spa.SessionConfig {
	return spa.SessionConfig{
		ConnectTimeout: 200 * time.Millisecond,
		ConnectRetries: 3,
		PingInterval:   50 * time.Millisecond,
		PingTimeout:    25 * time.Millisecond,
		MaxMissedPings: 3,
		MaxRFErrors:    3,
		CommandTimeout: 200 * time.Millisecond,
		CommandRetries: 2,
	}
}

func TestSessionConfigDefaults(t *testing.T) {
	config := spa.DefaultSessionConfig()

	if config.ConnectTimeout != spa.DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", config.ConnectTimeout, spa.DefaultConnectTimeout)
	}
	if config.PingInterval != spa.DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", config.PingInterval, spa.DefaultPingInterval)
	}
	if config.MaxMissedPings != spa.DefaultMaxMissedPings {
		t.Errorf("MaxMissedPings = %d, want %d", config.MaxMissedPings, spa.DefaultMaxMissedPings)
	}
	if config.MaxRFErrors != spa.DefaultMaxRFErrors {
		t.Errorf("MaxRFErrors = %d, want %d", config.MaxRFErrors, spa.DefaultMaxRFErrors)
	}
}

func TestSessionConnect(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	sess := newTestSession(t, sim, rec, fastConfig())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if rec.count(spa.EventHandshakeComplete) != 1 {
		t.Errorf("HandshakeComplete events = %d, want 1", rec.count(spa.EventHandshakeComplete))
	}
	if !sess.Connected() {
		t.Error("session should be connected")
	}
	if sess.Name() != "Test Spa" {
		t.Errorf("Name = %q, want %q", sess.Name(), "Test Spa")
	}
	if sess.Version() != "v1.23" {
		t.Errorf("Version = %q, want %q", sess.Version(), "v1.23")
	}
	if v, ok := sess.Attribute(wire.AttrWaterTemp); !ok || v != 370 {
		t.Errorf("WaterTemp = %d (known=%v), want 370", v, ok)
	}

	// The keepalive loop pings immediately after the handshake.
	rec.wait(t, spa.EventPingReceived, 2*time.Second)

	// Connecting twice is an error.
	if err := sess.Connect(context.Background()); err != spa.ErrAlreadyConnected {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestSessionConnectNoReply(t *testing.T) {
	// A socket that never answers: every handshake attempt times out.
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()

	rec := &eventRecorder{}
	sup := tasks.New(context.Background(), nil)
	defer sup.Close()

	desc := &spa.Descriptor{Identifier: "SPA-GONE", Address: silent.LocalAddr().String()}
	config := fastConfig()
	config.ConnectTimeout = 30 * time.Millisecond
	config.ConnectRetries = 2
	sess := spa.NewSession(wire.FormatClientIdentifier("test-client"), desc, rec.emit, sup, config)

	if err := sess.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail")
	}
	if rec.count(spa.EventConnectRetryExceeded) != 1 {
		t.Errorf("ConnectRetryExceeded events = %d, want 1", rec.count(spa.EventConnectRetryExceeded))
	}
	if sess.Connected() {
		t.Error("session should not be connected")
	}
}

func TestSessionPingMissEscalation(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	sess := newTestSession(t, sim, rec, fastConfig())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.wait(t, spa.EventPingReceived, 2*time.Second)

	sim.SetDropPings(true)

	// MaxMissedPings is 3: three PingMissed, then the escalation.
	rec.waitCount(t, spa.EventPingMissed, 3, 2*time.Second)
	rec.wait(t, spa.EventProtocolRetryExceeded, 2*time.Second)

	// Recovery: pongs flow again and the counter restarts.
	sim.SetDropPings(false)
	before := rec.count(spa.EventPingReceived)
	rec.waitCount(t, spa.EventPingReceived, before+1, 2*time.Second)
}

func TestSessionRFErrorEscalation(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	sess := newTestSession(t, sim, rec, fastConfig())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sim.SendRFErrors(3)

	rec.waitCount(t, spa.EventRFError, 3, 2*time.Second)
	rec.wait(t, spa.EventTooManyRFErrors, 2*time.Second)
}

func TestSessionStatusResetsRFCounter(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	sess := newTestSession(t, sim, rec, fastConfig())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Two faults, then a status update clears the streak, then two more:
	// never three in a row.
	sim.SendRFErrors(2)
	rec.waitCount(t, spa.EventRFError, 2, 2*time.Second)

	sim.SetAttribute(wire.AttrLight, 1)
	waitAttribute(t, sess, wire.AttrLight, 1)

	sim.SendRFErrors(2)
	rec.waitCount(t, spa.EventRFError, 4, 2*time.Second)

	if n := rec.count(spa.EventTooManyRFErrors); n != 0 {
		t.Errorf("TooManyRFErrors events = %d, want 0", n)
	}
}

func TestSessionByeDisconnects(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	sess := newTestSession(t, sim, rec, fastConfig())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sim.SendBye()
	rec.wait(t, spa.EventSpaDisconnected, 2*time.Second)
}

func TestSessionSendCommand(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	sess := newTestSession(t, sim, rec, fastConfig())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got, err := sess.SendCommand(context.Background(), wire.AttrLight, 1)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got != 1 {
		t.Errorf("acknowledged value = %d, want 1", got)
	}

	// The spa clamps out-of-range setpoints; the acknowledgement carries
	// the value that actually applied.
	got, err = sess.SendCommand(context.Background(), wire.AttrTargetTemp, 999)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got != 400 {
		t.Errorf("clamped setpoint = %d, want 400", got)
	}

	// The follow-up status push lands in the snapshot.
	waitAttribute(t, sess, wire.AttrTargetTemp, 400)
}

func TestSessionRefresh(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	sess := newTestSession(t, sim, rec, fastConfig())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	updated := make(chan struct{}, 8)
	sess.OnStatus(func() {
		select {
		case updated <- struct{}{}:
		default:
		}
	})

	if err := sess.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("no status update after Refresh")
	}
}

func TestSessionDisconnect(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	sess := newTestSession(t, sim, rec, fastConfig())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sess.Disconnect(context.Background())
	sess.Disconnect(context.Background())

	if sess.Connected() {
		t.Error("session should not be connected after Disconnect")
	}
	if _, err := sess.SendCommand(context.Background(), wire.AttrLight, 1); err == nil {
		t.Error("SendCommand after Disconnect should fail")
	}
	if err := sess.Connect(context.Background()); err != spa.ErrSessionClosed {
		t.Errorf("Connect after Disconnect = %v, want ErrSessionClosed", err)
	}
}

// trafficRecorder collects traffic capture events for assertions.
type trafficRecorder struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *trafficRecorder) Log(event log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *trafficRecorder) snapshot() []log.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]log.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestSessionTrafficCapture(t *testing.T) {
	sim := startSimulator(t)
	rec := &eventRecorder{}
	capture := &trafficRecorder{}

	config := fastConfig()
	config.TrafficLogger = capture
	sess := newTestSession(t, sim, rec, config)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := sess.SendCommand(context.Background(), wire.AttrLight, 1); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	sess.Disconnect(context.Background())

	events := capture.snapshot()
	if len(events) == 0 {
		t.Fatal("no traffic captured")
	}

	countMessages := func(dir log.Direction, mt wire.MessageType) int {
		n := 0
		for _, ev := range events {
			if ev.Message != nil && ev.Direction == dir && ev.Message.Type == mt {
				n++
			}
		}
		return n
	}

	if countMessages(log.DirectionOut, wire.TypeHello) == 0 {
		t.Error("no outgoing HELLO captured")
	}
	if countMessages(log.DirectionIn, wire.TypeWelcome) == 0 {
		t.Error("no incoming WELCOME captured")
	}
	if countMessages(log.DirectionOut, wire.TypeCommand) == 0 {
		t.Error("no outgoing COMMAND captured")
	}
	if countMessages(log.DirectionIn, wire.TypeCommandAck) == 0 {
		t.Error("no incoming COMMAND_ACK captured")
	}
	if countMessages(log.DirectionOut, wire.TypeBye) == 0 {
		t.Error("no outgoing BYE captured")
	}

	states := 0
	for _, ev := range events {
		if ev.StateChange != nil {
			states++
		}
	}
	if states < 2 {
		t.Errorf("state changes captured = %d, want at least 2", states)
	}

	for _, ev := range events {
		if ev.SessionID != sess.ID() {
			t.Fatalf("SessionID = %q, want %q", ev.SessionID, sess.ID())
		}
		if ev.SpaID != "SPA01:02:03:04:05:06" {
			t.Fatalf("SpaID = %q, want %q", ev.SpaID, "SPA01:02:03:04:05:06")
		}
	}
}

// waitAttribute polls the snapshot until the attribute reaches want.
func waitAttribute(t *testing.T, sess *spa.Session, id uint16, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := sess.Attribute(id); ok && v == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	v, ok := sess.Attribute(id)
	t.Fatalf("attribute %s = %d (known=%v), want %d", wire.AttributeName(id), v, ok, want)
}
