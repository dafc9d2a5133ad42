package spaman

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/intouch-home/intouch-go/pkg/facade"
	"github.com/intouch-home/intouch-go/pkg/locator"
	"github.com/intouch-home/intouch-go/pkg/persistence"
	"github.com/intouch-home/intouch-go/pkg/spa"
	"github.com/intouch-home/intouch-go/pkg/tasks"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

const testUUID = "4b8f1036-3b7c-4f7a-9c3e-1f2a5d6e7f80"

// eventLog records every dispatched event and can make the handler
// fail on selected events.
type eventLog struct {
	mu     sync.Mutex
	events []spa.Event
	datas  []spa.Data
	fail   map[spa.Event]error
}

func (l *eventLog) HandleEvent(ctx context.Context, event spa.Event, data spa.Data) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.datas = append(l.datas, data)
	return l.fail[event]
}

func (l *eventLog) list() []spa.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]spa.Event(nil), l.events...)
}

func (l *eventLog) has(event spa.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

func (l *eventLog) count(event spa.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

// dataFor returns the payload of the last occurrence of event.
func (l *eventLog) dataFor(event spa.Event) (spa.Data, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i] == event {
			return l.datas[i], true
		}
	}
	return spa.Data{}, false
}

func (l *eventLog) waitFor(t *testing.T, event spa.Event, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.has(event) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("event %s not dispatched within %v", event, timeout)
}

// fakes provides scripted locator and session behavior for the
// manager's factories.
type fakes struct {
	mu             sync.Mutex
	spas           []*spa.Descriptor
	discoverErr    error
	blockDiscovery bool
	connectErr     error
	afterHandshake []spa.Event
	locates        int
	lastLocatorCfg locator.Config
	sessions       []*fakeSession
}

func (f *fakes) lastSession() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakes) locateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locates
}

func (f *fakes) locatorConfig() locator.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLocatorCfg
}

func installFakes(m *Manager, f *fakes) {
	m.SetLocatorFactory(func(emit spa.EventFunc, cfg locator.Config) SpaLocator {
		f.mu.Lock()
		f.locates++
		f.lastLocatorCfg = cfg
		f.mu.Unlock()
		return &fakeLocator{f: f, emit: emit}
	})
	m.SetSessionFactory(func(clientID []byte, desc *spa.Descriptor, emit spa.EventFunc, sup *tasks.Tasks, cfg spa.SessionConfig) SpaSession {
		s := &fakeSession{
			f:       f,
			desc:    desc,
			emit:    emit,
			name:    desc.Name,
			version: "v1.0",
			attrs: map[uint16]int32{
				wire.AttrWaterTemp:  370,
				wire.AttrTargetTemp: 380,
			},
		}
		f.mu.Lock()
		f.sessions = append(f.sessions, s)
		f.mu.Unlock()
		return s
	})
}

type fakeLocator struct {
	f    *fakes
	emit spa.EventFunc
}

func (l *fakeLocator) Discover(ctx context.Context) ([]*spa.Descriptor, error) {
	l.f.mu.Lock()
	spas := append([]*spa.Descriptor(nil), l.f.spas...)
	discoverErr := l.f.discoverErr
	block := l.f.blockDiscovery
	l.f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if discoverErr != nil {
		return nil, discoverErr
	}
	out := []*spa.Descriptor{}
	for _, d := range spas {
		if err := l.emit(ctx, spa.EventSpaDiscovered, spa.Data{Descriptor: d}); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type fakeSession struct {
	f       *fakes
	desc    *spa.Descriptor
	emit    spa.EventFunc
	name    string
	version string

	mu          sync.Mutex
	attrs       map[uint16]int32
	connected   bool
	disconnects int
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.f.mu.Lock()
	connectErr := s.f.connectErr
	after := append([]spa.Event(nil), s.f.afterHandshake...)
	s.f.mu.Unlock()

	if connectErr != nil {
		if err := s.emit(ctx, spa.EventConnectRetryExceeded, spa.Data{Descriptor: s.desc, Error: connectErr}); err != nil {
			return err
		}
		return connectErr
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	if err := s.emit(ctx, spa.EventHandshakeComplete, spa.Data{Descriptor: s.desc}); err != nil {
		return err
	}
	for _, event := range after {
		if err := s.emit(ctx, event, spa.Data{Descriptor: s.desc}); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) Disconnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnects++
}

func (s *fakeSession) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *fakeSession) Descriptor() *spa.Descriptor { return s.desc }
func (s *fakeSession) Name() string                { return s.name }
func (s *fakeSession) Version() string             { return s.version }
func (s *fakeSession) StatusText() string          { return "Ready" }
func (s *fakeSession) OnStatus(func())             {}
func (s *fakeSession) Refresh(ctx context.Context) error {
	return nil
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Attributes() map[uint16]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint16]int32, len(s.attrs))
	for id, v := range s.attrs {
		out[id] = v
	}
	return out
}

func (s *fakeSession) Attribute(id uint16) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[id]
	return v, ok
}

func (s *fakeSession) SendCommand(ctx context.Context, attr uint16, value int32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[attr] = value
	return value, nil
}

func testDescriptor() *spa.Descriptor {
	return &spa.Descriptor{
		Identifier: "SPA01:02:03:04:05:06",
		Name:       "Fake Spa",
		Address:    "127.0.0.1:10022",
		Version:    "v1.0",
	}
}

// testConfig parks the pump on a long interval; pump tests shorten it.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ClientUUID = testUUID
	cfg.PumpInterval = time.Hour
	cfg.WaitPollInterval = 2 * time.Millisecond
	cfg.MDNS = false
	return cfg
}

func newTestManager(t *testing.T, log *eventLog, cfg Config, f *fakes) *Manager {
	t.Helper()
	m, err := New(log, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	installFakes(m, f)
	return m
}

func startTestManager(t *testing.T, log *eventLog, cfg Config, f *fakes) *Manager {
	t.Helper()
	m := newTestManager(t, log, cfg, f)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

// startConnected brings a manager to CONNECTED through the manual
// operations.
func startConnected(t *testing.T, log *eventLog, f *fakes) (*Manager, *facade.Facade) {
	t.Helper()
	m := startTestManager(t, log, testConfig(), f)
	ctx := context.Background()

	spas, err := m.LocateSpas(ctx, "", "")
	if err != nil {
		t.Fatalf("LocateSpas() error = %v", err)
	}
	if len(spas) != 1 {
		t.Fatalf("LocateSpas() returned %d spas, want 1", len(spas))
	}
	fac, err := m.ConnectToSpa(ctx, spas[0])
	if err != nil {
		t.Fatalf("ConnectToSpa() error = %v", err)
	}
	if fac == nil {
		t.Fatal("ConnectToSpa() returned nil facade")
	}
	if m.State() != StateConnected {
		t.Fatalf("State() = %v, want %v", m.State(), StateConnected)
	}
	return m, fac
}

func waitState(t *testing.T, m *Manager, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v", m.State(), want)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateLocatingSpas, "LOCATING_SPAS"},
		{StateConnecting, "CONNECTING"},
		{StateSpaReady, "SPA_READY"},
		{StateConnected, "CONNECTED"},
		{StateErrorSpaNotFound, "ERROR_SPA_NOT_FOUND"},
		{StateErrorPingMissed, "ERROR_PING_MISSED"},
		{StateErrorRFFault, "ERROR_RF_FAULT"},
		{StateErrorNeedsAttention, "ERROR_NEEDS_ATTENTION"},
		{State(200), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() without UUID = %v, want ErrInvalidConfig", err)
	}
	cfg.ClientUUID = "not-a-uuid"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() with bad UUID = %v, want ErrInvalidConfig", err)
	}
	cfg.ClientUUID = testUUID
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, testConfig()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New(nil handler) error = %v, want ErrInvalidConfig", err)
	}
	cfg := testConfig()
	cfg.ClientUUID = ""
	if _, err := New(&eventLog{}, cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New() with empty UUID error = %v, want ErrInvalidConfig", err)
	}
}

func TestManagerStartClose(t *testing.T) {
	log := &eventLog{}
	m := newTestManager(t, log, testConfig(), &fakes{})

	if err := m.Close(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Close() before Start error = %v, want ErrNotStarted", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %v, want %v", m.State(), StateIdle)
	}
	if got, want := m.StatusLine(), "State: IDLE, last event MANAGER_ENTER"; got != want {
		t.Errorf("StatusLine() = %q, want %q", got, want)
	}

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	want := []spa.Event{spa.EventManagerEnter, spa.EventManagerExit}
	got := log.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if data, ok := log.dataFor(spa.EventManagerExit); !ok || data.Error != nil {
		t.Errorf("MANAGER_EXIT data = %+v, want clean shutdown", data)
	}
}

func TestManagerAutonomousSequence(t *testing.T) {
	desc := testDescriptor()
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{desc}}

	cfg := testConfig()
	cfg.SpaIdentifier = desc.Identifier
	cfg.PumpInterval = 5 * time.Millisecond
	m := startTestManager(t, log, cfg, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fac, err := m.WaitForFacade(ctx)
	if err != nil {
		t.Fatalf("WaitForFacade() error = %v", err)
	}
	log.waitFor(t, spa.EventConnectionFinished, 2*time.Second)

	want := []spa.Event{
		spa.EventManagerEnter,
		spa.EventLocatingStarted,
		spa.EventSpaDiscovered,
		spa.EventLocatingFinished,
		spa.EventConnectionStarted,
		spa.EventHandshakeComplete,
		spa.EventConnectionFinished,
	}
	got := log.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	if m.State() != StateConnected {
		t.Errorf("State() = %v, want %v", m.State(), StateConnected)
	}
	if got, want := m.StatusLine(), "State: CONNECTED, last event CONNECTION_FINISHED"; got != want {
		t.Errorf("StatusLine() = %q, want %q", got, want)
	}
	if m.Facade() != fac {
		t.Error("Facade() does not match WaitForFacade() result")
	}
	if fac.Identifier() != desc.Identifier {
		t.Errorf("facade identifier = %q, want %q", fac.Identifier(), desc.Identifier)
	}

	if data, _ := log.dataFor(spa.EventSpaDiscovered); data.Descriptor != desc {
		t.Error("SPA_DISCOVERED did not carry the descriptor")
	}
	if data, _ := log.dataFor(spa.EventLocatingFinished); len(data.Descriptors) != 1 {
		t.Errorf("LOCATING_FINISHED carried %d descriptors, want 1", len(data.Descriptors))
	}
	if data, _ := log.dataFor(spa.EventConnectionFinished); data.Facade != fac {
		t.Error("CONNECTION_FINISHED did not carry the facade")
	}

	// The pump must not start another round once connected.
	time.Sleep(30 * time.Millisecond)
	if n := f.locateCount(); n != 1 {
		t.Errorf("locator built %d times, want 1", n)
	}
}

func TestManagerPumpLocatesWithoutIdentifier(t *testing.T) {
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}

	cfg := testConfig()
	cfg.PumpInterval = 5 * time.Millisecond
	m := startTestManager(t, log, cfg, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	spas, err := m.WaitForDescriptors(ctx)
	if err != nil {
		t.Fatalf("WaitForDescriptors() error = %v", err)
	}
	if len(spas) != 1 {
		t.Fatalf("WaitForDescriptors() returned %d spas, want 1", len(spas))
	}

	// Without an identifier hint the pump stops at discovery.
	time.Sleep(30 * time.Millisecond)
	if log.has(spa.EventConnectionStarted) {
		t.Error("pump attempted a connection without an identifier hint")
	}
	if n := f.locateCount(); n != 1 {
		t.Errorf("locator built %d times, want 1", n)
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %v, want %v", m.State(), StateIdle)
	}
}

func TestManagerPumpSpaNotFound(t *testing.T) {
	log := &eventLog{}
	f := &fakes{}

	cfg := testConfig()
	cfg.SpaIdentifier = "GHOST"
	cfg.PumpInterval = 5 * time.Millisecond
	m := startTestManager(t, log, cfg, f)

	log.waitFor(t, spa.EventSpaNotFound, 2*time.Second)
	waitState(t, m, StateErrorSpaNotFound, time.Second)

	data, _ := log.dataFor(spa.EventSpaNotFound)
	if data.Identifier != "GHOST" {
		t.Errorf("SPA_NOT_FOUND identifier = %q, want %q", data.Identifier, "GHOST")
	}

	// The error state parks the pump.
	time.Sleep(30 * time.Millisecond)
	if n := f.locateCount(); n != 1 {
		t.Errorf("locator built %d times, want 1", n)
	}
	if n := log.count(spa.EventSpaNotFound); n != 1 {
		t.Errorf("SPA_NOT_FOUND dispatched %d times, want 1", n)
	}
}

func TestManagerConnectNoMatch(t *testing.T) {
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}
	m := startTestManager(t, log, testConfig(), f)

	fac, err := m.Connect(context.Background(), "OTHER", "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if fac != nil {
		t.Error("Connect() returned a facade for an unknown identifier")
	}
	if !log.has(spa.EventSpaNotFound) {
		t.Error("SPA_NOT_FOUND not dispatched")
	}
	if m.State() != StateErrorSpaNotFound {
		t.Errorf("State() = %v, want %v", m.State(), StateErrorSpaNotFound)
	}
	// Discovery itself succeeded; the results are kept.
	if spas := m.Descriptors(); len(spas) != 1 {
		t.Errorf("Descriptors() returned %d spas, want 1", len(spas))
	}
}

func TestManagerManualConnect(t *testing.T) {
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}
	m, fac := startConnected(t, log, f)

	if got, want := fac.Name(), "Fake Spa"; got != want {
		t.Errorf("facade name = %q, want %q", got, want)
	}
	if data, _ := log.dataFor(spa.EventConnectionFinished); data.Facade != fac {
		t.Error("CONNECTION_FINISHED did not carry the facade")
	}
	if m.Facade() != fac {
		t.Error("Facade() does not match ConnectToSpa() result")
	}
}

func TestManagerConnectToSpaPanicsWithFacade(t *testing.T) {
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}
	m, _ := startConnected(t, log, f)

	defer func() {
		if recover() == nil {
			t.Error("ConnectToSpa() did not panic with an active facade")
		}
	}()
	m.ConnectToSpa(context.Background(), testDescriptor())
}

func TestManagerConnectToSpaNotStarted(t *testing.T) {
	log := &eventLog{}
	m := newTestManager(t, log, testConfig(), &fakes{})

	if _, err := m.ConnectToSpa(context.Background(), testDescriptor()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("ConnectToSpa() error = %v, want ErrNotStarted", err)
	}
}

func TestManagerConnectFailure(t *testing.T) {
	connectErr := errors.New("no reply")
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}, connectErr: connectErr}
	m := startTestManager(t, log, testConfig(), f)
	ctx := context.Background()

	spas, err := m.LocateSpas(ctx, "", "")
	if err != nil {
		t.Fatalf("LocateSpas() error = %v", err)
	}
	fac, err := m.ConnectToSpa(ctx, spas[0])
	if !errors.Is(err, connectErr) {
		t.Fatalf("ConnectToSpa() error = %v, want %v", err, connectErr)
	}
	if fac != nil {
		t.Error("ConnectToSpa() returned a facade on failure")
	}

	if m.State() != StateErrorNeedsAttention {
		t.Errorf("State() = %v, want %v", m.State(), StateErrorNeedsAttention)
	}
	if data, _ := log.dataFor(spa.EventConnectionFinished); data.Facade != nil {
		t.Error("CONNECTION_FINISHED carried a facade on failure")
	}

	// The dead session stays around until a reset clears it.
	sess := f.lastSession()
	if n := sess.disconnectCount(); n != 0 {
		t.Errorf("session disconnected %d times before reset", n)
	}
	m.Reset(ctx)
	if n := sess.disconnectCount(); n != 1 {
		t.Errorf("session disconnected %d times after reset, want 1", n)
	}
	if m.State() != StateIdle {
		t.Errorf("State() after reset = %v, want %v", m.State(), StateIdle)
	}
}

func TestManagerHandshakeFault(t *testing.T) {
	log := &eventLog{}
	f := &fakes{
		spas:           []*spa.Descriptor{testDescriptor()},
		afterHandshake: []spa.Event{spa.EventPingMissed},
	}
	m := startTestManager(t, log, testConfig(), f)
	ctx := context.Background()

	spas, err := m.LocateSpas(ctx, "", "")
	if err != nil {
		t.Fatalf("LocateSpas() error = %v", err)
	}
	fac, err := m.ConnectToSpa(ctx, spas[0])
	if err != nil {
		t.Fatalf("ConnectToSpa() error = %v", err)
	}
	if fac != nil {
		t.Error("ConnectToSpa() built a facade after an immediate fault")
	}
	if m.State() != StateErrorPingMissed {
		t.Errorf("State() = %v, want %v", m.State(), StateErrorPingMissed)
	}
}

func TestManagerPingRecovery(t *testing.T) {
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}
	m, _ := startConnected(t, log, f)
	ctx := context.Background()
	sess := f.lastSession()

	// An answered ping while connected changes nothing.
	if err := sess.emit(ctx, spa.EventPingReceived, spa.Data{}); err != nil {
		t.Fatalf("emit error = %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %v, want %v", m.State(), StateConnected)
	}

	if err := sess.emit(ctx, spa.EventPingMissed, spa.Data{}); err != nil {
		t.Fatalf("emit error = %v", err)
	}
	if m.State() != StateErrorPingMissed {
		t.Errorf("State() = %v, want %v", m.State(), StateErrorPingMissed)
	}

	// The spa answering again triggers a full reset.
	if err := sess.emit(ctx, spa.EventPingReceived, spa.Data{}); err != nil {
		t.Fatalf("emit error = %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %v, want %v", m.State(), StateIdle)
	}
	if got, want := m.StatusLine(), "State: IDLE, last event PING_RECEIVED"; got != want {
		t.Errorf("StatusLine() = %q, want %q", got, want)
	}
	if m.Facade() != nil {
		t.Error("Facade() survived the reset")
	}
	if m.Descriptors() != nil {
		t.Error("Descriptors() survived the reset")
	}
	if n := sess.disconnectCount(); n != 1 {
		t.Errorf("session disconnected %d times, want 1", n)
	}
}

func TestManagerRFEscalation(t *testing.T) {
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}
	m, _ := startConnected(t, log, f)
	ctx := context.Background()
	sess := f.lastSession()

	if err := sess.emit(ctx, spa.EventRFError, spa.Data{}); err != nil {
		t.Fatalf("emit error = %v", err)
	}
	if m.State() != StateErrorRFFault {
		t.Errorf("State() = %v, want %v", m.State(), StateErrorRFFault)
	}

	if err := sess.emit(ctx, spa.EventTooManyRFErrors, spa.Data{}); err != nil {
		t.Fatalf("emit error = %v", err)
	}
	if m.State() != StateErrorNeedsAttention {
		t.Errorf("State() = %v, want %v", m.State(), StateErrorNeedsAttention)
	}

	if err := sess.emit(ctx, spa.EventPingReceived, spa.Data{}); err != nil {
		t.Fatalf("emit error = %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("State() after recovery = %v, want %v", m.State(), StateIdle)
	}
}

func TestManagerSpaDisconnected(t *testing.T) {
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}
	m, _ := startConnected(t, log, f)
	sess := f.lastSession()

	if err := sess.emit(context.Background(), spa.EventSpaDisconnected, spa.Data{}); err != nil {
		t.Fatalf("emit error = %v", err)
	}
	if m.State() != StateErrorNeedsAttention {
		t.Errorf("State() = %v, want %v", m.State(), StateErrorNeedsAttention)
	}
	if m.Facade() != nil {
		t.Error("Facade() survived the disconnect")
	}
	// Discovery results are kept; only the session went away.
	if spas := m.Descriptors(); len(spas) != 1 {
		t.Errorf("Descriptors() returned %d spas, want 1", len(spas))
	}
	if n := sess.disconnectCount(); n != 1 {
		t.Errorf("session disconnected %d times, want 1", n)
	}
}

func TestManagerHandlerErrorPropagates(t *testing.T) {
	veto := errors.New("veto")
	log := &eventLog{fail: map[spa.Event]error{spa.EventLocatingStarted: veto}}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}
	m := startTestManager(t, log, testConfig(), f)

	if _, err := m.LocateSpas(context.Background(), "", ""); !errors.Is(err, veto) {
		t.Fatalf("LocateSpas() error = %v, want %v", err, veto)
	}
	// The finished event fires even when the started handler vetoed.
	if !log.has(spa.EventLocatingFinished) {
		t.Error("LOCATING_FINISHED not dispatched after veto")
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %v, want %v", m.State(), StateIdle)
	}
}

func TestManagerSetSpaInfo(t *testing.T) {
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{testDescriptor()}}
	m, _ := startConnected(t, log, f)
	sess := f.lastSession()

	m.SetSpaInfo(context.Background(), "10.0.0.9:10022", "NEW01", "New Spa")

	if got := m.SpaAddress(); got != "10.0.0.9:10022" {
		t.Errorf("SpaAddress() = %q, want %q", got, "10.0.0.9:10022")
	}
	if got := m.SpaIdentifier(); got != "NEW01" {
		t.Errorf("SpaIdentifier() = %q, want %q", got, "NEW01")
	}
	if got := m.SpaName(); got != "New Spa" {
		t.Errorf("SpaName() = %q, want %q", got, "New Spa")
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %v, want %v", m.State(), StateIdle)
	}
	if m.Facade() != nil || m.Descriptors() != nil {
		t.Error("SetSpaInfo() did not reset the manager")
	}
	if n := sess.disconnectCount(); n != 1 {
		t.Errorf("session disconnected %d times, want 1", n)
	}
}

func TestManagerPumpCancellation(t *testing.T) {
	log := &eventLog{}
	f := &fakes{blockDiscovery: true}

	cfg := testConfig()
	cfg.PumpInterval = 5 * time.Millisecond
	m := newTestManager(t, log, cfg, f)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	log.waitFor(t, spa.EventLocatingStarted, 2*time.Second)
	cancel()

	done := make(chan error, 1)
	go func() { done <- m.Close(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return after cancellation")
	}
	if !log.has(spa.EventManagerExit) {
		t.Error("MANAGER_EXIT not dispatched")
	}
}

func TestManagerWaitForFacadeCancel(t *testing.T) {
	log := &eventLog{}
	m := startTestManager(t, log, testConfig(), &fakes{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.WaitForFacade(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForFacade() error = %v, want deadline exceeded", err)
	}
}

func TestManagerStateStore(t *testing.T) {
	store := persistence.NewStore(t.TempDir() + "/spas.json")
	desc := testDescriptor()
	log := &eventLog{}
	f := &fakes{spas: []*spa.Descriptor{desc}}

	m := newTestManager(t, log, testConfig(), f)
	m.SetStateStore(store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	ctx := context.Background()

	spas, err := m.LocateSpas(ctx, "", "")
	if err != nil {
		t.Fatalf("LocateSpas() error = %v", err)
	}
	if got := f.locatorConfig().KnownAddresses; len(got) != 0 {
		t.Errorf("first discovery got cached addresses %v, want none", got)
	}
	if _, err := m.ConnectToSpa(ctx, spas[0]); err != nil {
		t.Fatalf("ConnectToSpa() error = %v", err)
	}

	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap == nil || len(snap.Spas) != 1 {
		t.Fatalf("store holds %+v, want one spa", snap)
	}
	if snap.Spas[0].Identifier != desc.Identifier {
		t.Errorf("stored identifier = %q, want %q", snap.Spas[0].Identifier, desc.Identifier)
	}
	if snap.Spas[0].Address != desc.Address {
		t.Errorf("stored address = %q, want %q", snap.Spas[0].Address, desc.Address)
	}

	// The next discovery round probes the cached address.
	if _, err := m.LocateSpas(ctx, "", ""); err != nil {
		t.Fatalf("second LocateSpas() error = %v", err)
	}
	got := f.locatorConfig().KnownAddresses
	if len(got) != 1 || got[0] != desc.Address {
		t.Errorf("cached addresses = %v, want [%s]", got, desc.Address)
	}
}
