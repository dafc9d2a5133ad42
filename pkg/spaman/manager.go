package spaman

import (
	"context"
	"sync"
	"time"

	"github.com/intouch-home/intouch-go/pkg/facade"
	"github.com/intouch-home/intouch-go/pkg/locator"
	"github.com/intouch-home/intouch-go/pkg/persistence"
	"github.com/intouch-home/intouch-go/pkg/spa"
	"github.com/intouch-home/intouch-go/pkg/tasks"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// pumpGroup is the task group of the sequence pump.
const pumpGroup = "spaman"

// Manager owns the connection lifecycle of one spa. It discovers spas,
// establishes sessions, wraps a ready session in a Facade and recovers
// from faults, reporting every step to the host's EventHandler. Once
// started, the sequence pump drives all of this autonomously from the
// configured hints; the individual operations remain available for
// hosts that want manual control.
type Manager struct {
	mu sync.RWMutex

	config   Config
	handler  EventHandler
	clientID []byte

	spaAddress    string
	spaIdentifier string
	spaName       string

	descriptors []*spa.Descriptor
	session     SpaSession
	facade      *facade.Facade
	state       State
	statusLine  string

	tasks *tasks.Tasks
	store *persistence.Store

	started bool
	closed  bool

	newLocator LocatorFactory
	newSession SessionFactory
	newFacade  FacadeFactory
}

// New creates a Manager that reports to handler. The manager does
// nothing until Start is called.
func New(handler EventHandler, config Config) (*Manager, error) {
	if handler == nil {
		return nil, ErrInvalidConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PumpInterval <= 0 {
		config.PumpInterval = DefaultPumpInterval
	}
	if config.WaitPollInterval <= 0 {
		config.WaitPollInterval = DefaultWaitPollInterval
	}
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = locator.DefaultTimeout
	}

	m := &Manager{
		config:        config,
		handler:       handler,
		clientID:      wire.FormatClientIdentifier(config.ClientUUID),
		spaAddress:    config.SpaAddress,
		spaIdentifier: config.SpaIdentifier,
		spaName:       config.SpaName,
	}
	m.newLocator = func(emit spa.EventFunc, cfg locator.Config) SpaLocator {
		return locator.New(emit, cfg)
	}
	m.newSession = func(clientID []byte, desc *spa.Descriptor, emit spa.EventFunc, sup *tasks.Tasks, cfg spa.SessionConfig) SpaSession {
		return spa.NewSession(clientID, desc, emit, sup, cfg)
	}
	m.newFacade = func(sess SpaSession, sup *tasks.Tasks, cfg facade.Config) *facade.Facade {
		return facade.New(sess, sup, cfg)
	}
	return m, nil
}

// Start brings the manager up: EventManagerEnter is dispatched and the
// sequence pump begins ticking. ctx bounds all background work the
// manager spawns; cancelling it stops the pump and any session tasks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.tasks = tasks.New(ctx, m.config.Logger)
	sup := m.tasks
	m.mu.Unlock()

	if err := m.dispatch(ctx, spa.EventManagerEnter, spa.Data{}); err != nil {
		return err
	}
	sup.Add(pumpGroup, "sequence-pump", m.pump)
	m.logDebug("manager started")
	return nil
}

// Close shuts the manager down: the pump stops, EventManagerExit is
// dispatched, any session is disconnected and all background tasks are
// awaited. Close is idempotent; only the first call does the work.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sup := m.tasks
	m.mu.Unlock()

	stopErr := sup.StopGroupWait(pumpGroup)

	emitErr := m.dispatch(ctx, spa.EventManagerExit, spa.Data{Error: stopErr})

	m.mu.Lock()
	fac := m.facade
	sess := m.session
	m.mu.Unlock()
	if fac != nil {
		fac.Close()
	}
	if sess != nil {
		sess.Disconnect(ctx)
	}

	closeErr := sup.Close()
	m.logDebug("manager closed")

	if stopErr != nil {
		return stopErr
	}
	if emitErr != nil {
		return emitErr
	}
	return closeErr
}

// Reset returns the manager to a clean slate: any session is
// disconnected, the facade is dropped, discovery results are cleared
// and the state returns to IDLE. The sequence pump takes over from
// there.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	fac := m.facade
	sess := m.session
	m.facade = nil
	m.session = nil
	m.descriptors = nil
	m.state = StateIdle
	m.mu.Unlock()

	if fac != nil {
		fac.Close()
	}
	if sess != nil {
		sess.Disconnect(ctx)
	}
	m.logDebug("manager reset")
}

// LocateSpas performs one discovery round. address narrows the probe to
// a single endpoint and identifier finishes the round early once that
// spa answers; both may be empty for an unfiltered broadcast sweep. The
// results replace the manager's descriptor list.
// EventLocatingFinished fires even when discovery fails.
func (m *Manager) LocateSpas(ctx context.Context, address, identifier string) (spas []*spa.Descriptor, err error) {
	defer func() {
		m.mu.RLock()
		found := m.descriptors
		m.mu.RUnlock()
		emitErr := m.dispatch(ctx, spa.EventLocatingFinished, spa.Data{Descriptors: found})
		if emitErr != nil && err == nil {
			spas, err = nil, emitErr
		}
	}()

	if err = m.dispatch(ctx, spa.EventLocatingStarted, spa.Data{}); err != nil {
		return nil, err
	}

	cfg := locator.Config{
		Address:    address,
		Identifier: identifier,
		Timeout:    m.config.DiscoveryTimeout,
		MDNS:       m.config.MDNS,
		Interface:  m.config.Interface,
		ClientID:   m.clientID,
		Logger:     m.config.Logger,
	}
	if store := m.stateStore(); store != nil {
		cfg.KnownAddresses = store.Addresses()
	}

	loc := m.locatorFactory()(m.dispatch, cfg)
	spas, err = loc.Discover(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.descriptors = spas
	m.mu.Unlock()
	return spas, nil
}

// ConnectToSpa connects to a previously discovered spa and, when the
// handshake succeeds, wraps the session in a facade. Calling it while a
// facade already exists is a programming error and panics; Reset first.
// EventConnectionFinished fires even when the attempt fails.
func (m *Manager) ConnectToSpa(ctx context.Context, desc *spa.Descriptor) (fac *facade.Facade, err error) {
	m.mu.Lock()
	if m.facade != nil {
		m.mu.Unlock()
		panic("spaman: ConnectToSpa called while a facade is active")
	}
	sup := m.tasks
	m.mu.Unlock()
	if sup == nil {
		return nil, ErrNotStarted
	}

	defer func() {
		m.mu.RLock()
		cur := m.facade
		m.mu.RUnlock()
		data := spa.Data{Descriptor: desc}
		if cur != nil {
			data.Facade = cur
		}
		emitErr := m.dispatch(ctx, spa.EventConnectionFinished, data)
		if emitErr != nil && err == nil {
			fac, err = nil, emitErr
		}
	}()

	if err = m.dispatch(ctx, spa.EventConnectionStarted, spa.Data{Descriptor: desc}); err != nil {
		return nil, err
	}

	scfg := m.config.Session
	if scfg.Logger == nil {
		scfg.Logger = m.config.Logger
	}
	sess := m.sessionFactory()(m.clientID, desc, m.dispatch, sup, scfg)
	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	if err = sess.Connect(ctx); err != nil {
		return nil, err
	}

	// The handshake events may have driven the state elsewhere (a
	// handler can veto, the spa can fault immediately). Only a session
	// that is still SPA_READY gets a facade.
	if m.State() != StateSpaReady {
		return nil, nil
	}

	fcfg := m.config.Facade
	if fcfg.Logger == nil {
		fcfg.Logger = m.config.Logger
	}
	newFac := m.facadeFactory()(sess, sup, fcfg)
	m.mu.Lock()
	m.facade = newFac
	m.mu.Unlock()

	m.rememberSpa(desc, sess)
	return newFac, nil
}

// Connect performs the full sequence for one spa: discover it by
// identifier, then connect to it. It returns (nil, nil) when the spa
// did not answer; EventSpaNotFound reports that outcome.
func (m *Manager) Connect(ctx context.Context, identifier, address string) (*facade.Facade, error) {
	spas, err := m.LocateSpas(ctx, address, identifier)
	if err != nil {
		return nil, err
	}
	for _, desc := range spas {
		if desc.Identifier == identifier {
			return m.ConnectToSpa(ctx, desc)
		}
	}
	if err := m.dispatch(ctx, spa.EventSpaNotFound, spa.Data{Identifier: identifier, Address: address}); err != nil {
		return nil, err
	}
	return nil, nil
}

// SetSpaInfo replaces the spa hints and resets the manager so the
// sequence pump can act on them. Empty strings clear a hint.
func (m *Manager) SetSpaInfo(ctx context.Context, address, identifier, name string) {
	m.mu.Lock()
	m.spaAddress = address
	m.spaIdentifier = identifier
	m.spaName = name
	m.mu.Unlock()
	m.Reset(ctx)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// StatusLine returns a one-line summary of the state and the last
// event, rebuilt on every dispatch.
func (m *Manager) StatusLine() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLine
}

// String implements fmt.Stringer.
func (m *Manager) String() string {
	return m.StatusLine()
}

// Descriptors returns the latest discovery results, or nil when no
// discovery has completed since the last reset.
func (m *Manager) Descriptors() []*spa.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.descriptors == nil {
		return nil
	}
	out := make([]*spa.Descriptor, len(m.descriptors))
	copy(out, m.descriptors)
	return out
}

// Facade returns the active facade, or nil before a connection is
// established.
func (m *Manager) Facade() *facade.Facade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.facade
}

// SpaAddress returns the configured address hint.
func (m *Manager) SpaAddress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spaAddress
}

// SpaIdentifier returns the configured identifier hint.
func (m *Manager) SpaIdentifier() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spaIdentifier
}

// SpaName returns the configured spa name.
func (m *Manager) SpaName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spaName
}

// SetStateStore attaches a persistent cache of known spas. Discovery
// probes cached addresses directly and every successful connection
// refreshes the cache.
func (m *Manager) SetStateStore(store *persistence.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

func (m *Manager) stateStore() *persistence.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

func (m *Manager) rememberSpa(desc *spa.Descriptor, sess SpaSession) {
	store := m.stateStore()
	if store == nil {
		return
	}
	name := sess.Name()
	if name == "" {
		name = desc.Name
	}
	err := store.Remember(persistence.KnownSpa{
		Identifier:    desc.Identifier,
		Name:          name,
		Address:       desc.Address,
		LastConnected: time.Now(),
	})
	if err != nil {
		m.logWarn("could not persist spa", "identifier", desc.Identifier, "error", err)
	}
}

// SetLocatorFactory replaces how discovery rounds are built (for testing).
func (m *Manager) SetLocatorFactory(f LocatorFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newLocator = f
}

// SetSessionFactory replaces how sessions are built (for testing).
func (m *Manager) SetSessionFactory(f SessionFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newSession = f
}

// SetFacadeFactory replaces how facades are built (for testing).
func (m *Manager) SetFacadeFactory(f FacadeFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newFacade = f
}

func (m *Manager) locatorFactory() LocatorFactory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newLocator
}

func (m *Manager) sessionFactory() SessionFactory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newSession
}

func (m *Manager) facadeFactory() FacadeFactory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newFacade
}

func (m *Manager) logDebug(msg string, args ...any) {
	if m.config.Logger != nil {
		m.config.Logger.Debug(msg, args...)
	}
}

func (m *Manager) logWarn(msg string, args ...any) {
	if m.config.Logger != nil {
		m.config.Logger.Warn(msg, args...)
	}
}
