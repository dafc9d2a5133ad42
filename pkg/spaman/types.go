package spaman

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/intouch-home/intouch-go/pkg/facade"
	"github.com/intouch-home/intouch-go/pkg/locator"
	"github.com/intouch-home/intouch-go/pkg/spa"
	"github.com/intouch-home/intouch-go/pkg/tasks"
)

// Manager errors.
var (
	ErrNotStarted     = errors.New("manager not started")
	ErrAlreadyStarted = errors.New("manager already started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// State represents the manager's lifecycle state.
type State uint8

const (
	// StateIdle - nothing in progress; the sequence pump may act.
	StateIdle State = iota

	// StateLocatingSpas - discovery is running.
	StateLocatingSpas

	// StateConnecting - a session handshake is running.
	StateConnecting

	// StateSpaReady - the handshake completed; transient, internal.
	StateSpaReady

	// StateConnected - a facade exists and is ready to use.
	StateConnected

	// StateErrorSpaNotFound - discovery for a specific spa found nothing.
	StateErrorSpaNotFound

	// StateErrorPingMissed - the spa stopped answering pings.
	StateErrorPingMissed

	// StateErrorRFFault - the spa reported a radio fault.
	StateErrorRFFault

	// StateErrorNeedsAttention - retries exhausted; host intervention
	// required.
	StateErrorNeedsAttention
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLocatingSpas:
		return "LOCATING_SPAS"
	case StateConnecting:
		return "CONNECTING"
	case StateSpaReady:
		return "SPA_READY"
	case StateConnected:
		return "CONNECTED"
	case StateErrorSpaNotFound:
		return "ERROR_SPA_NOT_FOUND"
	case StateErrorPingMissed:
		return "ERROR_PING_MISSED"
	case StateErrorRFFault:
		return "ERROR_RF_FAULT"
	case StateErrorNeedsAttention:
		return "ERROR_NEEDS_ATTENTION"
	default:
		return "UNKNOWN"
	}
}

// IsError reports whether s is one of the recoverable error states.
func (s State) IsError() bool {
	switch s {
	case StateErrorSpaNotFound, StateErrorPingMissed, StateErrorRFFault, StateErrorNeedsAttention:
		return true
	default:
		return false
	}
}

// EventHandler receives every dispatched event, after the manager has
// updated its state. This is the host application's sole extension
// point: reconnect policy, UI updates and logging all hang off it. An
// error returned here propagates to the operation that emitted the
// event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event spa.Event, data spa.Data) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, event spa.Event, data spa.Data) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event spa.Event, data spa.Data) error {
	return f(ctx, event, data)
}

// Manager defaults.
const (
	// DefaultPumpInterval is the sequence pump tick interval.
	DefaultPumpInterval = 50 * time.Millisecond

	// DefaultWaitPollInterval is the polling interval of the waiters.
	DefaultWaitPollInterval = 20 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	// ClientUUID identifies this client to spas. Required; must be a
	// valid UUID string.
	ClientUUID string

	// SpaAddress optionally targets one spa directly ("ip" or
	// "ip:port").
	SpaAddress string

	// SpaIdentifier optionally names the spa to connect to. When set,
	// the sequence pump connects autonomously.
	SpaIdentifier string

	// SpaName is an optional display name for the spa.
	SpaName string

	// PumpInterval is the sequence pump tick interval.
	PumpInterval time.Duration

	// WaitPollInterval is the polling interval of WaitForDescriptors
	// and WaitForFacade.
	WaitPollInterval time.Duration

	// DiscoveryTimeout bounds one discovery round.
	DiscoveryTimeout time.Duration

	// MDNS enables mDNS browsing during discovery.
	MDNS bool

	// Interface optionally restricts mDNS browsing to one network
	// interface.
	Interface string

	// Session configures the sessions the manager creates.
	Session spa.SessionConfig

	// Facade configures the facades the manager creates.
	Facade facade.Config

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults. ClientUUID
// must still be supplied.
func DefaultConfig() Config {
	return Config{
		PumpInterval:     DefaultPumpInterval,
		WaitPollInterval: DefaultWaitPollInterval,
		DiscoveryTimeout: locator.DefaultTimeout,
		MDNS:             true,
		Session:          spa.DefaultSessionConfig(),
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.ClientUUID == "" {
		return ErrInvalidConfig
	}
	if _, err := uuid.Parse(c.ClientUUID); err != nil {
		return ErrInvalidConfig
	}
	return nil
}

// SpaLocator finds spas on the network. *locator.Locator implements it.
type SpaLocator interface {
	Discover(ctx context.Context) ([]*spa.Descriptor, error)
}

var _ SpaLocator = (*locator.Locator)(nil)

// SpaSession drives the wire protocol for one spa. *spa.Session
// implements it.
type SpaSession interface {
	facade.Controller
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
}

var _ SpaSession = (*spa.Session)(nil)

// Factory functions let tests substitute the manager's collaborators.
type (
	// LocatorFactory builds the locator for one discovery round.
	LocatorFactory func(emit spa.EventFunc, config locator.Config) SpaLocator

	// SessionFactory builds the session for one connection attempt.
	SessionFactory func(clientID []byte, desc *spa.Descriptor, emit spa.EventFunc, sup *tasks.Tasks, config spa.SessionConfig) SpaSession

	// FacadeFactory builds the facade over a ready session.
	FacadeFactory func(sess SpaSession, sup *tasks.Tasks, config facade.Config) *facade.Facade
)
