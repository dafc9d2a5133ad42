package facade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/intouch-home/intouch-go/pkg/spa"
	"github.com/intouch-home/intouch-go/pkg/tasks"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// DefaultRefreshInterval is the interval between full configuration
// refreshes.
const DefaultRefreshInterval = 30 * time.Second

// PumpCount is the number of pumps addressable on a pack.
const PumpCount = 3

// facadeGroup is the supervisor group holding the refresh loop.
const facadeGroup = "facade"

// Controller is the session surface the facade drives. *spa.Session
// implements it.
type Controller interface {
	Descriptor() *spa.Descriptor
	Name() string
	Version() string
	Attributes() map[uint16]int32
	Attribute(id uint16) (int32, bool)
	StatusText() string
	OnStatus(func())
	SendCommand(ctx context.Context, attr uint16, value int32) (int32, error)
	Refresh(ctx context.Context) error
	Connected() bool
}

var _ Controller = (*spa.Session)(nil)

// Config configures a Facade.
type Config struct {
	// RefreshInterval is the interval between full configuration
	// refreshes.
	RefreshInterval time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Facade exposes one spa as named controls. It subscribes to the
// session's status stream, refreshes the configuration periodically and
// notifies subscribers on every change.
type Facade struct {
	mu     sync.Mutex
	ctrl   Controller
	config Config
	sup    *tasks.Tasks

	onUpdate  []func()
	ready     chan struct{}
	readyOnce sync.Once
}

// New wraps ctrl and starts the refresh loop under sup. The facade is
// ready as soon as the spa's attribute snapshot is populated, which a
// completed handshake guarantees.
func New(ctrl Controller, sup *tasks.Tasks, config Config) *Facade {
	if config.RefreshInterval == 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}

	f := &Facade{
		ctrl:   ctrl,
		config: config,
		sup:    sup,
		ready:  make(chan struct{}),
	}

	ctrl.OnStatus(f.statusChanged)
	if len(ctrl.Attributes()) > 0 {
		f.readyOnce.Do(func() { close(f.ready) })
	}

	sup.Add(facadeGroup, "facade-refresh", f.refreshLoop)
	return f
}

// Close stops the refresh loop. The underlying session is not touched;
// its owner disconnects it.
func (f *Facade) Close() {
	f.sup.StopGroup(facadeGroup)
}

// Ready returns a channel closed once the spa's state is known.
func (f *Facade) Ready() <-chan struct{} {
	return f.ready
}

// OnUpdate registers a callback invoked after every state change.
// Callbacks run on the session's receive loop; keep them short.
func (f *Facade) OnUpdate(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onUpdate = append(f.onUpdate, cb)
}

// Identifier returns the spa identifier.
func (f *Facade) Identifier() string {
	return f.ctrl.Descriptor().Identifier
}

// Name returns the spa name.
func (f *Facade) Name() string {
	return f.ctrl.Name()
}

// Version returns the spa firmware version.
func (f *Facade) Version() string {
	return f.ctrl.Version()
}

// Connected reports whether the underlying session is live.
func (f *Facade) Connected() bool {
	return f.ctrl.Connected()
}

// StatusText returns the spa's current status line.
func (f *Facade) StatusText() string {
	return f.ctrl.StatusText()
}

// WaterTemp returns the water temperature in degrees Celsius.
func (f *Facade) WaterTemp() float64 {
	v, _ := f.ctrl.Attribute(wire.AttrWaterTemp)
	return wire.TempFromTenths(v)
}

// TargetTemp returns the setpoint in degrees Celsius.
func (f *Facade) TargetTemp() float64 {
	v, _ := f.ctrl.Attribute(wire.AttrTargetTemp)
	return wire.TempFromTenths(v)
}

// SetTargetTemp changes the setpoint. The returned value is the setpoint
// the pack actually applied, which may be clamped.
func (f *Facade) SetTargetTemp(ctx context.Context, deg float64) (float64, error) {
	v, err := f.ctrl.SendCommand(ctx, wire.AttrTargetTemp, wire.TempToTenths(deg))
	if err != nil {
		return 0, err
	}
	return wire.TempFromTenths(v), nil
}

// IsHeating reports whether the heater is running.
func (f *Facade) IsHeating() bool {
	v, _ := f.ctrl.Attribute(wire.AttrHeating)
	return v != 0
}

// Pump returns the speed of pump n (1-based).
func (f *Facade) Pump(n int) (int32, error) {
	attr, err := pumpAttr(n)
	if err != nil {
		return 0, err
	}
	v, _ := f.ctrl.Attribute(attr)
	return v, nil
}

// SetPump changes the speed of pump n (1-based).
func (f *Facade) SetPump(ctx context.Context, n int, speed int32) error {
	attr, err := pumpAttr(n)
	if err != nil {
		return err
	}
	_, err = f.ctrl.SendCommand(ctx, attr, speed)
	return err
}

// Light reports whether the light is on.
func (f *Facade) Light() bool {
	v, _ := f.ctrl.Attribute(wire.AttrLight)
	return v != 0
}

// SetLight switches the light.
func (f *Facade) SetLight(ctx context.Context, on bool) error {
	var v int32
	if on {
		v = 1
	}
	_, err := f.ctrl.SendCommand(ctx, wire.AttrLight, v)
	return err
}

// Watercare returns the active watercare mode.
func (f *Facade) Watercare() wire.WatercareMode {
	v, _ := f.ctrl.Attribute(wire.AttrWatercare)
	return wire.WatercareMode(v)
}

// SetWatercare changes the watercare mode.
func (f *Facade) SetWatercare(ctx context.Context, mode wire.WatercareMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("unknown watercare mode %d", mode)
	}
	_, err := f.ctrl.SendCommand(ctx, wire.AttrWatercare, int32(mode))
	return err
}

// Refresh asks the spa to resend its full configuration now.
func (f *Facade) Refresh(ctx context.Context) error {
	return f.ctrl.Refresh(ctx)
}

// statusChanged fans a session status update out to subscribers.
func (f *Facade) statusChanged() {
	f.readyOnce.Do(func() { close(f.ready) })

	f.mu.Lock()
	callbacks := make([]func(), len(f.onUpdate))
	copy(callbacks, f.onUpdate)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// refreshLoop re-requests the configuration on every tick while the
// session is live.
func (f *Facade) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(f.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !f.ctrl.Connected() {
			continue
		}
		if err := f.ctrl.Refresh(ctx); err != nil {
			f.logDebug("refresh failed", "error", err)
		}
	}
}

// pumpAttr maps a 1-based pump number to its attribute.
func pumpAttr(n int) (uint16, error) {
	if n < 1 || n > PumpCount {
		return 0, fmt.Errorf("unknown pump %d", n)
	}
	return wire.AttrPump1 + uint16(n-1), nil
}

func (f *Facade) logDebug(msg string, args ...any) {
	if f.config.Logger != nil {
		f.config.Logger.Debug(msg, args...)
	}
}
