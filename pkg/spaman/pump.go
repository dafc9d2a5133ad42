package spaman

import (
	"context"
	"time"
)

// pump is the sequence pump: a fast tick that nudges the manager toward
// its configured spa whenever it sits idle. With an identifier hint it
// runs the full connect sequence; with no hint it keeps a discovery
// result available. Errors from the operations it triggers surface as
// events and never stop the pump; only ctx cancellation does.
func (m *Manager) pump(ctx context.Context) error {
	ticker := time.NewTicker(m.config.PumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if m.State() != StateIdle {
			continue
		}

		if identifier := m.SpaIdentifier(); identifier != "" {
			if m.Facade() != nil {
				continue
			}
			if _, err := m.Connect(ctx, identifier, m.SpaAddress()); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logWarn("autonomous connect failed", "identifier", identifier, "error", err)
			}
			continue
		}

		if m.Descriptors() == nil {
			if _, err := m.LocateSpas(ctx, m.SpaAddress(), ""); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logWarn("autonomous discovery failed", "error", err)
			}
		}
	}
}
