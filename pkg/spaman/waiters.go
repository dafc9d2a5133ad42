package spaman

import (
	"context"
	"time"

	"github.com/intouch-home/intouch-go/pkg/facade"
	"github.com/intouch-home/intouch-go/pkg/spa"
)

// WaitForDescriptors blocks until a discovery round has produced a
// descriptor list (possibly empty) or ctx is cancelled.
func (m *Manager) WaitForDescriptors(ctx context.Context) ([]*spa.Descriptor, error) {
	ticker := time.NewTicker(m.config.WaitPollInterval)
	defer ticker.Stop()

	for {
		if spas := m.Descriptors(); spas != nil {
			return spas, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForFacade blocks until the manager holds a ready facade or ctx is
// cancelled. With an identifier hint configured, the sequence pump gets
// there on its own.
func (m *Manager) WaitForFacade(ctx context.Context) (*facade.Facade, error) {
	ticker := time.NewTicker(m.config.WaitPollInterval)
	defer ticker.Stop()

	for {
		if fac := m.Facade(); fac != nil {
			return fac, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
