// Package tasks supervises named groups of background goroutines.
//
// Each group is an independent stopper scope: stopping a group signals
// every task in it and lets a fresh group reuse the name. Components that
// share a Tasks value (session loops, facade refresh, the manager's
// sequence pump) can be torn down selectively or all at once.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// stopGrace is how long stopped tasks get before their contexts are
// cancelled hard.
const stopGrace = time.Second

// Tasks runs background functions in named groups.
type Tasks struct {
	mu       sync.Mutex
	base     context.Context
	groups   map[string]*stopper.Context
	draining []*stopper.Context
	closed   bool
	logger   *slog.Logger
}

// New creates a supervisor. Task contexts descend from ctx; logger may be
// nil to disable logging.
func New(ctx context.Context, logger *slog.Logger) *Tasks {
	return &Tasks{
		base:   ctx,
		groups: make(map[string]*stopper.Context),
		logger: logger,
	}
}

// Add starts fn in the named group. The context passed to fn is cancelled
// when the group is stopped, when the supervisor closes, or when the base
// context ends. fn's error is kept by the group and surfaced from
// StopGroupWait/Close; a context cancellation error counts as a clean
// exit.
func (t *Tasks) Add(group, name string, fn func(ctx context.Context) error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	g, ok := t.groups[group]
	if !ok {
		g = stopper.WithContext(t.base)
		t.groups[group] = g
	}
	t.mu.Unlock()

	g.Go(func(sctx *stopper.Context) error {
		if t.logger != nil {
			t.logger.Debug("task started", "group", group, "name", name)
		}

		ctx, cancel := context.WithCancel(t.base)
		defer cancel()

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-sctx.Stopping():
				cancel()
			case <-done:
			}
		}()

		err := fn(ctx)
		if t.logger != nil {
			t.logger.Debug("task finished", "group", group, "name", name, "error", err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
}

// take removes and returns the named group, or nil.
func (t *Tasks) take(group string) *stopper.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[group]
	if !ok {
		return nil
	}
	delete(t.groups, group)
	return g
}

// StopGroup signals every task in the group to stop and returns without
// waiting. The group name is immediately free for reuse; Close still
// waits for the signalled tasks to drain. Safe to call from inside a
// task of the same group.
func (t *Tasks) StopGroup(group string) {
	g := t.take(group)
	if g == nil {
		return
	}
	g.Stop(stopGrace)

	t.mu.Lock()
	t.draining = append(t.draining, g)
	t.mu.Unlock()
}

// StopGroupWait signals the group and blocks until its tasks have
// finished, returning the first task error.
func (t *Tasks) StopGroupWait(group string) error {
	g := t.take(group)
	if g == nil {
		return nil
	}
	g.Stop(stopGrace)
	return g.Wait()
}

// Close stops all groups, waits for every task (including ones already
// draining from StopGroup) and returns the first task error. The
// supervisor accepts no new tasks afterwards.
func (t *Tasks) Close() error {
	t.mu.Lock()
	t.closed = true
	all := make([]*stopper.Context, 0, len(t.groups)+len(t.draining))
	for name, g := range t.groups {
		delete(t.groups, name)
		all = append(all, g)
	}
	all = append(all, t.draining...)
	t.draining = nil
	t.mu.Unlock()

	for _, g := range all {
		g.Stop(stopGrace)
	}

	var firstErr error
	for _, g := range all {
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
