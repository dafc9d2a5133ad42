package spaman

import (
	"context"
	"fmt"

	"github.com/intouch-home/intouch-go/pkg/facade"
	"github.com/intouch-home/intouch-go/pkg/spa"
)

// dispatch is the event funnel. Every lifecycle event, whether raised
// by the locator, the session or the manager itself, passes through
// here: the state transition happens first, then the status line is
// rebuilt and the event is forwarded to the host's handler. A handler
// error propagates back to whichever operation emitted the event.
func (m *Manager) dispatch(ctx context.Context, event spa.Event, data spa.Data) error {
	var (
		reset       bool
		dropFacade  *facade.Facade
		dropSession SpaSession
	)

	m.mu.Lock()
	switch event {
	case spa.EventLocatingStarted:
		m.state = StateLocatingSpas

	case spa.EventLocatingFinished:
		m.state = StateIdle

	case spa.EventSpaNotFound:
		m.state = StateErrorSpaNotFound

	case spa.EventConnectionStarted:
		m.state = StateConnecting

	case spa.EventHandshakeComplete:
		m.state = StateSpaReady

	case spa.EventConnectionFinished:
		if m.facade != nil {
			m.state = StateConnected
		}

	case spa.EventPingReceived:
		// A ping answered while in a session fault state means the spa
		// came back; start over from a clean slate.
		switch m.state {
		case StateErrorPingMissed, StateErrorRFFault, StateErrorNeedsAttention:
			reset = true
		}

	case spa.EventPingMissed:
		m.state = StateErrorPingMissed

	case spa.EventRFError:
		m.state = StateErrorRFFault

	case spa.EventConnectRetryExceeded, spa.EventProtocolRetryExceeded, spa.EventTooManyRFErrors:
		m.state = StateErrorNeedsAttention

	case spa.EventSpaDisconnected:
		// The spa ended the session. Drop the dead session and facade
		// but keep the discovery results; the host decides what next.
		dropFacade = m.facade
		dropSession = m.session
		m.facade = nil
		m.session = nil
		m.state = StateErrorNeedsAttention
	}
	m.mu.Unlock()

	if reset {
		m.Reset(ctx)
	}
	if dropFacade != nil {
		dropFacade.Close()
	}
	if dropSession != nil {
		dropSession.Disconnect(ctx)
	}

	m.mu.Lock()
	m.statusLine = fmt.Sprintf("State: %s, last event %s", m.state, event)
	m.mu.Unlock()

	m.logDebug("event dispatched", "event", event, "state", m.State())
	return m.handler.HandleEvent(ctx, event, data)
}
