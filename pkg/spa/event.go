package spa

import "context"

// Event identifies a step in the connection lifecycle.
type Event uint8

const (
	// EventManagerEnter - the manager has started.
	EventManagerEnter Event = iota

	// EventManagerExit - the manager is shutting down.
	EventManagerExit

	// EventLocatingStarted - discovery has begun.
	EventLocatingStarted

	// EventSpaDiscovered - discovery found a spa (one event per spa).
	EventSpaDiscovered

	// EventLocatingFinished - discovery is complete (fires even on failure).
	EventLocatingFinished

	// EventSpaNotFound - a search for a specific spa matched nothing.
	EventSpaNotFound

	// EventConnectionStarted - a connection attempt has begun.
	EventConnectionStarted

	// EventHandshakeComplete - the session handshake finished.
	EventHandshakeComplete

	// EventConnectionFinished - the connection attempt is over, successful
	// or not (fires even on failure).
	EventConnectionFinished

	// EventPingReceived - the spa answered a keepalive ping.
	EventPingReceived

	// EventPingMissed - the spa failed to answer a keepalive ping.
	EventPingMissed

	// EventSpaDisconnected - the session ended without a client request.
	EventSpaDisconnected

	// EventRFError - the spa reported a radio fault between its
	// transceiver and the pack.
	EventRFError

	// EventConnectRetryExceeded - a handshake step exhausted its retries.
	EventConnectRetryExceeded

	// EventProtocolRetryExceeded - a running protocol exchange exhausted
	// its retries.
	EventProtocolRetryExceeded

	// EventTooManyRFErrors - consecutive radio faults passed the limit.
	EventTooManyRFErrors
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventManagerEnter:
		return "MANAGER_ENTER"
	case EventManagerExit:
		return "MANAGER_EXIT"
	case EventLocatingStarted:
		return "LOCATING_STARTED"
	case EventSpaDiscovered:
		return "SPA_DISCOVERED"
	case EventLocatingFinished:
		return "LOCATING_FINISHED"
	case EventSpaNotFound:
		return "SPA_NOT_FOUND"
	case EventConnectionStarted:
		return "CONNECTION_STARTED"
	case EventHandshakeComplete:
		return "HANDSHAKE_COMPLETE"
	case EventConnectionFinished:
		return "CONNECTION_FINISHED"
	case EventPingReceived:
		return "PING_RECEIVED"
	case EventPingMissed:
		return "PING_MISSED"
	case EventSpaDisconnected:
		return "SPA_DISCONNECTED"
	case EventRFError:
		return "RF_ERROR"
	case EventConnectRetryExceeded:
		return "CONNECT_RETRY_EXCEEDED"
	case EventProtocolRetryExceeded:
		return "PROTOCOL_RETRY_EXCEEDED"
	case EventTooManyRFErrors:
		return "TOO_MANY_RF_ERRORS"
	default:
		return "UNKNOWN"
	}
}

// Data carries the payload of an event. Fields are set according to the
// event; unset fields are zero.
type Data struct {
	// Descriptor is the spa a discovery or connection event refers to.
	Descriptor *Descriptor

	// Descriptors is the discovery result (EventLocatingFinished).
	Descriptors []*Descriptor

	// Facade is the ready control surface, or nil
	// (EventConnectionFinished). Typed any to keep this package free of
	// higher-layer imports; hosts assert to *facade.Facade.
	Facade any

	// Identifier and Address are the search hints in play
	// (EventSpaNotFound).
	Identifier string
	Address    string

	// Error is the shutdown cause (EventManagerExit) or the fault behind
	// a retry-exceeded event.
	Error error
}

// EventFunc receives lifecycle events from collaborators. Implementations
// may return an error to abort the operation that produced the event.
type EventFunc func(ctx context.Context, event Event, data Data) error
