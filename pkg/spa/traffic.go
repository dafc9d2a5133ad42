package spa

import (
	"time"

	"github.com/intouch-home/intouch-go/pkg/log"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// maxCapturedDatagram bounds the raw bytes stored for an undecodable
// datagram.
const maxCapturedDatagram = 256

// traffic records one capture event, filling in the session identity.
// Callers must have checked that a TrafficLogger is configured.
func (s *Session) traffic(event log.Event) {
	event.Timestamp = time.Now()
	event.SessionID = s.id
	event.RemoteAddr = s.desc.Address
	event.SpaID = s.desc.Identifier
	s.config.TrafficLogger.Log(event)
}

// trafficMessage records one decoded message.
func (s *Session) trafficMessage(dir log.Direction, msg *wire.Message) {
	if s.config.TrafficLogger == nil {
		return
	}
	s.traffic(log.Event{
		Direction: dir,
		Category:  log.CategoryFor(msg.Type),
		Message:   log.NewMessageEvent(msg),
	})
}

// trafficDatagram records a raw datagram that could not be decoded.
func (s *Session) trafficDatagram(dir log.Direction, data []byte) {
	if s.config.TrafficLogger == nil {
		return
	}

	size := len(data)
	truncated := size > maxCapturedDatagram
	if truncated {
		data = data[:maxCapturedDatagram]
	}
	// The receive buffer is reused; keep our own copy.
	raw := make([]byte, len(data))
	copy(raw, data)

	s.traffic(log.Event{
		Direction: dir,
		Category:  log.CategoryError,
		Datagram:  &log.DatagramEvent{Size: size, Data: raw, Truncated: truncated},
	})
}

// trafficState records a session lifecycle transition.
func (s *Session) trafficState(oldState, newState, reason string) {
	if s.config.TrafficLogger == nil {
		return
	}
	s.traffic(log.Event{
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{OldState: oldState, NewState: newState, Reason: reason},
	})
}

// trafficError records a session error.
func (s *Session) trafficError(message, context string) {
	if s.config.TrafficLogger == nil {
		return
	}
	s.traffic(log.Event{
		Category: log.CategoryError,
		Error:    &log.ErrorEventData{Message: message, Context: context},
	})
}
