package log

import (
	"time"

	"github.com/intouch-home/intouch-go/pkg/wire"
)

// Event is one captured traffic event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID uniquely identifies the session (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"4,keyasint"`

	// RemoteAddr is the spa address (IP:port).
	RemoteAddr string `cbor:"5,keyasint,omitempty"`

	// SpaID is the spa identifier.
	SpaID string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Datagram    *DatagramEvent    `cbor:"7,keyasint,omitempty"`  // Raw datagram
	Message     *MessageEvent     `cbor:"8,keyasint,omitempty"`  // Decoded message
	StateChange *StateChangeEvent `cbor:"9,keyasint,omitempty"`  // Session state
	Error       *ErrorEventData   `cbor:"10,keyasint,omitempty"` // Errors
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message (handshake, status,
	// command traffic).
	CategoryMessage Category = 0
	// CategoryControl indicates a control message (ping/pong/bye).
	CategoryControl Category = 1
	// CategoryState indicates a session state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CategoryFor classifies a wire message type.
func CategoryFor(t wire.MessageType) Category {
	switch t {
	case wire.TypePing, wire.TypePong, wire.TypeBye:
		return CategoryControl
	default:
		return CategoryMessage
	}
}

// DatagramEvent captures a raw datagram that could not be decoded.
type DatagramEvent struct {
	// Size is the datagram size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw datagram bytes (may be truncated for large
	// datagrams).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded protocol message.
type MessageEvent struct {
	// Type is the wire message type.
	Type wire.MessageType `cbor:"1,keyasint"`

	// Seq is the envelope sequence number (0 for unsequenced messages).
	Seq uint32 `cbor:"2,keyasint,omitempty"`

	// For commands and acknowledgements: the attribute and value.
	Attribute *uint16 `cbor:"3,keyasint,omitempty"`
	Value     *int32  `cbor:"4,keyasint,omitempty"`

	// For status updates and configuration blocks: the attribute set.
	Attributes map[uint16]int32 `cbor:"5,keyasint,omitempty"`

	// StatusText is the spa status text, when the message carries one.
	StatusText string `cbor:"6,keyasint,omitempty"`
}

// NewMessageEvent extracts the loggable fields of a wire message.
func NewMessageEvent(msg *wire.Message) *MessageEvent {
	ev := &MessageEvent{Type: msg.Type, Seq: msg.Seq}

	switch {
	case msg.Command != nil:
		attr, value := msg.Command.Attribute, msg.Command.Value
		ev.Attribute, ev.Value = &attr, &value
	case msg.CommandAck != nil:
		attr, value := msg.CommandAck.Attribute, msg.CommandAck.Value
		ev.Attribute, ev.Value = &attr, &value
	case msg.Status != nil:
		ev.Attributes = msg.Status.Attributes
		ev.StatusText = msg.Status.Text
	case msg.ConfigResponse != nil:
		ev.Attributes = msg.ConfigResponse.Attributes
		ev.StatusText = msg.ConfigResponse.Text
	}

	return ev
}

// StateChangeEvent captures a session lifecycle transition.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures session errors.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"2,keyasint,omitempty"`
}
