package wire

import (
	"fmt"
)

// MessageType identifies the kind of protocol message.
type MessageType uint8

const (
	// TypeProbe - client broadcast searching for spas.
	TypeProbe MessageType = 1

	// TypeAnnounce - spa reply to a probe.
	TypeAnnounce MessageType = 2

	// TypeHello - client opens a session.
	TypeHello MessageType = 3

	// TypeWelcome - spa accepts a session.
	TypeWelcome MessageType = 4

	// TypeConfigRequest - client requests the spa configuration block.
	TypeConfigRequest MessageType = 5

	// TypeConfigResponse - spa configuration block and initial attributes.
	TypeConfigResponse MessageType = 6

	// TypePing - client keepalive.
	TypePing MessageType = 7

	// TypePong - spa keepalive reply.
	TypePong MessageType = 8

	// TypeStatus - spa attribute update (partial).
	TypeStatus MessageType = 9

	// TypeCommand - client writes an attribute.
	TypeCommand MessageType = 10

	// TypeCommandAck - spa acknowledges a command.
	TypeCommandAck MessageType = 11

	// TypeRFError - spa reports a radio fault between transceiver and pack.
	TypeRFError MessageType = 12

	// TypeBye - either side closes the session.
	TypeBye MessageType = 13
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeProbe:
		return "PROBE"
	case TypeAnnounce:
		return "ANNOUNCE"
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeConfigRequest:
		return "CONFIG_REQUEST"
	case TypeConfigResponse:
		return "CONFIG_RESPONSE"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeStatus:
		return "STATUS"
	case TypeCommand:
		return "COMMAND"
	case TypeCommandAck:
		return "COMMAND_ACK"
	case TypeRFError:
		return "RF_ERROR"
	case TypeBye:
		return "BYE"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	return t >= TypeProbe && t <= TypeBye
}

// Message is the envelope shared by all protocol messages.
// Exactly one payload field is set, matching Type; Ping, Pong,
// ConfigRequest and Bye carry no payload.
//
// CBOR encoding:
//
//	{
//	  1: type,      // uint8
//	  2: seq,       // uint32: correlates Command/CommandAck and Ping/Pong
//	  3..12: payload keyed by type
//	}
type Message struct {
	Type MessageType `cbor:"1,keyasint"`
	Seq  uint32      `cbor:"2,keyasint,omitempty"`

	Probe          *Probe          `cbor:"3,keyasint,omitempty"`
	Announce       *Announce       `cbor:"4,keyasint,omitempty"`
	Hello          *Hello          `cbor:"5,keyasint,omitempty"`
	Welcome        *Welcome        `cbor:"6,keyasint,omitempty"`
	ConfigResponse *ConfigResponse `cbor:"7,keyasint,omitempty"`
	Status         *Status         `cbor:"8,keyasint,omitempty"`
	Command        *Command        `cbor:"9,keyasint,omitempty"`
	CommandAck     *CommandAck     `cbor:"10,keyasint,omitempty"`
	RFError        *RFError        `cbor:"11,keyasint,omitempty"`
}

// Validate checks that the envelope carries exactly the payload its
// type requires.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid message type: %d", m.Type)
	}

	want := m.payloadFor(m.Type)
	for t := TypeProbe; t <= TypeBye; t++ {
		p := m.payloadFor(t)
		if p == nil {
			continue
		}
		if t == m.Type {
			continue
		}
		return fmt.Errorf("%s message carries %s payload", m.Type, t)
	}

	switch m.Type {
	case TypeProbe, TypeAnnounce, TypeHello, TypeWelcome,
		TypeConfigResponse, TypeStatus, TypeCommand, TypeCommandAck, TypeRFError:
		if want == nil {
			return fmt.Errorf("%s message missing payload", m.Type)
		}
	}
	return nil
}

// payloadFor returns the payload pointer slot for the given type,
// or nil when the slot is empty or the type is payloadless.
func (m *Message) payloadFor(t MessageType) any {
	switch t {
	case TypeProbe:
		if m.Probe != nil {
			return m.Probe
		}
	case TypeAnnounce:
		if m.Announce != nil {
			return m.Announce
		}
	case TypeHello:
		if m.Hello != nil {
			return m.Hello
		}
	case TypeWelcome:
		if m.Welcome != nil {
			return m.Welcome
		}
	case TypeConfigResponse:
		if m.ConfigResponse != nil {
			return m.ConfigResponse
		}
	case TypeStatus:
		if m.Status != nil {
			return m.Status
		}
	case TypeCommand:
		if m.Command != nil {
			return m.Command
		}
	case TypeCommandAck:
		if m.CommandAck != nil {
			return m.CommandAck
		}
	case TypeRFError:
		if m.RFError != nil {
			return m.RFError
		}
	}
	return nil
}

// Probe is broadcast by clients searching for spas.
//
// CBOR encoding:
//
//	{
//	  1: clientId,    // bytes
//	  2: identifier   // string: optional filter, spa replies only on match
//	}
type Probe struct {
	ClientID   []byte `cbor:"1,keyasint"`
	Identifier string `cbor:"2,keyasint,omitempty"`
}

// Announce is a spa's reply to a probe.
//
// CBOR encoding:
//
//	{
//	  1: identifier,  // string
//	  2: name,        // string
//	  3: port,        // uint16: session port on the announcing host
//	  4: version      // string: firmware version (optional)
//	}
type Announce struct {
	Identifier string `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	Port       uint16 `cbor:"3,keyasint"`
	Version    string `cbor:"4,keyasint,omitempty"`
}

// Hello opens a session.
type Hello struct {
	ClientID []byte `cbor:"1,keyasint"`
}

// Welcome accepts a session.
type Welcome struct {
	Identifier string `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	Version    string `cbor:"3,keyasint,omitempty"`
}

// ConfigResponse carries the spa configuration block: the full set of
// current attribute values plus the status text.
type ConfigResponse struct {
	Attributes map[uint16]int32 `cbor:"1,keyasint"`
	Text       string           `cbor:"2,keyasint,omitempty"`
}

// Status is a partial attribute update pushed by the spa.
type Status struct {
	Attributes map[uint16]int32 `cbor:"1,keyasint"`
	Text       string           `cbor:"2,keyasint,omitempty"`
}

// Command writes a single attribute. The envelope Seq correlates the
// matching CommandAck.
type Command struct {
	Attribute uint16 `cbor:"1,keyasint"`
	Value     int32  `cbor:"2,keyasint"`
}

// CommandAck acknowledges a command with the resulting value (which may
// differ from the requested one due to pack-side constraints).
type CommandAck struct {
	Attribute uint16 `cbor:"1,keyasint"`
	Value     int32  `cbor:"2,keyasint"`
}

// RFError reports a radio fault between the in.touch transceiver and
// the spa pack.
type RFError struct {
	Code uint8 `cbor:"1,keyasint,omitempty"`
}
