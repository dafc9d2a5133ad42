// Package wire defines the CBOR wire format types for the in.touch LAN protocol.
//
// The protocol uses CBOR (RFC 8949) with integer keys for efficient encoding.
// Each message is a single UDP datagram.
//
// # Message Types
//
// Messages fall into three phases:
//   - Discovery: Probe (client broadcast) and Announce (spa reply)
//   - Handshake: Hello/Welcome followed by ConfigRequest/ConfigResponse
//   - Running: Ping/Pong keepalive, Status updates, Command/CommandAck,
//     RFError faults and Bye for graceful disconnect
//
// # CBOR Integer Keys
//
// All maps use integer keys for compactness. Every message shares one
// envelope (Message) whose payload keys are populated according to Type.
//
// # Attributes
//
// Spa state is exposed as integer-keyed attributes (water temperature,
// pumps, light, watercare mode). Attribute IDs and value conventions are
// defined as constants in this package.
package wire
