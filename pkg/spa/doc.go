// Package spa defines the protocol vocabulary shared across the module
// (lifecycle events, spa descriptors) and implements Session, a live
// connection to one spa.
//
// # Events
//
// Every observable step of the connection lifecycle is an Event. Components
// report events through an EventFunc supplied at construction; the
// connection manager preprocesses each event into a state transition and
// then forwards it unchanged to the host application.
//
// # Session
//
// Session speaks the in.touch LAN protocol over a single UDP socket:
// a Hello/Welcome and ConfigRequest/ConfigResponse handshake followed by a
// running phase with keepalive pings, pushed status updates, attribute
// commands and radio-fault reports.
package spa
