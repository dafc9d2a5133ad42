// Package locator finds in.touch spas on the local network.
//
// Discovery runs two mechanisms in parallel: Probe datagrams broadcast
// (or unicast to known addresses) on the in.touch UDP port, answered by
// Announce replies, and an mDNS browse for the "_intouch._udp" service.
// Results from both paths are de-duplicated by spa identifier and
// reported through the event callback as they arrive.
package locator
