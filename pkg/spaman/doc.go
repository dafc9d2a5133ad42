// Package spaman manages the connection lifecycle of a spa: discovery,
// session establishment, facade construction and fault recovery. A
// Manager drives the whole sequence autonomously once it knows which
// spa to reach, reports every step through the host's EventHandler and
// exposes the resulting facade for control. Hosts that want manual
// control call LocateSpas and ConnectToSpa themselves; the sequence
// pump only acts while the manager sits idle.
package spaman
