// Package facade provides a typed control surface over a live spa
// session: named accessors for temperature, pumps, light and watercare
// instead of raw attribute IDs, plus change notification and periodic
// refresh.
package facade
