// Package persistence provides the known-spa cache.
//
// The cache is a JSON file remembering which spas were connected before
// and at what address, so the next discovery round can probe them
// directly instead of relying on broadcast alone. Writes are atomic.
package persistence
