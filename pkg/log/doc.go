// Package log provides structured traffic capture for in.touch sessions.
//
// This package defines the Logger interface and Event types for recording
// the datagram traffic a session exchanges with a spa. It is separate from
// operational logging (slog) - traffic capture provides a complete
// machine-readable event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure capture by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.TrafficLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.TrafficLogger, _ = log.NewFileLogger("/var/log/intouch/spa.itlog")
//
//	// Both: use MultiLogger
//	cfg.TrafficLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    log.NewFileLogger("/var/log/intouch/spa.itlog"),
//	)
//
// # Event Types
//
// Sessions record decoded messages (MessageEvent), undecodable datagrams
// (DatagramEvent), lifecycle transitions (StateChangeEvent) and errors
// (ErrorEventData). Keepalive traffic is categorized as CONTROL so it can
// be filtered out when viewing.
//
// # File Format
//
// Capture files use CBOR encoding with .itlog extension. The intouch-log
// CLI tool provides viewing, filtering, and export capabilities.
package log
