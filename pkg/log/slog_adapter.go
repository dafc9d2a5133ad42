package log

import (
	"context"
	"log/slog"

	"github.com/intouch-home/intouch-go/pkg/wire"
)

// SlogAdapter writes traffic events to an slog.Logger.
// Useful for development when you want to see spa traffic in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session_id", event.SessionID),
		slog.String("direction", event.Direction.String()),
		slog.String("category", event.Category.String()),
	}

	if event.SpaID != "" {
		attrs = append(attrs, slog.String("spa_id", event.SpaID))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}

	// Add type-specific attributes
	switch {
	case event.Datagram != nil:
		attrs = append(attrs,
			slog.Int("datagram_size", event.Datagram.Size),
			slog.Bool("truncated", event.Datagram.Truncated),
		)
	case event.Message != nil:
		attrs = append(attrs,
			slog.String("msg_type", event.Message.Type.String()),
			slog.Uint64("seq", uint64(event.Message.Seq)),
		)
		if event.Message.Attribute != nil {
			attrs = append(attrs, slog.String("attribute", wire.AttributeName(*event.Message.Attribute)))
		}
		if event.Message.Value != nil {
			attrs = append(attrs, slog.Int64("value", int64(*event.Message.Value)))
		}
		if len(event.Message.Attributes) > 0 {
			attrs = append(attrs, slog.Int("attributes", len(event.Message.Attributes)))
		}
		if event.Message.StatusText != "" {
			attrs = append(attrs, slog.String("status_text", event.Message.StatusText))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs, slog.String("error_msg", event.Error.Message))
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "traffic", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
