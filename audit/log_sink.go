package audit

import (
	"context"
	"log/slog"
	"time"
)

// LogSink writes records as structured slog entries.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a Sink logging to logger under component=audit.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	attrs := []slog.Attr{
		slog.String("event", string(rec.Action)),
		slog.String("status", string(rec.Status)),
		slog.String("actor", rec.Actor),
		slog.String("remote_addr", rec.SourceAddress),
		slog.String("timestamp", rec.Timestamp.UTC().Format(time.RFC3339)),
	}
	for k, v := range rec.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
