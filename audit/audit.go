// Package audit delivers committed stay.AuditEvents to the outside world.
// The durable record lives in the store's audit log; sinks here are the
// outward copies (structured log, message broker).
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warp/folio-engine/stay"
)

var (
	_ stay.AuditSink = (*LogSink)(nil)
	_ stay.AuditSink = Fanout(nil)
)

// LogSink writes each event as one structured log record.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "audit")}
}

func (s *LogSink) Publish(ctx context.Context, events []stay.AuditEvent) error {
	for _, e := range events {
		attrs := []slog.Attr{
			slog.String("event_id", e.ID),
			slog.String("tenant_id", e.TenantID),
			slog.String("actor", e.Actor),
			slog.String("resource_type", e.ResourceType),
			slog.String("resource_id", e.ResourceID),
			slog.Time("at", e.At),
		}
		if len(e.Metadata) > 0 {
			attrs = append(attrs, slog.Any("metadata", e.Metadata))
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, e.Action, attrs...)
	}
	return nil
}

// Fanout publishes to every sink. One sink failing does not stop the
// others; the joined error reports all failures.
type Fanout []stay.AuditSink

func (f Fanout) Publish(ctx context.Context, events []stay.AuditEvent) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
