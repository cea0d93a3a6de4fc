package events

import (
	"context"
	"fmt"
	"log/slog"
)

// Appender persists audit events.
type Appender interface {
	AppendAudit(ctx context.Context, event Event) error
}

// AuditSink writes every event it receives to the audit log.
type AuditSink struct {
	store  Appender
	logger *slog.Logger
}

// NewAuditSink creates a sink over store.
func NewAuditSink(store Appender, logger *slog.Logger) *AuditSink {
	return &AuditSink{store: store, logger: logger.With(slog.String("component", "audit"))}
}

// Handle implements Handler.
func (s *AuditSink) Handle(ctx context.Context, event Event) error {
	s.logger.Info("audit",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.Uint64("actor_id", event.ActorID),
		slog.Uint64("subject_id", event.SubjectID),
	)
	if err := s.store.AppendAudit(ctx, event); err != nil {
		return fmt.Errorf("append audit %s: %w", event.ID, err)
	}
	return nil
}
