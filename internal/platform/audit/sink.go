package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGSink writes events to the security_event table.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Write(ctx context.Context, e Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("security event: marshal detail: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO security_event (id, type, severity, user_id, tenant_id, source_ip, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Type, string(e.Severity), e.UserID, e.TenantID, e.SourceIP, detail, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("security event: insert: %w", err)
	}
	return nil
}

// LogSink emits every event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, e Event) error {
	evt := s.logger.Info()
	switch e.Severity {
	case SeverityHigh, SeverityCritical:
		evt = s.logger.Warn()
	}
	evt.
		Str("type", "security_event").
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("severity", string(e.Severity)).
		Str("user_id", e.UserID).
		Str("tenant_id", e.TenantID).
		Str("source_ip", e.SourceIP).
		Fields(map[string]interface{}{"detail": e.Detail}).
		Time("occurred_at", e.OccurredAt).
		Msg("security_event")
	return nil
}
