package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
)

// RecordAuditEvent appends a batch lifecycle event to the audit log.
func (s *SQLiteStorage) RecordAuditEvent(ctx context.Context, event model.AuditEvent) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(event.BatchID, "batchID"); err != nil {
		return err
	}
	if err := validateString(string(event.Type), "event type"); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (batch_id, event_type, message, occurred_at)
		VALUES (?, ?, ?, ?)
	`, event.BatchID, string(event.Type), event.Message, event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// GetAuditEvents returns a batch's audit trail in the order it was written.
func (s *SQLiteStorage) GetAuditEvents(ctx context.Context, batchID string) ([]model.AuditEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, event_type, message, occurred_at
		FROM audit_log
		WHERE batch_id = ?
		ORDER BY id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.AuditEvent
	for rows.Next() {
		var event model.AuditEvent
		var eventType string
		if err := rows.Scan(&event.ID, &event.BatchID, &eventType, &event.Message, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Type = model.AuditEventType(eventType)
		events = append(events, event)
	}
	return events, rows.Err()
}
