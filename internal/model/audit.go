package model

import "time"

// AuditEventType names a batch lifecycle event.
type AuditEventType string

// Audit event constants.
const (
	AuditBatchCreated   AuditEventType = "created"
	AuditBatchStarted   AuditEventType = "started"
	AuditBatchPaused    AuditEventType = "paused"
	AuditBatchResumed   AuditEventType = "resumed"
	AuditBatchCompleted AuditEventType = "completed"
	AuditBatchFailed    AuditEventType = "failed"
	AuditBatchCancelled AuditEventType = "cancelled"
)

// AuditEvent is an append-only record of a batch lifecycle change.
type AuditEvent struct {
	OccurredAt time.Time
	BatchID    string
	Type       AuditEventType
	Message    string
	ID         int64
}

// AuditEventFor maps a batch status to the event emitted when entering it.
func AuditEventFor(status BatchStatus) AuditEventType {
	switch status {
	case BatchPending:
		return AuditBatchCreated
	case BatchProcessing:
		return AuditBatchStarted
	case BatchPaused:
		return AuditBatchPaused
	case BatchCompleted:
		return AuditBatchCompleted
	case BatchFailed:
		return AuditBatchFailed
	case BatchCancelled:
		return AuditBatchCancelled
	default:
		return AuditEventType(status)
	}
}
