// Package audit emits the engine's audit trail. Every job mutation and every
// execution lifecycle transition produces one event; delivery is best-effort
// and a failed emit never fails the operation that produced it.
package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/repositories"
)

// Event types, one per auditable operation.
const (
	EventJobCreated         = "JOB_CREATED"
	EventJobUpdated         = "JOB_UPDATED"
	EventJobDeleted         = "JOB_DELETED"
	EventJobExecuted        = "JOB_EXECUTED"
	EventExecutionCompleted = "EXECUTION_COMPLETED"
	EventExecutionFailed    = "EXECUTION_FAILED"
	EventExecutionCancelled = "EXECUTION_CANCELLED"
)

// Severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Resource kinds referenced by events. ResourceID carries the resource's
// public serial, the permanent cross-component key.
const (
	ResourceJob       = "job"
	ResourceExecution = "execution"
)

// ExecutionEvent maps a terminal execution status onto the audit event type,
// action verb and severity recorded for it. Completions are routine, a
// cancellation is worth a second look, a failure is what operators page on.
func ExecutionEvent(status string) (eventType, action, severity string) {
	switch status {
	case db.ExecutionStatusCancelled:
		return EventExecutionCancelled, "cancel", SeverityMedium
	case db.ExecutionStatusFailed:
		return EventExecutionFailed, "fail", SeverityHigh
	default:
		return EventExecutionCompleted, "complete", SeverityLow
	}
}

// Event is one audit trail entry before persistence. Details must never
// contain secret material; serials, names, counters and error text only.
type Event struct {
	Type         string
	UserID       string
	ResourceKind string
	ResourceID   string // public serial
	Action       string // short verb, e.g. "create", "execute", "cancel"
	Details      map[string]any
	Severity     string
}

// Sink receives audit events. Implementations must be safe for concurrent
// use and must not block the caller on delivery problems.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Recorder persists events through the audit repository and mirrors them to
// the engine log. It is the production Sink.
type Recorder struct {
	repo repositories.AuditRepository
	log  *zap.Logger
}

// NewRecorder returns a Recorder writing through repo.
func NewRecorder(repo repositories.AuditRepository, log *zap.Logger) *Recorder {
	return &Recorder{repo: repo, log: log.Named("audit")}
}

// Emit records the event. Failures are logged and swallowed: the audit trail
// is best-effort by contract and must never fail the mutation it describes.
func (r *Recorder) Emit(ctx context.Context, ev Event) {
	if ev.Severity == "" {
		ev.Severity = SeverityLow
	}

	details := "{}"
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			r.log.Warn("audit details not serialisable, dropping them",
				zap.String("event_type", ev.Type),
				zap.String("resource_id", ev.ResourceID),
				zap.Error(err))
		} else {
			details = string(b)
		}
	}

	row := &db.AuditEvent{
		EventType:    ev.Type,
		UserID:       ev.UserID,
		ResourceKind: ev.ResourceKind,
		ResourceID:   ev.ResourceID,
		Action:       ev.Action,
		Details:      details,
		Severity:     ev.Severity,
	}
	if err := r.repo.Create(ctx, row); err != nil {
		r.log.Error("audit event lost",
			zap.String("event_type", ev.Type),
			zap.String("resource_id", ev.ResourceID),
			zap.Error(err))
		return
	}

	r.log.Info("audit event",
		zap.String("event_type", ev.Type),
		zap.String("resource_kind", ev.ResourceKind),
		zap.String("resource_id", ev.ResourceID),
		zap.String("user_id", ev.UserID),
		zap.String("severity", ev.Severity))
}
