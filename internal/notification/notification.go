// Package notification delivers execution lifecycle messages to an external
// channel. The engine emits one event when an execution starts and one when
// it reaches a terminal state; delivery is best-effort and never blocks or
// fails the execution that produced it.
package notification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drover-io/drover/internal/db"
)

// Event kinds.
const (
	KindExecutionStarted   = "execution_started"
	KindExecutionCompleted = "execution_completed"
	KindExecutionFailed    = "execution_failed"
	KindExecutionCancelled = "execution_cancelled"
)

// KindForStatus maps a terminal execution status onto its event kind.
func KindForStatus(status string) string {
	switch status {
	case db.ExecutionStatusFailed:
		return KindExecutionFailed
	case db.ExecutionStatusCancelled:
		return KindExecutionCancelled
	default:
		return KindExecutionCompleted
	}
}

// Event is one execution lifecycle message. Serials are the permanent public
// handles; counters are zero until the execution is terminal.
type Event struct {
	Kind            string
	JobName         string
	JobSerial       string
	ExecutionSerial string
	Status          string
	TotalTargets    int
	Successful      int
	Failed          int
	Cancelled       int
}

// Title renders the one-line human headline used by every channel.
func (e Event) Title() string {
	switch e.Kind {
	case KindExecutionStarted:
		return fmt.Sprintf("Execution started: %s (%s)", e.JobName, e.ExecutionSerial)
	case KindExecutionCompleted:
		return fmt.Sprintf("Execution completed: %s (%s)", e.JobName, e.ExecutionSerial)
	case KindExecutionFailed:
		return fmt.Sprintf("Execution failed: %s (%s)", e.JobName, e.ExecutionSerial)
	case KindExecutionCancelled:
		return fmt.Sprintf("Execution cancelled: %s (%s)", e.JobName, e.ExecutionSerial)
	default:
		return fmt.Sprintf("Execution update: %s (%s)", e.JobName, e.ExecutionSerial)
	}
}

// Body renders the message text with the outcome counters.
func (e Event) Body() string {
	if e.Kind == KindExecutionStarted {
		return fmt.Sprintf("Job %q (%s) started execution %s against %d target(s).",
			e.JobName, e.JobSerial, e.ExecutionSerial, e.TotalTargets)
	}
	return fmt.Sprintf("Job %q (%s) execution %s finished with status %s: %d succeeded, %d failed, %d cancelled of %d target(s).",
		e.JobName, e.JobSerial, e.ExecutionSerial, e.Status,
		e.Successful, e.Failed, e.Cancelled, e.TotalTargets)
}

// Notifier delivers one event. Implementations must be safe for concurrent
// use; callers treat errors as diagnostics only.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the engine log. It is the daemon's fallback
// when no webhook is configured and keeps the notification surface visible
// in development.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a Notifier backed by log.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.log.Info(ev.Title(),
		zap.String("kind", ev.Kind),
		zap.String("job_serial", ev.JobSerial),
		zap.String("execution_serial", ev.ExecutionSerial),
		zap.String("status", ev.Status),
		zap.Int("total_targets", ev.TotalTargets),
		zap.Int("successful_targets", ev.Successful),
		zap.Int("failed_targets", ev.Failed),
		zap.Int("cancelled_targets", ev.Cancelled))
	return nil
}
