// Package executor runs executions. The orchestrator fans out one branch
// executor per target under a bounded semaphore, converts branch panics into
// branch failures, rolls terminal branch states up to the execution, and
// mirrors the result onto the owning job. Branch executors walk a job's
// actions against one target under the retry policy, recording one
// ActionResult per action.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/drover-io/drover/internal/audit"
	"github.com/drover-io/drover/internal/credentials"
	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/metrics"
	"github.com/drover-io/drover/internal/notification"
	"github.com/drover-io/drover/internal/remote"
	"github.com/drover-io/drover/internal/repositories"
	"github.com/drover-io/drover/internal/retry"
)

// Config wires an Orchestrator and the branch executors it spawns.
type Config struct {
	Jobs       repositories.JobRepository
	Executions repositories.ExecutionRepository
	Targets    repositories.TargetRepository
	Resolver   *credentials.Resolver
	Registry   *remote.Registry
	Audit      audit.Sink
	Notifier   notification.Notifier
	Metrics    *metrics.Engine
	Logger     *zap.Logger

	RetryPolicy          retry.Policy
	MaxConcurrentTargets int
	ConnectionTimeout    time.Duration
	CommandTimeout       time.Duration
}

// Summary is the aggregated outcome of one execution run. Run always returns
// a summary, never an error: every failure mode ends up in the branch and
// execution records.
type Summary struct {
	ExecutionSerial string
	Status          string
	Total           int
	Successful      int
	Failed          int
	Cancelled       int
	Duration        time.Duration
}

// Orchestrator drives executions to their terminal state. One instance
// serves the whole daemon; concurrent Run calls are independent and each
// bounds its own branch fan-out.
type Orchestrator struct {
	jobs       repositories.JobRepository
	executions repositories.ExecutionRepository
	branch     *BranchExecutor
	audit      audit.Sink
	notifier   notification.Notifier
	metrics    *metrics.Engine
	log        *zap.Logger

	maxConcurrent int64

	// cancels maps in-flight executions (by UUID) to their cancel funcs so
	// Cancel can signal them. Entries live exactly as long as their Run.
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator builds the orchestrator and its branch executor from cfg.
func NewOrchestrator(cfg Config) *Orchestrator {
	limit := int64(cfg.MaxConcurrentTargets)
	if limit < 1 {
		limit = 1
	}
	return &Orchestrator{
		jobs:          cfg.Jobs,
		executions:    cfg.Executions,
		branch:        NewBranchExecutor(cfg),
		audit:         cfg.Audit,
		notifier:      cfg.Notifier,
		metrics:       cfg.Metrics,
		log:           cfg.Logger.Named("orchestrator"),
		maxConcurrent: limit,
		cancels:       make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run executes every branch of the execution and returns the aggregated
// outcome. The job must carry its Actions; the execution must carry its
// Branches. Branch failures are isolated from each other and from the
// caller: Run never returns an error, it records one.
//
// ctx cancellation and Cancel(execution UUID) both stop the run the same
// way — in-flight transport calls are bounded by the command timeout, each
// interrupted branch records a terminal "cancelled" action result, and the
// execution rolls up per the usual rule.
func (o *Orchestrator) Run(ctx context.Context, job *db.Job, execution *db.Execution) Summary {
	persist := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	o.track(execution.UUID, cancel)
	defer o.untrack(execution.UUID)

	started := time.Now().UTC()
	// The manual execute path inserts the execution already running; the
	// scheduled handoff path inserts it scheduled. MarkRunning covers the
	// latter and is a no-op for the former.
	if err := o.executions.MarkRunning(persist, execution.ID, started); err != nil {
		o.log.Error("execution start not persisted",
			zap.String("execution_serial", execution.Serial), zap.Error(err))
	}
	execution.Status = db.ExecutionStatusRunning
	if execution.StartedAt == nil {
		execution.StartedAt = &started
	}

	o.log.Info("execution started",
		zap.String("execution_serial", execution.Serial),
		zap.String("job_serial", job.Serial),
		zap.Int("branches", len(execution.Branches)),
		zap.Int64("max_concurrent_targets", o.maxConcurrent))

	logs := newLogBuffer(execution.ID)
	logs.Infof("execution %s started: %d branch(es), %d action(s) per branch",
		execution.Serial, len(execution.Branches), len(job.Actions))

	o.notify(persist, notification.Event{
		Kind:            notification.KindExecutionStarted,
		JobName:         job.Name,
		JobSerial:       job.Serial,
		ExecutionSerial: execution.Serial,
		Status:          db.ExecutionStatusRunning,
		TotalTargets:    len(execution.Branches),
	})

	sem := semaphore.NewWeighted(o.maxConcurrent)
	var branches sync.WaitGroup
	for i := range execution.Branches {
		branch := &execution.Branches[i]
		branches.Add(1)
		go func() {
			defer branches.Done()
			o.runBranch(runCtx, persist, sem, job, branch, logs)
		}()
	}
	branches.Wait()

	status, successful, failed, cancelled := RollupStatus(execution.Branches)

	completed := time.Now().UTC()
	if err := o.executions.UpdateStatus(persist, execution.ID, status, &completed, successful, failed, cancelled); err != nil {
		o.log.Error("execution result not persisted",
			zap.String("execution_serial", execution.Serial), zap.Error(err))
	}
	execution.Status = status
	execution.CompletedAt = &completed
	execution.SuccessfulTargets = successful
	execution.FailedTargets = failed
	execution.CancelledTargets = cancelled

	// Job status mirrors its latest execution once that execution is
	// terminal.
	if err := o.jobs.UpdateStatus(persist, job.ID, status, nil, &completed); err != nil {
		o.log.Error("job status not mirrored",
			zap.String("job_serial", job.Serial), zap.Error(err))
	}

	logs.Infof("execution %s finished with status %s: %d succeeded, %d failed, %d cancelled",
		execution.Serial, status, successful, failed, cancelled)
	if err := o.executions.BulkCreateLogs(persist, logs.drain()); err != nil {
		o.log.Error("execution logs not persisted",
			zap.String("execution_serial", execution.Serial), zap.Error(err))
	}

	duration := completed.Sub(started)
	o.metrics.ObserveExecution(status, duration)

	eventType, action, severity := audit.ExecutionEvent(status)
	o.audit.Emit(persist, audit.Event{
		Type:         eventType,
		UserID:       execution.TriggeredByUser,
		ResourceKind: audit.ResourceExecution,
		ResourceID:   execution.Serial,
		Action:       action,
		Severity:     severity,
		Details: map[string]any{
			"job_serial":         job.Serial,
			"job_name":           job.Name,
			"status":             status,
			"total_targets":      len(execution.Branches),
			"successful_targets": successful,
			"failed_targets":     failed,
			"cancelled_targets":  cancelled,
			"duration_ms":        duration.Milliseconds(),
		},
	})

	o.notify(persist, notification.Event{
		Kind:            notification.KindForStatus(status),
		JobName:         job.Name,
		JobSerial:       job.Serial,
		ExecutionSerial: execution.Serial,
		Status:          status,
		TotalTargets:    len(execution.Branches),
		Successful:      successful,
		Failed:          failed,
		Cancelled:       cancelled,
	})

	o.log.Info("execution finished",
		zap.String("execution_serial", execution.Serial),
		zap.String("status", status),
		zap.Int("successful_targets", successful),
		zap.Int("failed_targets", failed),
		zap.Int("cancelled_targets", cancelled),
		zap.Duration("duration", duration))

	return Summary{
		ExecutionSerial: execution.Serial,
		Status:          status,
		Total:           len(execution.Branches),
		Successful:      successful,
		Failed:          failed,
		Cancelled:       cancelled,
		Duration:        duration,
	}
}

// Cancel signals the in-flight execution identified by its UUID and reports
// whether such an execution was found. Cancelling an execution that already
// finished (or was never handed to this orchestrator) is a no-op.
func (o *Orchestrator) Cancel(executionUUID uuid.UUID) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[executionUUID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every in-flight execution and waits for their records to
// reach a terminal state, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runBranch admits one branch through the semaphore and runs it, converting
// a panic into that branch's failure. The slot is released on every exit
// path, normal or not.
func (o *Orchestrator) runBranch(ctx, persist context.Context, sem *semaphore.Weighted, job *db.Job, branch *db.Branch, logs *logBuffer) {
	if err := sem.Acquire(ctx, 1); err != nil {
		// Cancelled while queued for a slot: the branch never starts and
		// records no action results.
		o.finishBranch(persist, branch, db.ExecutionStatusCancelled, "execution cancelled")
		logs.Warnf("branch %s cancelled while waiting for a concurrency slot", branch.BranchID)
		return
	}
	o.metrics.BranchesInFlight.Inc()
	defer func() {
		o.metrics.BranchesInFlight.Dec()
		sem.Release(1)
	}()

	defer func() {
		if r := recover(); r != nil {
			o.finishBranch(persist, branch, db.ExecutionStatusFailed, fmt.Sprintf("internal error: %v", r))
			logs.Errorf("branch %s aborted by internal error: %v", branch.BranchID, r)
			o.log.Error("branch panicked",
				zap.String("branch_serial", branch.Serial),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	o.branch.Run(ctx, job, branch, logs)
}

// finishBranch stamps a terminal state onto a branch that the branch
// executor did not finish itself (cancelled before admission, or panicked).
func (o *Orchestrator) finishBranch(persist context.Context, branch *db.Branch, status, errText string) {
	now := time.Now().UTC()
	branch.Status = status
	branch.ResultError = errText
	if branch.StartedAt == nil {
		branch.StartedAt = &now
	}
	branch.CompletedAt = &now
	if err := o.executions.UpdateBranch(persist, branch); err != nil {
		o.log.Error("branch result not persisted",
			zap.String("branch_serial", branch.Serial), zap.Error(err))
	}
	o.metrics.ObserveBranch(status)
}

func (o *Orchestrator) track(id uuid.UUID, cancel context.CancelFunc) {
	o.wg.Add(1)
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id uuid.UUID) {
	o.mu.Lock()
	cancel := o.cancels[id]
	delete(o.cancels, id)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Done()
}

func (o *Orchestrator) notify(ctx context.Context, ev notification.Event) {
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.log.Warn("notification not delivered",
			zap.String("kind", ev.Kind),
			zap.String("execution_serial", ev.ExecutionSerial),
			zap.Error(err))
	}
}

// RollupStatus applies the terminal rollup rule to a branch set: any failed
// branch fails the execution; all branches completed completes it; otherwise
// it is cancelled. A branch left non-terminal (a persist failure mid-crash)
// counts as failed so total == successful + failed + cancelled always holds.
func RollupStatus(branches []db.Branch) (status string, successful, failed, cancelled int) {
	for i := range branches {
		switch branches[i].Status {
		case db.ExecutionStatusCompleted:
			successful++
		case db.ExecutionStatusCancelled:
			cancelled++
		default:
			failed++
		}
	}
	switch {
	case failed > 0:
		status = db.ExecutionStatusFailed
	case successful == len(branches):
		status = db.ExecutionStatusCompleted
	default:
		status = db.ExecutionStatusCancelled
	}
	return status, successful, failed, cancelled
}
