// Package jobs is the lifecycle façade over the job store. It validates
// caller input, enforces the injected access policy, translates between
// storage entities and external DTOs, emits an audit event after each
// successful mutation, and hands new executions to the orchestrator.
package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drover-io/drover/internal/audit"
	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/executor"
	"github.com/drover-io/drover/internal/repositories"
)

// Config wires a Service.
type Config struct {
	Jobs         repositories.JobRepository
	Executions   repositories.ExecutionRepository
	Orchestrator *executor.Orchestrator
	Access       AccessPolicy
	Audit        audit.Sink
	Logger       *zap.Logger
}

// Service implements the job lifecycle operations. One instance serves the
// whole daemon; all methods are safe for concurrent use.
type Service struct {
	jobs       repositories.JobRepository
	executions repositories.ExecutionRepository
	orch       *executor.Orchestrator
	access     AccessPolicy
	audit      audit.Sink
	validate   *validator.Validate
	log        *zap.Logger

	// dispatch hands a freshly created execution to the orchestrator. The
	// default spawns a detached goroutine; tests swap in a synchronous one.
	dispatch func(job *db.Job, execution *db.Execution)
}

// NewService builds the lifecycle service from cfg.
func NewService(cfg Config) *Service {
	s := &Service{
		jobs:       cfg.Jobs,
		executions: cfg.Executions,
		orch:       cfg.Orchestrator,
		access:     cfg.Access,
		audit:      cfg.Audit,
		validate:   validator.New(),
		log:        cfg.Logger.Named("jobs"),
	}
	if s.access == nil {
		s.access = OwnerPolicy{}
	}
	s.dispatch = func(job *db.Job, execution *db.Execution) {
		// Detached from the request context: an execution outlives the call
		// that started it. Shutdown reaches it through the orchestrator.
		go s.orch.Run(context.Background(), job, execution)
	}
	return s
}

// Create validates the spec and inserts the job with its actions and target
// links. The caller becomes the job's owner.
func (s *Service) Create(ctx context.Context, actor Actor, spec JobSpec) (Job, error) {
	if err := s.validateSpec(&spec); err != nil {
		return Job{}, err
	}

	job, err := s.jobs.Create(ctx, toNewJob(spec), actor.ID)
	if err != nil {
		return Job{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:         audit.EventJobCreated,
		UserID:       actor.ID,
		ResourceKind: audit.ResourceJob,
		ResourceID:   job.Serial,
		Action:       "create",
		Severity:     audit.SeverityLow,
		Details: map[string]any{
			"name":    job.Name,
			"actions": len(job.Actions),
			"targets": len(job.Targets),
		},
	})
	s.log.Info("job created",
		zap.String("job_serial", job.Serial),
		zap.String("name", job.Name),
		zap.String("created_by", actor.ID))

	return toJob(job), nil
}

// Get returns one job by serial, numeric id or UUID, with its actions and
// target ids. includeDeleted is honoured for administrators only.
func (s *Service) Get(ctx context.Context, actor Actor, ref string, includeDeleted bool) (Job, error) {
	job, err := s.resolveJob(ctx, ref, includeDeleted && actor.Admin)
	if err != nil {
		return Job{}, err
	}
	return toJob(job), nil
}

// List returns a filtered page of jobs plus the total count. Actions are not
// loaded in list view; Get returns the full definition.
func (s *Service) List(ctx context.Context, actor Actor, q ListQuery) ([]Job, int64, error) {
	if err := s.validate.Struct(&q); err != nil {
		return nil, 0, fmt.Errorf("jobs: %w: %w", repositories.ErrValidation, err)
	}

	filter := repositories.JobFilter{
		Status:         q.Status,
		CreatedBy:      q.CreatedBy,
		Search:         q.Search,
		IncludeDeleted: q.IncludeDeleted && actor.Admin,
	}
	opts := repositories.ListOptions{Limit: q.Limit, Offset: q.Offset, Sort: q.Sort}
	if opts.Limit == 0 {
		opts.Limit = 50
	}

	rows, total, err := s.jobs.List(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	items := make([]Job, len(rows))
	for i := range rows {
		items[i] = toJob(&rows[i])
	}
	return items, total, nil
}

// Update replaces the job's definition. Refused while the job is running.
func (s *Service) Update(ctx context.Context, actor Actor, ref string, spec JobSpec) (Job, error) {
	if err := s.validateSpec(&spec); err != nil {
		return Job{}, err
	}
	job, err := s.resolveJob(ctx, ref, false)
	if err != nil {
		return Job{}, err
	}
	if !s.access.CanModify(actor, job.CreatedBy) {
		return Job{}, ErrAccessDenied
	}

	updated, err := s.jobs.Update(ctx, job.ID, toNewJob(spec))
	if err != nil {
		return Job{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:         audit.EventJobUpdated,
		UserID:       actor.ID,
		ResourceKind: audit.ResourceJob,
		ResourceID:   updated.Serial,
		Action:       "update",
		Severity:     audit.SeverityLow,
		Details: map[string]any{
			"name":    updated.Name,
			"actions": len(updated.Actions),
			"targets": len(updated.Targets),
		},
	})
	return toJob(updated), nil
}

// Schedule sets the job's next execution time and moves it to the scheduled
// state. Refused while the job is running.
func (s *Service) Schedule(ctx context.Context, actor Actor, ref string, spec ScheduleSpec) (Job, error) {
	if err := s.validate.Struct(&spec); err != nil {
		return Job{}, fmt.Errorf("jobs: %w: %w", repositories.ErrValidation, err)
	}
	job, err := s.resolveJob(ctx, ref, false)
	if err != nil {
		return Job{}, err
	}
	if !s.access.CanModify(actor, job.CreatedBy) {
		return Job{}, ErrAccessDenied
	}

	scheduled, err := s.jobs.Schedule(ctx, job.ID, spec.ScheduledAt.UTC())
	if err != nil {
		return Job{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:         audit.EventJobUpdated,
		UserID:       actor.ID,
		ResourceKind: audit.ResourceJob,
		ResourceID:   scheduled.Serial,
		Action:       "schedule",
		Severity:     audit.SeverityLow,
		Details: map[string]any{
			"scheduled_at": spec.ScheduledAt.UTC().Format(time.RFC3339),
		},
	})
	return toJob(scheduled), nil
}

// Execute starts a new execution of the job and hands it to the
// orchestrator. The returned execution is in the running state with one
// running branch per target; progress lands in the store as branches finish.
// Executing a job that is already running fails with ErrStateConflict.
func (s *Service) Execute(ctx context.Context, actor Actor, ref string) (Execution, error) {
	job, err := s.resolveJob(ctx, ref, false)
	if err != nil {
		return Execution{}, err
	}
	if !s.access.CanModify(actor, job.CreatedBy) {
		return Execution{}, ErrAccessDenied
	}
	return s.execute(ctx, job, repositories.ExecuteSpec{
		TriggeredBy:     "manual",
		TriggeredByUser: actor.ID,
	})
}

// ExecuteScheduled starts an execution on behalf of the scheduler.
func (s *Service) ExecuteScheduled(ctx context.Context, jobID uint64) (Execution, error) {
	job, err := s.jobs.GetByID(ctx, jobID, false)
	if err != nil {
		return Execution{}, err
	}
	return s.execute(ctx, job, repositories.ExecuteSpec{
		TriggeredBy:     "schedule",
		TriggeredByUser: System.ID,
	})
}

func (s *Service) execute(ctx context.Context, job *db.Job, spec repositories.ExecuteSpec) (Execution, error) {
	exec, err := s.executions.Start(ctx, job.ID, spec)
	if err != nil {
		return Execution{}, err
	}

	// Snapshot the DTO before handing the records to the orchestrator; it
	// mutates them as branches finish.
	out := toExecution(exec)

	s.audit.Emit(ctx, audit.Event{
		Type:         audit.EventJobExecuted,
		UserID:       spec.TriggeredByUser,
		ResourceKind: audit.ResourceJob,
		ResourceID:   job.Serial,
		Action:       "execute",
		Severity:     audit.SeverityLow,
		Details: map[string]any{
			"execution_serial": exec.Serial,
			"triggered_by":     exec.TriggeredBy,
			"total_targets":    exec.TotalTargets,
		},
	})
	s.log.Info("execution dispatched",
		zap.String("job_serial", job.Serial),
		zap.String("execution_serial", exec.Serial),
		zap.String("triggered_by", exec.TriggeredBy),
		zap.Int("total_targets", exec.TotalTargets))

	s.dispatch(job, exec)
	return out, nil
}

// Cancel stops an in-flight execution. Cancelling an already-terminal
// execution is a no-op. A non-terminal execution not in flight in this
// process — typically orphaned by a daemon restart mid-run — is rolled up
// directly in the store.
func (s *Service) Cancel(ctx context.Context, actor Actor, ref string) error {
	exec, err := s.resolveExecution(ctx, ref)
	if err != nil {
		return err
	}
	job, err := s.jobs.GetByID(ctx, exec.JobID, true)
	if err != nil {
		return err
	}
	if !s.access.CanModify(actor, job.CreatedBy) {
		return ErrAccessDenied
	}

	if db.TerminalStatus(exec.Status) {
		return nil
	}

	if s.orch.Cancel(exec.UUID) {
		s.log.Info("cancellation signalled",
			zap.String("execution_serial", exec.Serial),
			zap.String("user_id", actor.ID))
		return nil
	}
	return s.cancelStale(ctx, actor, job, exec)
}

// cancelStale finishes an execution record the orchestrator is not running.
// Every non-terminal branch is marked cancelled and the usual rollup applies.
func (s *Service) cancelStale(ctx context.Context, actor Actor, job *db.Job, exec *db.Execution) error {
	full, err := s.executions.GetWithBranches(ctx, exec.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range full.Branches {
		b := &full.Branches[i]
		if db.TerminalStatus(b.Status) {
			continue
		}
		b.Status = db.ExecutionStatusCancelled
		b.ResultError = "execution cancelled"
		if b.StartedAt == nil {
			b.StartedAt = &now
		}
		b.CompletedAt = &now
		if err := s.executions.UpdateBranch(ctx, b); err != nil {
			return err
		}
	}

	status, successful, failed, cancelled := executor.RollupStatus(full.Branches)
	if err := s.executions.UpdateStatus(ctx, full.ID, status, &now, successful, failed, cancelled); err != nil {
		return err
	}
	// Mirror onto the job only if it is still stuck on this execution; a
	// later run may already own the job's status.
	if job.Status == db.JobStatusRunning {
		if err := s.jobs.UpdateStatus(ctx, job.ID, status, nil, &now); err != nil {
			return err
		}
	}

	eventType, action, severity := audit.ExecutionEvent(status)
	s.audit.Emit(ctx, audit.Event{
		Type:         eventType,
		UserID:       actor.ID,
		ResourceKind: audit.ResourceExecution,
		ResourceID:   full.Serial,
		Action:       action,
		Severity:     severity,
		Details: map[string]any{
			"job_serial": job.Serial,
			"status":     status,
			"stale":      true,
		},
	})
	s.log.Warn("stale execution rolled up",
		zap.String("execution_serial", full.Serial),
		zap.String("status", status))
	return nil
}

// Delete removes a job. Soft by default: the job keeps its serial and
// execution history but disappears from read paths. With force the job and
// its whole subtree are hard-deleted; force also purges an already
// soft-deleted job. Deleting a running job requires force.
func (s *Service) Delete(ctx context.Context, actor Actor, ref string, force bool) error {
	job, err := s.resolveJob(ctx, ref, force)
	if err != nil {
		return err
	}
	if !s.access.CanModify(actor, job.CreatedBy) {
		return ErrAccessDenied
	}

	if err := s.jobs.Delete(ctx, job.ID, force); err != nil {
		return err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:         audit.EventJobDeleted,
		UserID:       actor.ID,
		ResourceKind: audit.ResourceJob,
		ResourceID:   job.Serial,
		Action:       "delete",
		Severity:     audit.SeverityMedium,
		Details: map[string]any{
			"name":  job.Name,
			"force": force,
		},
	})
	s.log.Info("job deleted",
		zap.String("job_serial", job.Serial),
		zap.Bool("force", force),
		zap.String("user_id", actor.ID))
	return nil
}

// GetExecution returns one execution with its branches and action results.
func (s *Service) GetExecution(ctx context.Context, ref string) (Execution, error) {
	exec, err := s.resolveExecution(ctx, ref)
	if err != nil {
		return Execution{}, err
	}
	full, err := s.executions.GetWithBranches(ctx, exec.ID)
	if err != nil {
		return Execution{}, err
	}
	return toExecution(full), nil
}

// ListExecutions returns the job's executions, most recent first. The job
// may be soft-deleted; its execution history stays readable.
func (s *Service) ListExecutions(ctx context.Context, jobRef string, limit, offset int) ([]Execution, int64, error) {
	job, err := s.resolveJob(ctx, jobRef, true)
	if err != nil {
		return nil, 0, err
	}
	rows, total, err := s.executions.ListByJob(ctx, job.ID, repositories.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, err
	}
	items := make([]Execution, len(rows))
	for i := range rows {
		items[i] = toExecution(&rows[i])
	}
	return items, total, nil
}

// ActionResults returns the execution's action results ordered by
// (branch_id, action_order).
func (s *Service) ActionResults(ctx context.Context, ref string) ([]ActionResult, error) {
	exec, err := s.resolveExecution(ctx, ref)
	if err != nil {
		return nil, err
	}
	rows, err := s.executions.ActionResults(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	items := make([]ActionResult, len(rows))
	for i := range rows {
		items[i] = toActionResult(&rows[i])
	}
	return items, nil
}

// ExecutionLogs returns the execution's log lines in emission order.
func (s *Service) ExecutionLogs(ctx context.Context, ref string) ([]LogLine, error) {
	exec, err := s.resolveExecution(ctx, ref)
	if err != nil {
		return nil, err
	}
	rows, err := s.executions.GetLogs(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	items := make([]LogLine, len(rows))
	for i := range rows {
		items[i] = toLogLine(&rows[i])
	}
	return items, nil
}

// validateSpec runs the declarative tags plus the command-shape check the
// tags cannot express: every command action needs a non-empty command
// parameter.
func (s *Service) validateSpec(spec *JobSpec) error {
	if err := s.validate.Struct(spec); err != nil {
		return fmt.Errorf("jobs: %w: %w", repositories.ErrValidation, err)
	}
	for i := range spec.Actions {
		a := &spec.Actions[i]
		cmd, _ := a.Parameters["command"].(string)
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("jobs: %w: action %d (%q) needs a non-empty command parameter",
				repositories.ErrValidation, i+1, a.Name)
		}
	}
	return nil
}

// resolveJob accepts a serial ("J-000042"), a numeric id or a UUID.
func (s *Service) resolveJob(ctx context.Context, ref string, includeDeleted bool) (*db.Job, error) {
	if strings.HasPrefix(ref, "J-") {
		return s.jobs.GetBySerial(ctx, ref, includeDeleted)
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return s.jobs.GetByID(ctx, id, includeDeleted)
	}
	if u, err := uuid.Parse(ref); err == nil {
		return s.jobs.GetByUUID(ctx, u, includeDeleted)
	}
	return nil, fmt.Errorf("jobs: %w: unrecognised job reference %q", repositories.ErrValidation, ref)
}

// resolveExecution accepts an execution serial ("J-000042.E-003") or a
// numeric id.
func (s *Service) resolveExecution(ctx context.Context, ref string) (*db.Execution, error) {
	if strings.Contains(ref, ".E-") {
		return s.executions.GetBySerial(ctx, ref)
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return s.executions.GetByID(ctx, id)
	}
	return nil, fmt.Errorf("jobs: %w: unrecognised execution reference %q", repositories.ErrValidation, ref)
}
