package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/serial"
)

// gormExecutionRepository is the GORM implementation of ExecutionRepository.
type gormExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository returns an ExecutionRepository backed by the
// provided *gorm.DB.
func NewExecutionRepository(database *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: database}
}

// Start runs the execute_job transaction. The job row lock serialises
// concurrent starts on one job so execution numbers reflect commit order;
// the unique index on (job_id, execution_number) backstops dialects without
// row locks, and a conflict there rolls everything back for one retry.
func (r *gormExecutionRepository) Start(ctx context.Context, jobID uint64, spec ExecuteSpec) (*db.Execution, error) {
	execution, err := r.start(ctx, jobID, spec)
	if err != nil && isUniqueViolation(err) {
		execution, err = r.start(ctx, jobID, spec)
	}
	if err != nil && isUniqueViolation(err) {
		return nil, fmt.Errorf("executions: start job %d: %w", jobID, ErrConflict)
	}
	return execution, err
}

func (r *gormExecutionRepository) start(ctx context.Context, jobID uint64, spec ExecuteSpec) (*db.Execution, error) {
	var execution *db.Execution
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		if err := lockForUpdate(tx).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("executions: start: %w", err)
		}
		if job.Status == db.JobStatusRunning {
			return fmt.Errorf("executions: job %s is already running: %w", job.Serial, ErrStateConflict)
		}

		var links []db.JobTarget
		if err := tx.Where("job_id = ?", jobID).Order("id ASC").Find(&links).Error; err != nil {
			return fmt.Errorf("executions: start: load target links: %w", err)
		}
		if len(links) == 0 {
			return fmt.Errorf("executions: job %s has no targets: %w", job.Serial, ErrValidation)
		}

		targetIDs := make([]uint64, len(links))
		for i, link := range links {
			targetIDs[i] = link.TargetID
		}
		var targets []db.Target
		if err := tx.Where("id IN ?", targetIDs).Find(&targets).Error; err != nil {
			return fmt.Errorf("executions: start: load targets: %w", err)
		}
		serialByTarget := make(map[uint64]string, len(targets))
		for _, t := range targets {
			serialByTarget[t.ID] = t.Serial
		}

		n, err := serial.Next(tx, serial.KindExecution, job.Serial)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		triggeredBy := spec.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = "manual"
		}

		exec := &db.Execution{
			Serial:          serial.FormatExecution(job.Serial, n),
			JobID:           jobID,
			ExecutionNumber: n,
			Status:          db.ExecutionStatusRunning,
			StartedAt:       &now,
			TriggeredBy:     triggeredBy,
			TriggeredByUser: spec.TriggeredByUser,
			TotalTargets:    len(links),
		}
		if err := tx.Create(exec).Error; err != nil {
			return fmt.Errorf("executions: start: create execution: %w", err)
		}

		branches := make([]db.Branch, 0, len(links))
		for i, link := range links {
			branches = append(branches, db.Branch{
				Serial:          serial.FormatBranch(exec.Serial, i+1),
				ExecutionID:     exec.ID,
				BranchID:        serial.BranchID(i + 1),
				TargetID:        link.TargetID,
				TargetSerialRef: serialByTarget[link.TargetID],
				Status:          db.ExecutionStatusRunning,
			})
		}
		if err := tx.Create(&branches).Error; err != nil {
			return fmt.Errorf("executions: start: create branches: %w", err)
		}

		if err := tx.Model(&db.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"status":     db.JobStatusRunning,
			"started_at": now,
		}).Error; err != nil {
			return fmt.Errorf("executions: start: mark job running: %w", err)
		}

		exec.Branches = branches
		execution = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return execution, nil
}

func (r *gormExecutionRepository) GetByID(ctx context.Context, id uint64) (*db.Execution, error) {
	return r.getExecution(ctx, "id = ?", id)
}

func (r *gormExecutionRepository) GetBySerial(ctx context.Context, execSerial string) (*db.Execution, error) {
	return r.getExecution(ctx, "serial = ?", execSerial)
}

func (r *gormExecutionRepository) getExecution(ctx context.Context, cond string, arg any) (*db.Execution, error) {
	var exec db.Execution
	if err := r.db.WithContext(ctx).First(&exec, cond, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get: %w", err)
	}
	return &exec, nil
}

// GetWithBranches loads the execution, its branches in branch_id order, and
// every branch's action results in action_order. Three queries, grouped in
// memory.
func (r *gormExecutionRepository) GetWithBranches(ctx context.Context, id uint64) (*db.Execution, error) {
	exec, err := r.getExecution(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", exec.ID).
		Order("branch_id ASC").
		Find(&exec.Branches).Error; err != nil {
		return nil, fmt.Errorf("executions: get branches for %s: %w", exec.Serial, err)
	}

	results, err := r.ActionResults(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	byBranch := make(map[uint64][]db.ActionResult, len(exec.Branches))
	for _, res := range results {
		byBranch[res.BranchID] = append(byBranch[res.BranchID], res)
	}
	for i := range exec.Branches {
		exec.Branches[i].ActionResults = byBranch[exec.Branches[i].ID]
	}
	return exec, nil
}

// ListByJob returns the job's executions, most recent first.
func (r *gormExecutionRepository) ListByJob(ctx context.Context, jobID uint64, opts ListOptions) ([]db.Execution, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Execution{}).
		Where("job_id = ?", jobID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list count: %w", err)
	}

	q := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("execution_number DESC").
		Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var execs []db.Execution
	if err := q.Find(&execs).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list by job: %w", err)
	}
	return execs, total, nil
}

// ActionResults returns the execution's action results ordered by
// (branch_id, action_order), which replays branches in creation order.
func (r *gormExecutionRepository) ActionResults(ctx context.Context, executionID uint64) ([]db.ActionResult, error) {
	var results []db.ActionResult
	if err := r.db.WithContext(ctx).
		Where("branch_id IN (SELECT id FROM branches WHERE execution_id = ?)", executionID).
		Order("branch_id ASC, action_order ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("executions: action results: %w", err)
	}
	return results, nil
}

// MarkRunning transitions a scheduled execution to running. Already-running
// executions are left untouched, so the call is idempotent.
func (r *gormExecutionRepository) MarkRunning(ctx context.Context, id uint64, startedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Execution{}).
		Where("id = ? AND status = ?", id, db.ExecutionStatusScheduled).
		Updates(map[string]interface{}{
			"status":     db.ExecutionStatusRunning,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("executions: mark running: %w", result.Error)
	}
	return nil
}

// UpdateStatus applies the terminal rollup in a single update.
func (r *gormExecutionRepository) UpdateStatus(ctx context.Context, id uint64, status string, completedAt *time.Time, successful, failed, cancelled int) error {
	updates := map[string]interface{}{
		"status":             status,
		"successful_targets": successful,
		"failed_targets":     failed,
		"cancelled_targets":  cancelled,
	}
	if completedAt != nil {
		updates["completed_at"] = completedAt
	}

	result := r.db.WithContext(ctx).Model(&db.Execution{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("executions: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBranch persists all fields of a branch row.
func (r *gormExecutionRepository) UpdateBranch(ctx context.Context, branch *db.Branch) error {
	result := r.db.WithContext(ctx).Save(branch)
	if result.Error != nil {
		return fmt.Errorf("executions: update branch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateActionResult inserts the row for an action that just started.
func (r *gormExecutionRepository) CreateActionResult(ctx context.Context, ar *db.ActionResult) error {
	if err := r.db.WithContext(ctx).Create(ar).Error; err != nil {
		return fmt.Errorf("executions: create action result: %w", err)
	}
	return nil
}

// UpdateActionResult persists the terminal outcome of an action attempt.
func (r *gormExecutionRepository) UpdateActionResult(ctx context.Context, ar *db.ActionResult) error {
	result := r.db.WithContext(ctx).Save(ar)
	if result.Error != nil {
		return fmt.Errorf("executions: update action result: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkCreateLogs inserts buffered log lines in a single statement. Lines are
// collected in memory during the run and flushed at completion to keep
// write pressure off the execution hot path.
func (r *gormExecutionRepository) BulkCreateLogs(ctx context.Context, logs []db.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("executions: bulk create logs: %w", err)
	}
	return nil
}

// GetLogs returns the execution's log lines in emission order.
func (r *gormExecutionRepository) GetLogs(ctx context.Context, executionID uint64) ([]db.ExecutionLog, error) {
	var logs []db.ExecutionLog
	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("timestamp ASC, id ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("executions: get logs: %w", err)
	}
	return logs, nil
}
