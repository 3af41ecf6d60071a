package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/serial"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(database *gorm.DB) JobRepository {
	return &gormJobRepository{db: database}
}

// lockForUpdate takes a row lock on dialects that support it. SQLite has no
// FOR UPDATE; its single-writer connection serialises transactions instead.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// isUniqueViolation recognises unique-constraint errors across the sqlite
// and postgres drivers without depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "23505")
}

// sortExpr maps a caller-supplied sort option onto a safe ORDER BY clause.
var sortColumns = map[string]struct{}{
	"name":       {},
	"serial":     {},
	"status":     {},
	"created_at": {},
	"updated_at": {},
}

func sortExpr(sort string) string {
	col, dir, _ := strings.Cut(strings.TrimSpace(strings.ToLower(sort)), " ")
	if _, ok := sortColumns[col]; !ok {
		return "created_at DESC"
	}
	if dir == "desc" {
		return col + " DESC"
	}
	return col + " ASC"
}

// jsonObject encodes a free-form map for a JSON text column;
// nil maps become "{}".
func jsonObject(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode json object: %w", err)
	}
	return string(b), nil
}

func uniqueIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// verifyTargets checks that every referenced target id exists.
func verifyTargets(tx *gorm.DB, ids []uint64) error {
	var count int64
	if err := tx.Model(&db.Target{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
		return fmt.Errorf("jobs: verify targets: %w", err)
	}
	if int(count) != len(ids) {
		return fmt.Errorf("jobs: %w: one or more referenced targets do not exist", ErrValidation)
	}
	return nil
}

// actionRows shapes the spec's actions into rows with a dense 1..N order.
func actionRows(jobID uint64, specs []NewAction) ([]db.Action, error) {
	rows := make([]db.Action, 0, len(specs))
	for i, a := range specs {
		params, err := jsonObject(a.Parameters)
		if err != nil {
			return nil, fmt.Errorf("jobs: action %d: %w", i+1, err)
		}
		cfg, err := jsonObject(a.Config)
		if err != nil {
			return nil, fmt.Errorf("jobs: action %d: %w", i+1, err)
		}
		actionType := a.Type
		if actionType == "" {
			actionType = db.JobTypeCommand
		}
		rows = append(rows, db.Action{
			JobID:            jobID,
			ActionOrder:      i + 1,
			ActionType:       actionType,
			ActionName:       a.Name,
			ActionParameters: params,
			ActionConfig:     cfg,
		})
	}
	return rows, nil
}

func linkRows(jobID uint64, targetIDs []uint64) []db.JobTarget {
	links := make([]db.JobTarget, 0, len(targetIDs))
	for _, tid := range targetIDs {
		links = append(links, db.JobTarget{JobID: jobID, TargetID: tid})
	}
	return links
}

// Create inserts the job with its actions and target links in one
// transaction, allocating the job serial from the global scope.
func (r *gormJobRepository) Create(ctx context.Context, spec NewJob, userID string) (*db.Job, error) {
	targetIDs := uniqueIDs(spec.TargetIDs)
	if len(targetIDs) == 0 {
		return nil, fmt.Errorf("jobs: %w: target_ids must not be empty", ErrValidation)
	}

	var job *db.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := verifyTargets(tx, targetIDs); err != nil {
			return err
		}

		n, err := serial.Next(tx, serial.KindJob, "")
		if err != nil {
			return err
		}

		jobType := spec.JobType
		if jobType == "" {
			jobType = db.JobTypeCommand
		}
		status := db.JobStatusDraft
		if spec.ScheduledAt != nil {
			status = db.JobStatusScheduled
		}

		job = &db.Job{
			Serial:      serial.FormatJob(n),
			Name:        spec.Name,
			Description: spec.Description,
			JobType:     jobType,
			Status:      status,
			CreatedBy:   userID,
			ScheduledAt: spec.ScheduledAt,
		}
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("jobs: create: %w", err)
		}

		actions, err := actionRows(job.ID, spec.Actions)
		if err != nil {
			return err
		}
		if len(actions) > 0 {
			if err := tx.Create(&actions).Error; err != nil {
				return fmt.Errorf("jobs: create actions: %w", err)
			}
		}

		links := linkRows(job.ID, targetIDs)
		if err := tx.Create(&links).Error; err != nil {
			return fmt.Errorf("jobs: create target links: %w", err)
		}

		job.Actions = actions
		job.Targets = links
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uint64, includeDeleted bool) (*db.Job, error) {
	return r.getJob(ctx, includeDeleted, "id = ?", id)
}

func (r *gormJobRepository) GetByUUID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*db.Job, error) {
	return r.getJob(ctx, includeDeleted, "uuid = ?", id)
}

func (r *gormJobRepository) GetBySerial(ctx context.Context, jobSerial string, includeDeleted bool) (*db.Job, error) {
	return r.getJob(ctx, includeDeleted, "serial = ?", jobSerial)
}

// getJob loads one job plus its actions and target links. Three queries:
// GORM does not manage the association slices (see db/models.go).
func (r *gormJobRepository) getJob(ctx context.Context, includeDeleted bool, cond string, arg any) (*db.Job, error) {
	q := r.db.WithContext(ctx)
	if includeDeleted {
		q = q.Unscoped()
	}

	var job db.Job
	if err := q.First(&job, cond, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("job_id = ?", job.ID).
		Order("action_order ASC").
		Find(&job.Actions).Error; err != nil {
		return nil, fmt.Errorf("jobs: get actions for %s: %w", job.Serial, err)
	}

	if err := r.db.WithContext(ctx).
		Where("job_id = ?", job.ID).
		Order("id ASC").
		Find(&job.Targets).Error; err != nil {
		return nil, fmt.Errorf("jobs: get target links for %s: %w", job.Serial, err)
	}

	return &job, nil
}

// List returns a filtered, paginated page of jobs plus the total count.
func (r *gormJobRepository) List(ctx context.Context, filter JobFilter, opts ListOptions) ([]db.Job, int64, error) {
	filtered := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&db.Job{})
		if filter.IncludeDeleted {
			q = q.Unscoped()
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.CreatedBy != "" {
			q = q.Where("created_by = ?", filter.CreatedBy)
		}
		if filter.Search != "" {
			like := "%" + strings.ToLower(filter.Search) + "%"
			q = q.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", like, like)
		}
		return q
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	q := filtered().Order(sortExpr(opts.Sort)).Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var jobs []db.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

// Update replaces the job definition. The old actions' results go first:
// they hold foreign keys to the action rows being replaced.
func (r *gormJobRepository) Update(ctx context.Context, id uint64, spec NewJob) (*db.Job, error) {
	targetIDs := uniqueIDs(spec.TargetIDs)
	if len(targetIDs) == 0 {
		return nil, fmt.Errorf("jobs: %w: target_ids must not be empty", ErrValidation)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current db.Job
		if err := lockForUpdate(tx).First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: update: %w", err)
		}
		if current.Status == db.JobStatusRunning {
			return fmt.Errorf("jobs: update %s while running: %w", current.Serial, ErrStateConflict)
		}

		if err := verifyTargets(tx, targetIDs); err != nil {
			return err
		}

		var oldActionIDs []uint64
		if err := tx.Model(&db.Action{}).Where("job_id = ?", id).
			Pluck("id", &oldActionIDs).Error; err != nil {
			return fmt.Errorf("jobs: update: collect old actions: %w", err)
		}
		if len(oldActionIDs) > 0 {
			if err := tx.Where("action_id IN ?", oldActionIDs).
				Delete(&db.ActionResult{}).Error; err != nil {
				return fmt.Errorf("jobs: update: clear action results: %w", err)
			}
		}
		if err := tx.Where("job_id = ?", id).Delete(&db.Action{}).Error; err != nil {
			return fmt.Errorf("jobs: update: clear actions: %w", err)
		}
		if err := tx.Where("job_id = ?", id).Delete(&db.JobTarget{}).Error; err != nil {
			return fmt.Errorf("jobs: update: clear target links: %w", err)
		}

		actions, err := actionRows(id, spec.Actions)
		if err != nil {
			return err
		}
		if len(actions) > 0 {
			if err := tx.Create(&actions).Error; err != nil {
				return fmt.Errorf("jobs: update: create actions: %w", err)
			}
		}
		links := linkRows(id, targetIDs)
		if err := tx.Create(&links).Error; err != nil {
			return fmt.Errorf("jobs: update: create target links: %w", err)
		}

		updates := map[string]interface{}{
			"name":        spec.Name,
			"description": spec.Description,
		}
		if spec.JobType != "" {
			updates["job_type"] = spec.JobType
		}
		if spec.ScheduledAt != nil {
			updates["scheduled_at"] = spec.ScheduledAt
			if current.Status == db.JobStatusDraft {
				updates["status"] = db.JobStatusScheduled
			}
		}
		if err := tx.Model(&db.Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("jobs: update: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id, false)
}

// Schedule stamps scheduled_at and moves the job to the scheduled state.
func (r *gormJobRepository) Schedule(ctx context.Context, id uint64, at time.Time) (*db.Job, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current db.Job
		if err := lockForUpdate(tx).First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: schedule: %w", err)
		}
		if current.Status == db.JobStatusRunning {
			return fmt.Errorf("jobs: schedule %s while running: %w", current.Serial, ErrStateConflict)
		}
		if err := tx.Model(&db.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
			"scheduled_at": at,
			"status":       db.JobStatusScheduled,
		}).Error; err != nil {
			return fmt.Errorf("jobs: schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id, false)
}

// UpdateStatus transitions the lifecycle state, stamping the provided
// timestamps.
func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uint64, status string, startedAt, completedAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if startedAt != nil {
		updates["started_at"] = startedAt
	}
	if completedAt != nil {
		updates["completed_at"] = completedAt
	}

	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes by default; with force it hard-deletes the job and its
// entire subtree in dependency order, children before parents.
func (r *gormJobRepository) Delete(ctx context.Context, id uint64, force bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := lockForUpdate(tx)
		if force {
			q = q.Unscoped()
		}
		var job db.Job
		if err := q.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: delete: %w", err)
		}
		if job.Status == db.JobStatusRunning && !force {
			return fmt.Errorf("jobs: delete %s while running: %w", job.Serial, ErrStateConflict)
		}

		if !force {
			if err := tx.Model(&db.Job{}).Where("id = ?", id).
				Update("status", db.JobStatusDeleted).Error; err != nil {
				return fmt.Errorf("jobs: soft delete: %w", err)
			}
			if err := tx.Delete(&db.Job{}, id).Error; err != nil {
				return fmt.Errorf("jobs: soft delete: %w", err)
			}
			return nil
		}

		if err := tx.Exec(`DELETE FROM action_results WHERE branch_id IN
			(SELECT id FROM branches WHERE execution_id IN
			(SELECT id FROM executions WHERE job_id = ?))`, id).Error; err != nil {
			return fmt.Errorf("jobs: hard delete action results: %w", err)
		}
		if err := tx.Exec(`DELETE FROM branches WHERE execution_id IN
			(SELECT id FROM executions WHERE job_id = ?)`, id).Error; err != nil {
			return fmt.Errorf("jobs: hard delete branches: %w", err)
		}
		if err := tx.Exec(`DELETE FROM execution_logs WHERE execution_id IN
			(SELECT id FROM executions WHERE job_id = ?)`, id).Error; err != nil {
			return fmt.Errorf("jobs: hard delete execution logs: %w", err)
		}
		if err := tx.Where("job_id = ?", id).Delete(&db.Execution{}).Error; err != nil {
			return fmt.Errorf("jobs: hard delete executions: %w", err)
		}
		if err := tx.Where("job_id = ?", id).Delete(&db.Action{}).Error; err != nil {
			return fmt.Errorf("jobs: hard delete actions: %w", err)
		}
		if err := tx.Where("job_id = ?", id).Delete(&db.JobTarget{}).Error; err != nil {
			return fmt.Errorf("jobs: hard delete target links: %w", err)
		}
		if err := tx.Unscoped().Delete(&db.Job{}, id).Error; err != nil {
			return fmt.Errorf("jobs: hard delete: %w", err)
		}
		return nil
	})
}

// ListDueScheduled returns scheduled jobs whose scheduled_at has passed.
func (r *gormJobRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", db.JobStatusScheduled, now).
		Order("scheduled_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list due scheduled: %w", err)
	}
	return jobs, nil
}
