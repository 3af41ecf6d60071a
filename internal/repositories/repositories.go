// Package repositories implements the persistence layer over GORM. One
// repository per aggregate; every multi-row mutation runs in a single
// transaction so partial writes cannot be observed. Serial allocation
// happens inside the same transaction as the row it numbers.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination and sorting options for list
// queries. Sort accepts a whitelisted column name, optionally suffixed with
// " desc"; anything else falls back to "created_at desc".
type ListOptions struct {
	Limit  int
	Offset int
	Sort   string
}

// JobFilter narrows list_jobs results. Zero values mean "no filter". Search
// matches name and description case-insensitively.
type JobFilter struct {
	Status         string
	CreatedBy      string
	Search         string
	IncludeDeleted bool
}

// NewAction is the storage-shape input for one action of a job spec.
// Parameters and Config are free-form maps persisted as JSON.
type NewAction struct {
	Name       string
	Type       string
	Parameters map[string]any
	Config     map[string]any
}

// NewJob is the storage-shape input for create_job and update_job. Actions
// are stored in slice order with dense action_order 1..N.
type NewJob struct {
	Name        string
	Description string
	JobType     string
	Actions     []NewAction
	TargetIDs   []uint64
	ScheduledAt *time.Time
}

// ExecuteSpec carries the trigger metadata recorded on a new execution.
type ExecuteSpec struct {
	TriggeredBy     string // "manual" or "schedule"
	TriggeredByUser string
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	// Create validates target references, allocates the job serial and
	// inserts the job with its actions and target links in one transaction.
	Create(ctx context.Context, spec NewJob, userID string) (*db.Job, error)

	// GetByID returns the job with Actions and Targets attached. Soft-deleted
	// jobs are invisible unless includeDeleted is set.
	GetByID(ctx context.Context, id uint64, includeDeleted bool) (*db.Job, error)
	GetByUUID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*db.Job, error)
	GetBySerial(ctx context.Context, serial string, includeDeleted bool) (*db.Job, error)

	List(ctx context.Context, filter JobFilter, opts ListOptions) ([]db.Job, int64, error)

	// Update replaces the job's definition. Refused with ErrStateConflict
	// while the job is running. Actions and target links are replaced
	// atomically; action results referencing the old actions are deleted
	// first (they hold foreign keys to the replaced rows).
	Update(ctx context.Context, id uint64, spec NewJob) (*db.Job, error)

	// Schedule sets scheduled_at and moves the job to the scheduled state.
	Schedule(ctx context.Context, id uint64, at time.Time) (*db.Job, error)

	// UpdateStatus transitions the job's lifecycle state, stamping started_at
	// or completed_at when provided.
	UpdateStatus(ctx context.Context, id uint64, status string, startedAt, completedAt *time.Time) error

	// Delete soft-deletes by default: the job keeps its serial, actions and
	// execution history but disappears from all read paths. With force, the
	// job and every dependent row are hard-deleted in dependency order.
	// Deleting a running job requires force.
	Delete(ctx context.Context, id uint64, force bool) error

	// ListDueScheduled returns scheduled jobs whose scheduled_at is at or
	// before now, for the scheduler to dispatch.
	ListDueScheduled(ctx context.Context, now time.Time) ([]db.Job, error)
}

// -----------------------------------------------------------------------------
// ExecutionRepository
// -----------------------------------------------------------------------------

type ExecutionRepository interface {
	// Start is the execute_job transaction: it locks the job row, allocates
	// the next execution number and serial, inserts the execution in the
	// running state with one running branch per target (branch ids 001, 002,
	// … in target order, target serials snapshotted), and moves the job to
	// running. Concurrent starts on one job serialise; losing a
	// unique-constraint race retries once.
	Start(ctx context.Context, jobID uint64, spec ExecuteSpec) (*db.Execution, error)

	GetByID(ctx context.Context, id uint64) (*db.Execution, error)
	GetBySerial(ctx context.Context, serial string) (*db.Execution, error)

	// GetWithBranches returns the execution with Branches attached in
	// branch_id order, each branch carrying its ActionResults in
	// action_order.
	GetWithBranches(ctx context.Context, id uint64) (*db.Execution, error)

	ListByJob(ctx context.Context, jobID uint64, opts ListOptions) ([]db.Execution, int64, error)

	// ActionResults returns every action result of the execution ordered by
	// (branch_id, action_order).
	ActionResults(ctx context.Context, executionID uint64) ([]db.ActionResult, error)

	// MarkRunning transitions a scheduled execution to running; already
	// running executions are left untouched.
	MarkRunning(ctx context.Context, id uint64, startedAt time.Time) error

	// UpdateStatus applies the terminal rollup: status, completed_at and the
	// per-outcome target counters in one update.
	UpdateStatus(ctx context.Context, id uint64, status string, completedAt *time.Time, successful, failed, cancelled int) error

	// UpdateBranch persists the branch's current status and result fields.
	UpdateBranch(ctx context.Context, branch *db.Branch) error

	CreateActionResult(ctx context.Context, result *db.ActionResult) error
	UpdateActionResult(ctx context.Context, result *db.ActionResult) error

	// BulkCreateLogs inserts buffered execution log lines in one statement.
	BulkCreateLogs(ctx context.Context, logs []db.ExecutionLog) error
	GetLogs(ctx context.Context, executionID uint64) ([]db.ExecutionLog, error)
}

// -----------------------------------------------------------------------------
// TargetRepository
// -----------------------------------------------------------------------------

type TargetRepository interface {
	// Create allocates the target serial and inserts the target.
	Create(ctx context.Context, target *db.Target) error

	GetByID(ctx context.Context, id uint64) (*db.Target, error)

	// GetWithMethods returns the target with CommunicationMethods attached
	// in priority order, each method carrying its Credentials in stored
	// order. This is the branch executor's read path.
	GetWithMethods(ctx context.Context, id uint64) (*db.Target, error)

	ListByIDs(ctx context.Context, ids []uint64) ([]db.Target, error)
	List(ctx context.Context, opts ListOptions) ([]db.Target, int64, error)

	CreateMethod(ctx context.Context, method *db.CommunicationMethod) error
	CreateCredential(ctx context.Context, credential *db.Credential) error
}

// -----------------------------------------------------------------------------
// AuditRepository
// -----------------------------------------------------------------------------

type AuditRepository interface {
	Create(ctx context.Context, event *db.AuditEvent) error
	ListByResource(ctx context.Context, resourceID string, opts ListOptions) ([]db.AuditEvent, int64, error)
	List(ctx context.Context, opts ListOptions) ([]db.AuditEvent, int64, error)
}
