package jobs

import (
	"encoding/json"
	"time"

	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/repositories"
)

// -----------------------------------------------------------------------------
// Request shapes
// -----------------------------------------------------------------------------

// ActionSpec is one action of a job spec as submitted by a caller.
// Parameters and Config are free-form JSON objects; for the "command" type
// the parameters must carry a non-empty "command" string and the config may
// carry {"captureOutput": bool}.
type ActionSpec struct {
	Name       string         `json:"name" validate:"required,max=255"`
	Type       string         `json:"type" validate:"omitempty,oneof=command"`
	Parameters map[string]any `json:"parameters" validate:"required"`
	Config     map[string]any `json:"config"`
}

// JobSpec is the caller-facing shape for create_job and update_job. Actions
// are stored in slice order; TargetIDs must reference existing targets.
type JobSpec struct {
	Name        string       `json:"name" validate:"required,max=255"`
	Description string       `json:"description" validate:"max=4096"`
	JobType     string       `json:"job_type" validate:"omitempty,oneof=command"`
	Actions     []ActionSpec `json:"actions" validate:"required,min=1,dive"`
	TargetIDs   []uint64     `json:"target_ids" validate:"required,min=1"`
	ScheduledAt *time.Time   `json:"scheduled_at"`
}

// ScheduleSpec sets or moves a job's scheduled execution time.
type ScheduleSpec struct {
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

// ListQuery narrows and pages list_jobs. Zero values mean "no filter".
// IncludeDeleted is honoured for administrators only.
type ListQuery struct {
	Status         string `json:"status" validate:"omitempty,oneof=draft scheduled running completed failed cancelled deleted"`
	CreatedBy      string `json:"created_by"`
	Search         string `json:"search"`
	IncludeDeleted bool   `json:"include_deleted"`
	Limit          int    `json:"limit" validate:"min=0,max=500"`
	Offset         int    `json:"offset" validate:"min=0"`
	Sort           string `json:"sort"`
}

// -----------------------------------------------------------------------------
// Response shapes
// -----------------------------------------------------------------------------

// Job is the external representation of a job definition. Serial is the
// public permanent handle; ID and UUID are carried for clients that key on
// them.
type Job struct {
	ID          uint64     `json:"id"`
	UUID        string     `json:"uuid"`
	Serial      string     `json:"serial"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	CreatedBy   string     `json:"created_by"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Actions     []Action   `json:"actions,omitempty"`
	TargetIDs   []uint64   `json:"target_ids,omitempty"`
}

// Action is the external representation of one job action.
type Action struct {
	ID         uint64         `json:"id"`
	UUID       string         `json:"uuid"`
	Order      int            `json:"action_order"`
	Type       string         `json:"action_type"`
	Name       string         `json:"action_name"`
	Parameters map[string]any `json:"parameters"`
	Config     map[string]any `json:"config"`
}

// Execution is the external representation of one job invocation. Counters
// stay zero until the execution is terminal.
type Execution struct {
	ID                uint64     `json:"id"`
	UUID              string     `json:"uuid"`
	Serial            string     `json:"serial"`
	JobID             uint64     `json:"job_id"`
	ExecutionNumber   int64      `json:"execution_number"`
	Status            string     `json:"status"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	TriggeredBy       string     `json:"triggered_by"`
	TriggeredByUser   string     `json:"triggered_by_user,omitempty"`
	TotalTargets      int        `json:"total_targets"`
	SuccessfulTargets int        `json:"successful_targets"`
	FailedTargets     int        `json:"failed_targets"`
	CancelledTargets  int        `json:"cancelled_targets"`
	CreatedAt         time.Time  `json:"created_at"`
	Branches          []Branch   `json:"branches,omitempty"`
}

// Branch is the per-target record of one execution. TargetSerial is the
// serial snapshotted at execution time, still readable after the target is
// renamed or removed.
type Branch struct {
	ID            uint64         `json:"id"`
	UUID          string         `json:"uuid"`
	Serial        string         `json:"serial"`
	BranchID      string         `json:"branch_id"`
	TargetID      uint64         `json:"target_id"`
	TargetSerial  string         `json:"target_serial"`
	Status        string         `json:"status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ResultOutput  string         `json:"result_output,omitempty"`
	ResultError   string         `json:"result_error,omitempty"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	ActionResults []ActionResult `json:"action_results,omitempty"`
}

// ActionResult is the outcome of one action on one branch. ResultOutput is
// null when output capture was disabled for the action.
type ActionResult struct {
	ID              uint64     `json:"id"`
	UUID            string     `json:"uuid"`
	Serial          string     `json:"serial"`
	BranchID        uint64     `json:"branch_id"`
	ActionID        uint64     `json:"action_id"`
	ActionOrder     int        `json:"action_order"`
	ActionName      string     `json:"action_name"`
	ActionType      string     `json:"action_type"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	ResultOutput    *string    `json:"result_output"`
	ResultError     string     `json:"result_error,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	CommandExecuted string     `json:"command_executed"`
}

// LogLine is one execution log entry.
type LogLine struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Converters
// -----------------------------------------------------------------------------

func toJob(j *db.Job) Job {
	out := Job{
		ID:          j.ID,
		UUID:        j.UUID.String(),
		Serial:      j.Serial,
		Name:        j.Name,
		Description: j.Description,
		JobType:     j.JobType,
		Status:      j.Status,
		CreatedBy:   j.CreatedBy,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.DeletedAt.Valid {
		t := j.DeletedAt.Time
		out.DeletedAt = &t
	}
	if len(j.Actions) > 0 {
		out.Actions = make([]Action, len(j.Actions))
		for i := range j.Actions {
			out.Actions[i] = toAction(&j.Actions[i])
		}
	}
	if len(j.Targets) > 0 {
		out.TargetIDs = make([]uint64, len(j.Targets))
		for i := range j.Targets {
			out.TargetIDs[i] = j.Targets[i].TargetID
		}
	}
	return out
}

func toAction(a *db.Action) Action {
	return Action{
		ID:         a.ID,
		UUID:       a.UUID.String(),
		Order:      a.ActionOrder,
		Type:       a.ActionType,
		Name:       a.ActionName,
		Parameters: decodeObject(a.ActionParameters),
		Config:     decodeObject(a.ActionConfig),
	}
}

func toExecution(e *db.Execution) Execution {
	out := Execution{
		ID:                e.ID,
		UUID:              e.UUID.String(),
		Serial:            e.Serial,
		JobID:             e.JobID,
		ExecutionNumber:   e.ExecutionNumber,
		Status:            e.Status,
		ScheduledAt:       e.ScheduledAt,
		StartedAt:         e.StartedAt,
		CompletedAt:       e.CompletedAt,
		TriggeredBy:       e.TriggeredBy,
		TriggeredByUser:   e.TriggeredByUser,
		TotalTargets:      e.TotalTargets,
		SuccessfulTargets: e.SuccessfulTargets,
		FailedTargets:     e.FailedTargets,
		CancelledTargets:  e.CancelledTargets,
		CreatedAt:         e.CreatedAt,
	}
	if len(e.Branches) > 0 {
		out.Branches = make([]Branch, len(e.Branches))
		for i := range e.Branches {
			out.Branches[i] = toBranch(&e.Branches[i])
		}
	}
	return out
}

func toBranch(b *db.Branch) Branch {
	out := Branch{
		ID:           b.ID,
		UUID:         b.UUID.String(),
		Serial:       b.Serial,
		BranchID:     b.BranchID,
		TargetID:     b.TargetID,
		TargetSerial: b.TargetSerialRef,
		Status:       b.Status,
		StartedAt:    b.StartedAt,
		CompletedAt:  b.CompletedAt,
		ResultOutput: b.ResultOutput,
		ResultError:  b.ResultError,
		ExitCode:     b.ExitCode,
	}
	if len(b.ActionResults) > 0 {
		out.ActionResults = make([]ActionResult, len(b.ActionResults))
		for i := range b.ActionResults {
			out.ActionResults[i] = toActionResult(&b.ActionResults[i])
		}
	}
	return out
}

func toActionResult(r *db.ActionResult) ActionResult {
	return ActionResult{
		ID:              r.ID,
		UUID:            r.UUID.String(),
		Serial:          r.Serial,
		BranchID:        r.BranchID,
		ActionID:        r.ActionID,
		ActionOrder:     r.ActionOrder,
		ActionName:      r.ActionName,
		ActionType:      r.ActionType,
		Status:          r.Status,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		ExecutionTimeMs: r.ExecutionTimeMs,
		ResultOutput:    r.ResultOutput,
		ResultError:     r.ResultError,
		ExitCode:        r.ExitCode,
		CommandExecuted: r.CommandExecuted,
	}
}

func toLogLine(l *db.ExecutionLog) LogLine {
	return LogLine{Level: l.Level, Message: l.Message, Timestamp: l.Timestamp}
}

// toNewJob normalises a validated spec into its storage shape, filling the
// "command" defaults for omitted types.
func toNewJob(spec JobSpec) repositories.NewJob {
	jobType := spec.JobType
	if jobType == "" {
		jobType = db.JobTypeCommand
	}
	actions := make([]repositories.NewAction, len(spec.Actions))
	for i, a := range spec.Actions {
		actionType := a.Type
		if actionType == "" {
			actionType = db.JobTypeCommand
		}
		actions[i] = repositories.NewAction{
			Name:       a.Name,
			Type:       actionType,
			Parameters: a.Parameters,
			Config:     a.Config,
		}
	}
	return repositories.NewJob{
		Name:        spec.Name,
		Description: spec.Description,
		JobType:     jobType,
		Actions:     actions,
		TargetIDs:   spec.TargetIDs,
		ScheduledAt: spec.ScheduledAt,
	}
}

// decodeObject parses a stored JSON object column, returning an empty map on
// malformed input rather than failing a read path.
func decodeObject(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
