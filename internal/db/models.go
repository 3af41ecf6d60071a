package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID is the integer surrogate key (autoincrement, monotonic within the
// entity type). UUID uses v7 (time-ordered) and is assigned once at creation,
// never changed. CreatedAt and UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UUID      uuid.UUID `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the UUID is not already set.
// This ensures every record has a valid time-ordered UUID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.UUID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.UUID = id
	}
	return nil
}

// Job, Execution, Branch and ActionResult statuses. Branches share the
// execution set; action results use only running/completed/failed.
const (
	JobStatusDraft     = "draft"
	JobStatusScheduled = "scheduled"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusDeleted   = "deleted"

	ExecutionStatusScheduled = "scheduled"
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusCancelled = "cancelled"

	ActionStatusRunning   = "running"
	ActionStatusCompleted = "completed"
	ActionStatusFailed    = "failed"
)

// JobTypeCommand is the only job type currently supported: an ordered list
// of shell-style commands executed on each target.
const JobTypeCommand = "command"

// TerminalStatus reports whether s is a terminal execution or branch state.
func TerminalStatus(s string) bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is a reusable definition of an ordered list of actions and a target
// set. Executing a job creates an Execution with one Branch per target.
//
// Serial is the public, permanent handle (J-000042). A soft-deleted job keeps
// its serial, actions and execution history for audit; GORM filters
// soft-deleted rows out of all queries unless Unscoped() is used.
//
// Association fields are intentionally absent from this struct. Related
// records are loaded via explicit queries in the repository layer and
// attached through the gorm:"-" slices below.
type Job struct {
	base
	Serial      string `gorm:"uniqueIndex;not null"`
	Name        string `gorm:"not null"`
	Description string `gorm:"type:text;default:''"`
	JobType     string `gorm:"not null;default:'command'"`
	Status      string `gorm:"not null;default:'draft';index"`
	CreatedBy   string `gorm:"not null;default:'';index"` // opaque user id
	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"` // soft-delete tombstone

	// Populated manually by the repository — not managed by GORM.
	Actions []Action    `gorm:"-"`
	Targets []JobTarget `gorm:"-"`
}

// IsDeleted reports whether the job carries a soft-delete tombstone.
func (j *Job) IsDeleted() bool { return j.DeletedAt.Valid }

// Action is a single unit of work inside a job. ActionOrder values form a
// dense 1..N sequence per job; actions are replaced wholesale when the job
// definition is updated and are hard-deleted with the job.
//
// ActionParameters and ActionConfig are free-form JSON objects on the wire.
// For action_type "command" the parameters carry {"command": "..."} and the
// config may carry {"captureOutput": bool}; CommandSpec gives the typed view.
type Action struct {
	base
	JobID            uint64 `gorm:"not null;uniqueIndex:idx_actions_job_order,priority:1"`
	ActionOrder      int    `gorm:"not null;uniqueIndex:idx_actions_job_order,priority:2"`
	ActionType       string `gorm:"not null;default:'command'"`
	ActionName       string `gorm:"not null"`
	ActionParameters string `gorm:"type:text;default:'{}'"` // JSON object
	ActionConfig     string `gorm:"type:text;default:'{}'"` // JSON object
}

// CommandSpec is the typed view of a "command" action. Unknown keys in the
// raw parameter and config maps are preserved in the database but skipped
// here.
type CommandSpec struct {
	Command       string
	CaptureOutput bool
}

// Command decodes the typed command view from the raw JSON maps.
// CaptureOutput defaults to true when absent. The second return is false
// when the action is not a command action or the parameters carry no
// command string.
func (a *Action) Command() (CommandSpec, bool) {
	if a.ActionType != JobTypeCommand {
		return CommandSpec{}, false
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(a.ActionParameters), &params); err != nil {
		return CommandSpec{}, false
	}
	cmd, ok := params["command"].(string)
	if !ok || cmd == "" {
		return CommandSpec{}, false
	}
	spec := CommandSpec{Command: cmd, CaptureOutput: true}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(a.ActionConfig), &cfg); err == nil {
		if capture, ok := cfg["captureOutput"].(bool); ok {
			spec.CaptureOutput = capture
		}
	}
	return spec, true
}

// JobTarget links a job to a target. The link set is replaced atomically
// when the job definition is updated and hard-deleted with the job.
type JobTarget struct {
	base
	JobID    uint64 `gorm:"not null;uniqueIndex:idx_job_targets_pair,priority:1"`
	TargetID uint64 `gorm:"not null;index;uniqueIndex:idx_job_targets_pair,priority:2"`
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

// Execution is one invocation of a job. ExecutionNumber is 1-based and
// strictly monotonic per job — numbers are never reused, even when earlier
// executions are hard-deleted. Serial is <job_serial>.E-<NNN>.
type Execution struct {
	base
	Serial            string `gorm:"uniqueIndex;not null"`
	JobID             uint64 `gorm:"not null;uniqueIndex:idx_executions_job_number,priority:1"`
	ExecutionNumber   int64  `gorm:"not null;uniqueIndex:idx_executions_job_number,priority:2"`
	Status            string `gorm:"not null;default:'scheduled';index"`
	ScheduledAt       *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	TriggeredBy       string `gorm:"not null;default:'manual'"` // "manual" or "schedule"
	TriggeredByUser   string `gorm:"not null;default:''"`
	TotalTargets      int    `gorm:"not null;default:0"`
	SuccessfulTargets int    `gorm:"not null;default:0"`
	FailedTargets     int    `gorm:"not null;default:0"`
	CancelledTargets  int    `gorm:"not null;default:0"`

	// Populated manually by the repository — not managed by GORM.
	Branches []Branch `gorm:"-"`
}

// Branch is the execution record for one (execution, target) pair.
// BranchID is the zero-padded position within the execution ("001", "002",
// …), assigned at execution creation in target order. TargetSerialRef
// snapshots the target's public serial at execution time so the record stays
// readable after the target is renamed or removed.
type Branch struct {
	base
	Serial          string `gorm:"uniqueIndex;not null"`
	ExecutionID     uint64 `gorm:"not null;uniqueIndex:idx_branches_exec_branch,priority:1"`
	BranchID        string `gorm:"not null;uniqueIndex:idx_branches_exec_branch,priority:2"`
	TargetID        uint64 `gorm:"not null;index"`
	TargetSerialRef string `gorm:"not null;default:''"`
	Status          string `gorm:"not null;default:'scheduled';index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ResultOutput    string `gorm:"type:text;default:''"` // summary, e.g. "Executed 3 actions"
	ResultError     string `gorm:"type:text;default:''"`
	ExitCode        *int   // exit code of the last command run, nil if none ran

	// Populated manually by the repository — not managed by GORM.
	ActionResults []ActionResult `gorm:"-"`
}

// ActionResult is the outcome of one action on one branch. One row is
// written per action: retries of the same action collapse into the final
// attempt's row. CommandExecuted preserves the exact command string for
// forensics. ResultOutput is null when output capture is disabled for the
// action; ResultError is recorded unconditionally.
type ActionResult struct {
	base
	Serial          string `gorm:"uniqueIndex;not null"`
	BranchID        uint64 `gorm:"not null;uniqueIndex:idx_action_results_branch_order,priority:1"`
	ActionID        uint64 `gorm:"not null;index"`
	ActionOrder     int    `gorm:"not null;uniqueIndex:idx_action_results_branch_order,priority:2"`
	ActionName      string `gorm:"not null"`
	ActionType      string `gorm:"not null;default:'command'"`
	Status          string `gorm:"not null;default:'running'"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ExecutionTimeMs int64   `gorm:"not null;default:0"`
	ResultOutput    *string `gorm:"type:text"`
	ResultError     string  `gorm:"type:text;default:''"`
	ExitCode        *int
	CommandExecuted string `gorm:"type:text;default:''"`
}

// ExecutionLog stores log lines emitted while an execution ran. Lines are
// buffered in memory during the run and inserted in bulk at completion to
// keep high-frequency logging off the database hot path.
type ExecutionLog struct {
	base
	ExecutionID uint64    `gorm:"not null;index"`
	Level       string    `gorm:"not null"` // "info", "warn", "error"
	Message     string    `gorm:"type:text;not null"`
	Timestamp   time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Targets
// -----------------------------------------------------------------------------

// Target is a remote system addressable via one or more communication
// methods. The engine reads name, os_type and the method list; discovery and
// fingerprinting happen elsewhere. Serial is T-<NNNNNN>.
type Target struct {
	base
	Serial   string `gorm:"uniqueIndex;not null"`
	Name     string `gorm:"not null"`
	OSType   string `gorm:"not null;default:''"` // "linux", "windows", ...
	IsActive bool   `gorm:"not null;default:true"`

	// Populated manually by the repository — not managed by GORM.
	CommunicationMethods []CommunicationMethod `gorm:"-"`
}

// CommunicationMethod is a protocol binding (ssh, winrm, …) plus host/port
// configuration used to reach a target. Config is a JSON object; for ssh and
// winrm it carries {"host": "...", "port": N}. Method selection prefers the
// first active primary, then actives in ascending priority order.
type CommunicationMethod struct {
	base
	TargetID   uint64 `gorm:"not null;index"`
	MethodType string `gorm:"not null"` // "ssh", "winrm", ...
	IsPrimary  bool   `gorm:"not null;default:false"`
	IsActive   bool   `gorm:"not null;default:true"`
	Priority   int    `gorm:"not null;default:0"`      // lower = preferred
	Config     string `gorm:"type:text;default:'{}'"`  // JSON object

	// Populated manually by the repository — not managed by GORM.
	Credentials []Credential `gorm:"-"`
}

// EndpointConfig is the typed view of a communication method's Config map.
// Port 0 means "use the protocol default"; the transport layer resolves it.
type EndpointConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Endpoint decodes the host/port pair from the raw config JSON.
func (m *CommunicationMethod) Endpoint() (EndpointConfig, error) {
	var cfg EndpointConfig
	if err := json.Unmarshal([]byte(m.Config), &cfg); err != nil {
		return EndpointConfig{}, err
	}
	return cfg, nil
}

// Credential is an encrypted secret attached to a communication method.
// EncryptedCredentials is an opaque AES-256-GCM blob (base64 text) whose
// plaintext is a flat JSON object; it is decrypted only at connection time
// and the plaintext never touches the database or the logs.
type Credential struct {
	base
	CommunicationMethodID uint64 `gorm:"not null;index"`
	CredentialType        string `gorm:"not null"` // "password", "ssh_key"
	EncryptedCredentials  string `gorm:"type:text;default:''"`
	IsPrimary             bool   `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Serial counters
// -----------------------------------------------------------------------------

// SerialCounter backs the serial allocator: one row per (kind, parent
// serial) scope holding the last allocated value. Counters only grow —
// values are never reused, even across deletions of the numbered children.
//
// SerialCounter does not embed base: it is an internal bookkeeping row keyed
// by its scope, not a public entity.
type SerialCounter struct {
	Kind         string    `gorm:"primaryKey"`
	ParentSerial string    `gorm:"primaryKey;default:''"`
	Value        int64     `gorm:"not null;default:0"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditEvent is the persisted form of an audit trail event. Writes are
// fire-and-forget: a failed audit insert is logged and never fails the
// mutation that produced it.
type AuditEvent struct {
	base
	EventType    string `gorm:"not null;index"`
	UserID       string `gorm:"not null;default:''"`
	ResourceKind string `gorm:"not null"`       // "job", "execution"
	ResourceID   string `gorm:"not null;index"` // public serial
	Action       string `gorm:"not null"`
	Details      string `gorm:"type:text;default:'{}'"` // JSON object
	Severity     string `gorm:"not null;default:'low'"` // "low", "medium", "high"
}
