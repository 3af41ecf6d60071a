package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/internal/db"
)

func TestJobCreateAllocatesSerialAndDenseActionOrder(t *testing.T) {
	f := newFixtures(t)
	web := f.target(t, "web-1")
	dbHost := f.target(t, "db-1")

	job := f.job(t, []uint64{web.ID, dbHost.ID}, "stop", "deploy", "start")

	assert.Equal(t, "J-000001", job.Serial)
	assert.Equal(t, db.JobStatusDraft, job.Status)
	assert.Equal(t, "ops", job.CreatedBy)
	assert.NotEqual(t, uuid.UUID{}, job.UUID)

	require.Len(t, job.Actions, 3)
	for i, action := range job.Actions {
		assert.Equal(t, i+1, action.ActionOrder)
		assert.Equal(t, db.JobTypeCommand, action.ActionType)
		spec, ok := action.Command()
		require.True(t, ok)
		assert.NotEmpty(t, spec.Command)
		assert.True(t, spec.CaptureOutput)
	}
	require.Len(t, job.Targets, 2)

	second := f.job(t, []uint64{web.ID}, "uptime")
	assert.Equal(t, "J-000002", second.Serial)
}

func TestJobCreateDeduplicatesTargetLinks(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")

	job, err := f.jobs.Create(context.Background(), NewJob{
		Name:      "noop",
		Actions:   commandActions("true"),
		TargetIDs: []uint64{target.ID, target.ID, target.ID},
	}, "ops")
	require.NoError(t, err)
	assert.Len(t, job.Targets, 1)
}

func TestJobCreateValidation(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")

	_, err := f.jobs.Create(context.Background(), NewJob{
		Name:    "no targets",
		Actions: commandActions("true"),
	}, "ops")
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.jobs.Create(context.Background(), NewJob{
		Name:      "ghost target",
		Actions:   commandActions("true"),
		TargetIDs: []uint64{target.ID, 9999},
	}, "ops")
	require.ErrorIs(t, err, ErrValidation)
}

func TestJobCreateWithScheduleStartsScheduled(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	at := nowUTC().Add(time.Hour)

	job, err := f.jobs.Create(context.Background(), NewJob{
		Name:        "nightly",
		Actions:     commandActions("backup"),
		TargetIDs:   []uint64{target.ID},
		ScheduledAt: &at,
	}, "ops")
	require.NoError(t, err)

	assert.Equal(t, db.JobStatusScheduled, job.Status)
	require.NotNil(t, job.ScheduledAt)
	assert.WithinDuration(t, at, *job.ScheduledAt, time.Second)
}

func TestJobGetVariants(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	created := f.job(t, []uint64{target.ID}, "uptime", "df -h")
	ctx := context.Background()

	byID, err := f.jobs.GetByID(ctx, created.ID, false)
	require.NoError(t, err)
	byUUID, err := f.jobs.GetByUUID(ctx, created.UUID, false)
	require.NoError(t, err)
	bySerial, err := f.jobs.GetBySerial(ctx, created.Serial, false)
	require.NoError(t, err)

	for _, job := range []*db.Job{byID, byUUID, bySerial} {
		assert.Equal(t, created.Serial, job.Serial)
		require.Len(t, job.Actions, 2)
		assert.Equal(t, 1, job.Actions[0].ActionOrder)
		assert.Equal(t, 2, job.Actions[1].ActionOrder)
		assert.Len(t, job.Targets, 1)
	}

	_, err = f.jobs.GetByID(ctx, 9999, false)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.jobs.GetBySerial(ctx, "J-999999", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobSoftDeleteHidesButKeepsRecord(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	job := f.job(t, []uint64{target.ID}, "uptime")
	ctx := context.Background()

	require.NoError(t, f.jobs.Delete(ctx, job.ID, false))

	_, err := f.jobs.GetByID(ctx, job.ID, false)
	require.ErrorIs(t, err, ErrNotFound)

	// The record survives behind the tombstone with its serial and actions.
	kept, err := f.jobs.GetByID(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusDeleted, kept.Status)
	assert.True(t, kept.IsDeleted())
	assert.Equal(t, job.Serial, kept.Serial)
	assert.Len(t, kept.Actions, 1)

	visible, total, err := f.jobs.List(ctx, JobFilter{}, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, visible)
	assert.Zero(t, total)

	all, total, err := f.jobs.List(ctx, JobFilter{IncludeDeleted: true}, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, int64(1), total)

	// Serials are never reused, deletion or not.
	next := f.job(t, []uint64{target.ID}, "uptime")
	assert.Equal(t, "J-000002", next.Serial)
}

func TestJobDeleteRunningRequiresForce(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	job := f.job(t, []uint64{target.ID}, "uptime")
	exec := f.startExecution(t, job.ID)
	ctx := context.Background()

	err := f.jobs.Delete(ctx, job.ID, false)
	require.ErrorIs(t, err, ErrStateConflict)

	// Give the subtree some depth so the cascade is observable.
	branch := exec.Branches[0]
	require.NoError(t, f.executions.CreateActionResult(ctx, &db.ActionResult{
		Serial:      branch.Serial + ".A-001",
		BranchID:    branch.ID,
		ActionID:    job.Actions[0].ID,
		ActionOrder: 1,
		ActionName:  "step 1",
		ActionType:  db.JobTypeCommand,
		Status:      db.ActionStatusRunning,
	}))
	require.NoError(t, f.executions.BulkCreateLogs(ctx, []db.ExecutionLog{
		{ExecutionID: exec.ID, Level: "info", Message: "execution started", Timestamp: nowUTC()},
	}))

	require.NoError(t, f.jobs.Delete(ctx, job.ID, true))

	for table, model := range map[string]any{
		"jobs":           &db.Job{},
		"executions":     &db.Execution{},
		"branches":       &db.Branch{},
		"action_results": &db.ActionResult{},
		"execution_logs": &db.ExecutionLog{},
		"actions":        &db.Action{},
		"job_targets":    &db.JobTarget{},
	} {
		var count int64
		require.NoError(t, f.db.Unscoped().Model(model).Count(&count).Error)
		assert.Zero(t, count, "table %s not emptied by force delete", table)
	}

	// The target itself is not part of the job subtree.
	var targets int64
	require.NoError(t, f.db.Model(&db.Target{}).Count(&targets).Error)
	assert.Equal(t, int64(1), targets)
}

func TestJobUpdateReplacesDefinition(t *testing.T) {
	f := newFixtures(t)
	web := f.target(t, "web-1")
	dbHost := f.target(t, "db-1")
	job := f.job(t, []uint64{web.ID}, "stop", "start")
	ctx := context.Background()

	// Leave one action result behind so the referential cleanup is visible.
	exec := f.startExecution(t, job.ID)
	require.NoError(t, f.executions.CreateActionResult(ctx, &db.ActionResult{
		Serial:      exec.Branches[0].Serial + ".A-001",
		BranchID:    exec.Branches[0].ID,
		ActionID:    job.Actions[0].ID,
		ActionOrder: 1,
		ActionName:  "step 1",
		ActionType:  db.JobTypeCommand,
		Status:      db.ActionStatusCompleted,
	}))
	f.finishExecution(t, exec, db.ExecutionStatusCompleted)

	updated, err := f.jobs.Update(ctx, job.ID, NewJob{
		Name:        "patch fleet v2",
		Description: "rolled out",
		Actions:     commandActions("deploy"),
		TargetIDs:   []uint64{dbHost.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, "patch fleet v2", updated.Name)
	assert.Equal(t, job.Serial, updated.Serial, "updates never reissue the serial")
	require.Len(t, updated.Actions, 1)
	assert.Equal(t, 1, updated.Actions[0].ActionOrder)
	require.Len(t, updated.Targets, 1)
	assert.Equal(t, dbHost.ID, updated.Targets[0].TargetID)

	// Results that pointed at the replaced actions are gone.
	var orphaned int64
	require.NoError(t, f.db.Model(&db.ActionResult{}).Count(&orphaned).Error)
	assert.Zero(t, orphaned)
}

func TestJobUpdateRefusedWhileRunning(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	job := f.job(t, []uint64{target.ID}, "uptime")
	f.startExecution(t, job.ID)

	_, err := f.jobs.Update(context.Background(), job.ID, NewJob{
		Name:      "too late",
		Actions:   commandActions("true"),
		TargetIDs: []uint64{target.ID},
	})
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestJobSchedule(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	job := f.job(t, []uint64{target.ID}, "uptime")
	ctx := context.Background()
	at := nowUTC().Add(30 * time.Minute)

	scheduled, err := f.jobs.Schedule(ctx, job.ID, at)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusScheduled, scheduled.Status)
	require.NotNil(t, scheduled.ScheduledAt)
	assert.WithinDuration(t, at, *scheduled.ScheduledAt, time.Second)

	f.startExecution(t, job.ID)
	_, err = f.jobs.Schedule(ctx, job.ID, at)
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestListDueScheduled(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	ctx := context.Background()
	now := nowUTC()

	due := f.job(t, []uint64{target.ID}, "uptime")
	_, err := f.jobs.Schedule(ctx, due.ID, now.Add(-time.Minute))
	require.NoError(t, err)

	future := f.job(t, []uint64{target.ID}, "uptime")
	_, err = f.jobs.Schedule(ctx, future.ID, now.Add(time.Hour))
	require.NoError(t, err)

	f.job(t, []uint64{target.ID}, "uptime") // draft, never due

	jobs, err := f.jobs.ListDueScheduled(ctx, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.Serial, jobs[0].Serial)
}

func TestJobListFilters(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	ctx := context.Background()

	_, err := f.jobs.Create(ctx, NewJob{
		Name:      "nightly backup",
		Actions:   commandActions("backup"),
		TargetIDs: []uint64{target.ID},
	}, "alice")
	require.NoError(t, err)
	_, err = f.jobs.Create(ctx, NewJob{
		Name:        "cache warmup",
		Description: "primes the CDN edge",
		Actions:     commandActions("warm"),
		TargetIDs:   []uint64{target.ID},
	}, "bob")
	require.NoError(t, err)

	byUser, total, err := f.jobs.List(ctx, JobFilter{CreatedBy: "alice"}, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, byUser, 1)
	assert.Equal(t, "nightly backup", byUser[0].Name)

	// Search matches name and description, case-insensitively.
	bySearch, _, err := f.jobs.List(ctx, JobFilter{Search: "CDN"}, ListOptions{})
	require.NoError(t, err)
	require.Len(t, bySearch, 1)
	assert.Equal(t, "cache warmup", bySearch[0].Name)

	byStatus, _, err := f.jobs.List(ctx, JobFilter{Status: db.JobStatusDraft}, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	page, total, err := f.jobs.List(ctx, JobFilter{}, ListOptions{Limit: 1, Offset: 1, Sort: "name"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, page, 1)
	assert.Equal(t, "nightly backup", page[0].Name)
}
