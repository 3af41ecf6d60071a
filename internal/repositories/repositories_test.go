package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drover-io/drover/internal/db"
)

func nowUTC() time.Time { return time.Now().UTC() }

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zaptest.NewLogger(t),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

// fixtures bundles the repositories under test over one in-memory database.
type fixtures struct {
	db         *gorm.DB
	jobs       JobRepository
	executions ExecutionRepository
	targets    TargetRepository
	audits     AuditRepository
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	database := testDB(t)
	return &fixtures{
		db:         database,
		jobs:       NewJobRepository(database),
		executions: NewExecutionRepository(database),
		targets:    NewTargetRepository(database),
		audits:     NewAuditRepository(database),
	}
}

func (f *fixtures) target(t *testing.T, name string) *db.Target {
	t.Helper()
	target := &db.Target{Name: name, OSType: "linux", IsActive: true}
	require.NoError(t, f.targets.Create(context.Background(), target))
	return target
}

func commandActions(commands ...string) []NewAction {
	actions := make([]NewAction, len(commands))
	for i, cmd := range commands {
		actions[i] = NewAction{
			Name:       fmt.Sprintf("step %d", i+1),
			Type:       db.JobTypeCommand,
			Parameters: map[string]any{"command": cmd},
		}
	}
	return actions
}

func (f *fixtures) job(t *testing.T, targetIDs []uint64, commands ...string) *db.Job {
	t.Helper()
	job, err := f.jobs.Create(context.Background(), NewJob{
		Name:      "patch fleet",
		JobType:   db.JobTypeCommand,
		Actions:   commandActions(commands...),
		TargetIDs: targetIDs,
	}, "ops")
	require.NoError(t, err)
	return job
}

func (f *fixtures) startExecution(t *testing.T, jobID uint64) *db.Execution {
	t.Helper()
	exec, err := f.executions.Start(context.Background(), jobID, ExecuteSpec{
		TriggeredBy:     "manual",
		TriggeredByUser: "ops",
	})
	require.NoError(t, err)
	return exec
}

// finishExecution rolls the execution and its job to a terminal state so the
// job accepts further mutations.
func (f *fixtures) finishExecution(t *testing.T, exec *db.Execution, status string) {
	t.Helper()
	ctx := context.Background()
	now := nowUTC()
	require.NoError(t, f.executions.UpdateStatus(ctx, exec.ID, status, &now, len(exec.Branches), 0, 0))
	require.NoError(t, f.jobs.UpdateStatus(ctx, exec.JobID, status, nil, &now))
}
