package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/notification"
	"github.com/drover-io/drover/internal/remote"
	"github.com/drover-io/drover/internal/repositories"
	"github.com/drover-io/drover/internal/retry"
)

func TestRunNonZeroExitShortCircuitsBranch(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), 4, func(_ context.Context, _, command string, _ int) (*remote.Result, error) {
		if command == "deploy" {
			return &remote.Result{Stderr: "disk full", ExitCode: 1}, nil
		}
		return okResult("ok"), nil
	})
	ctx := context.Background()

	target := h.addTarget(t, "app-1")
	job := h.addJob(t, []uint64{target.ID}, "stop", "deploy", "start")
	exec := h.start(t, job.ID)

	summary := h.orch.Run(ctx, job, exec)

	assert.Equal(t, db.ExecutionStatusFailed, summary.Status)
	assert.Equal(t, 1, summary.Failed)

	stored, err := h.executions.GetWithBranches(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, stored.Branches, 1)
	branch := stored.Branches[0]
	assert.Equal(t, db.ExecutionStatusFailed, branch.Status)
	assert.Equal(t, "disk full", branch.ResultError)
	require.NotNil(t, branch.ExitCode)
	assert.Equal(t, 1, *branch.ExitCode)

	// The failing action short-circuits the branch: "stop" and "deploy"
	// have rows, "start" never ran and has none.
	require.Len(t, branch.ActionResults, 2)
	assert.Equal(t, db.ActionStatusCompleted, branch.ActionResults[0].Status)
	assert.Equal(t, db.ActionStatusFailed, branch.ActionResults[1].Status)
	assert.Equal(t, "disk full", branch.ActionResults[1].ResultError)
	assert.Zero(t, h.connector.runCount("app-1", "start"))

	// A command-level failure is never retried.
	assert.Empty(t, h.recordedDelays())
	assert.Equal(t, 1, h.connector.runCount("app-1", "deploy"))

	assert.Equal(t, []string{notification.KindExecutionStarted, notification.KindExecutionFailed}, h.notifier.kinds())
}

func TestRunFailsWhenCredentialsUnresolvable(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), 4, func(_ context.Context, _, _ string, _ int) (*remote.Result, error) {
		return okResult("ok"), nil
	})
	ctx := context.Background()

	// The blob decrypts but fails validation: a password credential with no
	// password never resolves.
	target := h.addTargetWithCredential(t, "locked-1", map[string]string{"username": "root"})
	job := h.addJob(t, []uint64{target.ID}, "uptime", "df -h")
	exec := h.start(t, job.ID)

	summary := h.orch.Run(ctx, job, exec)

	assert.Equal(t, db.ExecutionStatusFailed, summary.Status)

	stored, err := h.executions.GetWithBranches(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, stored.Branches, 1)
	branch := stored.Branches[0]
	assert.Equal(t, db.ExecutionStatusFailed, branch.Status)
	assert.Contains(t, branch.ResultError, "authentication failed")

	// The first action carries the failure so the record shows where the
	// branch stopped; the transport was never touched.
	require.Len(t, branch.ActionResults, 1)
	ar := branch.ActionResults[0]
	assert.Equal(t, 1, ar.ActionOrder)
	assert.Equal(t, db.ActionStatusFailed, ar.Status)
	assert.Contains(t, ar.ResultError, "authentication failed")
	assert.Equal(t, "uptime", ar.CommandExecuted)
	assert.Zero(t, h.connector.dialCount("locked-1"))
}

func TestRunFailsWithoutActiveMethod(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), 4, func(_ context.Context, _, _ string, _ int) (*remote.Result, error) {
		return okResult("ok"), nil
	})
	ctx := context.Background()

	target := &db.Target{Name: "dark-1", OSType: "linux", IsActive: true}
	require.NoError(t, h.targets.Create(ctx, target))
	require.NoError(t, h.targets.CreateMethod(ctx, &db.CommunicationMethod{
		TargetID:   target.ID,
		MethodType: "ssh",
		IsActive:   false,
		Config:     `{"host":"dark-1","port":22}`,
	}))

	job := h.addJob(t, []uint64{target.ID}, "uptime")
	exec := h.start(t, job.ID)

	summary := h.orch.Run(ctx, job, exec)

	assert.Equal(t, db.ExecutionStatusFailed, summary.Status)

	stored, err := h.executions.GetWithBranches(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, stored.Branches, 1)
	assert.Equal(t, "no communication method", stored.Branches[0].ResultError)
	assert.Empty(t, stored.Branches[0].ActionResults)
	assert.Zero(t, h.connector.dialCount("dark-1"))
}

func TestRunUnsupportedMethodTypeIsFatal(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), 4, func(_ context.Context, _, _ string, _ int) (*remote.Result, error) {
		return okResult("ok"), nil
	})
	ctx := context.Background()

	// Only the fake ssh connector is registered; a winrm method has no
	// transport to serve it.
	target := &db.Target{Name: "win-1", OSType: "windows", IsActive: true}
	require.NoError(t, h.targets.Create(ctx, target))
	method := &db.CommunicationMethod{
		TargetID:   target.ID,
		MethodType: "winrm",
		IsPrimary:  true,
		IsActive:   true,
		Config:     `{"host":"win-1","port":5985}`,
	}
	require.NoError(t, h.targets.CreateMethod(ctx, method))
	blob, err := h.sealer.Seal(map[string]string{"username": "administrator", "password": "hunter2"})
	require.NoError(t, err)
	require.NoError(t, h.targets.CreateCredential(ctx, &db.Credential{
		CommunicationMethodID: method.ID,
		CredentialType:        "password",
		EncryptedCredentials:  blob,
	}))

	job := h.addJob(t, []uint64{target.ID}, "ipconfig", "hostname")
	exec := h.start(t, job.ID)

	summary := h.orch.Run(ctx, job, exec)

	assert.Equal(t, db.ExecutionStatusFailed, summary.Status)
	assert.Empty(t, h.recordedDelays(), "an unsupported method must not be retried")

	stored, err := h.executions.GetWithBranches(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, stored.Branches, 1)
	branch := stored.Branches[0]
	assert.Contains(t, branch.ResultError, "unsupported communication method")
	require.Len(t, branch.ActionResults, 1)
	assert.Equal(t, db.ActionStatusFailed, branch.ActionResults[0].Status)
	assert.Contains(t, branch.ActionResults[0].ResultError, "unsupported communication method")
}

func TestRunGatesOutputCapturePerAction(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), 4, func(_ context.Context, _, command string, _ int) (*remote.Result, error) {
		return okResult("output of " + command), nil
	})
	ctx := context.Background()

	target := h.addTarget(t, "app-1")
	job := h.addJobActions(t, []uint64{target.ID}, []repositories.NewAction{
		{
			Name:       "collect",
			Type:       db.JobTypeCommand,
			Parameters: map[string]any{"command": "journalctl -n 50"},
		},
		{
			Name:       "rotate secret",
			Type:       db.JobTypeCommand,
			Parameters: map[string]any{"command": "regenerate-token"},
			Config:     map[string]any{"captureOutput": false},
		},
	})
	exec := h.start(t, job.ID)

	summary := h.orch.Run(ctx, job, exec)
	assert.Equal(t, db.ExecutionStatusCompleted, summary.Status)

	results, err := h.executions.ActionResults(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NotNil(t, results[0].ResultOutput)
	assert.Equal(t, "output of journalctl -n 50", *results[0].ResultOutput)

	// Output capture is off for the second action: no stdout is stored, but
	// the exit code still is.
	assert.Nil(t, results[1].ResultOutput)
	require.NotNil(t, results[1].ExitCode)
	assert.Zero(t, *results[1].ExitCode)
}

func TestSelectMethod(t *testing.T) {
	primary := db.CommunicationMethod{MethodType: "ssh", IsPrimary: true, IsActive: true}
	secondary := db.CommunicationMethod{MethodType: "winrm", IsActive: true}
	inactive := db.CommunicationMethod{MethodType: "ssh", IsPrimary: true, IsActive: false}

	got := selectMethod([]db.CommunicationMethod{secondary, primary})
	require.NotNil(t, got)
	assert.True(t, got.IsPrimary, "an active primary wins over an earlier non-primary")

	got = selectMethod([]db.CommunicationMethod{inactive, secondary})
	require.NotNil(t, got)
	assert.Equal(t, "winrm", got.MethodType, "inactive primaries are skipped")

	assert.Nil(t, selectMethod([]db.CommunicationMethod{inactive}))
	assert.Nil(t, selectMethod(nil))
}

func TestFailureText(t *testing.T) {
	assert.Equal(t, "boom", failureText(nil, errors.New("boom")))
	assert.Equal(t, "command produced no result", failureText(nil, nil))
	assert.Equal(t, "permission denied", failureText(&remote.Result{Stderr: " permission denied \n", ExitCode: 1}, nil))
	assert.Equal(t, "command exited with code 7", failureText(&remote.Result{ExitCode: 7}, nil))
}
