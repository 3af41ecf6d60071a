package repositories

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/internal/credentials"
	"github.com/drover-io/drover/internal/db"
)

func TestTargetCreateAllocatesSerial(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	first := &db.Target{Name: "web-1", OSType: "linux", IsActive: true}
	require.NoError(t, f.targets.Create(ctx, first))
	assert.Equal(t, "T-000001", first.Serial)

	second := &db.Target{Name: "web-2", OSType: "linux", IsActive: true}
	require.NoError(t, f.targets.Create(ctx, second))
	assert.Equal(t, "T-000002", second.Serial)

	// A pre-assigned serial is kept, and duplicates are refused.
	dup := &db.Target{Serial: "T-000001", Name: "evil twin"}
	require.ErrorIs(t, f.targets.Create(ctx, dup), ErrConflict)
}

func TestGetWithMethodsOrdersByPriority(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	ctx := context.Background()

	for _, m := range []db.CommunicationMethod{
		{TargetID: target.ID, MethodType: "winrm", Priority: 2, IsActive: true, Config: `{"host":"10.0.0.1","port":5985}`},
		{TargetID: target.ID, MethodType: "ssh", Priority: 0, IsPrimary: true, IsActive: true, Config: `{"host":"10.0.0.1","port":22}`},
		{TargetID: target.ID, MethodType: "ssh", Priority: 1, IsActive: true, Config: `{"host":"10.0.0.2","port":22}`},
	} {
		m := m
		require.NoError(t, f.targets.CreateMethod(ctx, &m))
	}

	loaded, err := f.targets.GetWithMethods(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, loaded.CommunicationMethods, 3)
	assert.Equal(t, 0, loaded.CommunicationMethods[0].Priority)
	assert.True(t, loaded.CommunicationMethods[0].IsPrimary)
	assert.Equal(t, 1, loaded.CommunicationMethods[1].Priority)
	assert.Equal(t, 2, loaded.CommunicationMethods[2].Priority)

	cfg, err := loaded.CommunicationMethods[0].Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Host)
	assert.Equal(t, 22, cfg.Port)
}

func TestGetWithMethodsAttachesCredentials(t *testing.T) {
	f := newFixtures(t)
	target := f.target(t, "web-1")
	ctx := context.Background()

	method := &db.CommunicationMethod{TargetID: target.ID, MethodType: "ssh", IsActive: true, Config: `{"host":"10.0.0.1","port":22}`}
	require.NoError(t, f.targets.CreateMethod(ctx, method))

	sealer, err := credentials.NewAESGCM([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	blob, err := sealer.Seal(map[string]string{"username": "root", "password": "pw"})
	require.NoError(t, err)

	require.NoError(t, f.targets.CreateCredential(ctx, &db.Credential{
		CommunicationMethodID: method.ID,
		CredentialType:        credentials.TypePassword,
		EncryptedCredentials:  blob,
		IsPrimary:             true,
	}))

	loaded, err := f.targets.GetWithMethods(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, loaded.CommunicationMethods, 1)
	require.Len(t, loaded.CommunicationMethods[0].Credentials, 1)
	assert.Equal(t, credentials.TypePassword, loaded.CommunicationMethods[0].Credentials[0].CredentialType)
}

// dumpAllTables renders every row of every table as text, for scanning.
func dumpAllTables(t *testing.T, f *fixtures) string {
	t.Helper()
	var names []string
	require.NoError(t, f.db.Raw(`SELECT name FROM sqlite_master WHERE type = 'table'`).Scan(&names).Error)

	var sb strings.Builder
	for _, name := range names {
		var rows []map[string]interface{}
		require.NoError(t, f.db.Table(name).Find(&rows).Error)
		for _, row := range rows {
			for col, val := range row {
				fmt.Fprintf(&sb, "%s.%s=%v\n", name, col, val)
			}
		}
	}
	return sb.String()
}

func TestCredentialPlaintextNeverPersisted(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	const (
		secretPassword    = "s3cr3t-Xq9verbatim"
		secretKeyMaterial = "FAKE-KEY-MATERIAL-7f3b-verbatim"
		secretPassphrase  = "passphrase-1g8z-verbatim"
	)

	sealer, err := credentials.NewAESGCM([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	target := f.target(t, "web-1")
	method := &db.CommunicationMethod{TargetID: target.ID, MethodType: "ssh", IsPrimary: true, IsActive: true, Config: `{"host":"10.0.0.1","port":22}`}
	require.NoError(t, f.targets.CreateMethod(ctx, method))

	passwordBlob, err := sealer.Seal(map[string]string{"username": "root", "password": secretPassword})
	require.NoError(t, err)
	require.NoError(t, f.targets.CreateCredential(ctx, &db.Credential{
		CommunicationMethodID: method.ID,
		CredentialType:        credentials.TypePassword,
		EncryptedCredentials:  passwordBlob,
		IsPrimary:             true,
	}))

	keyBlob, err := sealer.Seal(map[string]string{
		"username":    "root",
		"private_key": secretKeyMaterial,
		"passphrase":  secretPassphrase,
	})
	require.NoError(t, err)
	require.NoError(t, f.targets.CreateCredential(ctx, &db.Credential{
		CommunicationMethodID: method.ID,
		CredentialType:        credentials.TypeSSHKey,
		EncryptedCredentials:  keyBlob,
	}))

	// Exercise the rest of the write surface so the scan covers every table
	// the engine touches.
	job := f.job(t, []uint64{target.ID}, "uptime")
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
	require.NoError(t, f.executions.BulkCreateLogs(ctx, []db.ExecutionLog{
		{ExecutionID: exec.ID, Level: "info", Message: "branch 001 started against target " + target.Serial, Timestamp: nowUTC()},
	}))
	require.NoError(t, f.audits.Create(ctx, &db.AuditEvent{
		EventType:    "JOB_EXECUTED",
		ResourceKind: "job",
		ResourceID:   job.Serial,
		Action:       "execute",
		Details:      `{"execution_serial":"` + exec.Serial + `"}`,
	}))

	dump := dumpAllTables(t, f)
	assert.NotContains(t, dump, secretPassword)
	assert.NotContains(t, dump, secretKeyMaterial)
	assert.NotContains(t, dump, secretPassphrase)

	// The sealed blobs themselves are stored and still open.
	var stored []db.Credential
	require.NoError(t, f.db.Find(&stored).Error)
	require.Len(t, stored, 2)
	plain, err := sealer.Decrypt(stored[0].EncryptedCredentials)
	require.NoError(t, err)
	assert.Equal(t, secretPassword, plain["password"])
}

func TestListByIDs(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	a := f.target(t, "a")
	b := f.target(t, "b")
	f.target(t, "c")

	got, err := f.targets.ListByIDs(ctx, []uint64{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID, "results come back in id order")

	empty, err := f.targets.ListByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = f.targets.GetByID(ctx, 9999)
	require.ErrorIs(t, err, ErrNotFound)
}
