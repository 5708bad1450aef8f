package backup

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeVerified uploads content and seeds a verified backup completed at completedAt
func storeVerified(t *testing.T, e *testEngine, id string, backupType BackupType, completedAt time.Time, content string) *Backup {
	t.Helper()
	b := storeCompleted(t, e, id, []byte(content))
	b.Type = backupType
	b.StartedAt = completedAt.Add(-time.Minute)
	b.CompletedAt = timeAt(completedAt)
	require.NoError(t, b.TransitionTo(BackupStatusVerifying, completedAt, ""))
	require.NoError(t, b.TransitionTo(BackupStatusVerified, completedAt, ""))
	require.NoError(t, e.store.Backups.Update(context.Background(), b))
	return b
}

func chainIDs(chain []*Backup) []string {
	ids := make([]string, 0, len(chain))
	for _, b := range chain {
		ids = append(ids, b.ID)
	}
	return ids
}

func TestSelectChain(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	at := func(hours float64) *time.Time {
		return timeAt(base.Add(time.Duration(hours * float64(time.Hour))))
	}
	mk := func(id string, backupType BackupType, hours float64) *Backup {
		return &Backup{ID: id, Type: backupType, CompletedAt: at(hours)}
	}
	since := func(b *Backup, hours float64) *Backup {
		b.Metadata = map[string]interface{}{"since": at(hours).Format(time.RFC3339Nano)}
		return b
	}

	tests := []struct {
		name       string
		candidates []*Backup
		want       []string
		gap        bool
	}{
		{
			name:       "no full backup",
			candidates: []*Backup{mk("inc", BackupTypeIncremental, 1), mk("diff", BackupTypeDifferential, 2)},
			want:       []string{},
		},
		{
			name:       "full only",
			candidates: []*Backup{mk("full", BackupTypeFull, 1)},
			want:       []string{"full"},
		},
		{
			name: "latest full with its incrementals",
			candidates: []*Backup{
				mk("full-1", BackupTypeFull, 1),
				mk("inc-1", BackupTypeIncremental, 1.5),
				mk("full-2", BackupTypeFull, 2),
				mk("inc-2", BackupTypeIncremental, 2.3),
				mk("inc-3", BackupTypeIncremental, 2.4),
			},
			want: []string{"full-2", "inc-2", "inc-3"},
		},
		{
			name: "differential replaces earlier incrementals",
			candidates: []*Backup{
				mk("full", BackupTypeFull, 2),
				mk("inc-1", BackupTypeIncremental, 2.1),
				mk("diff-1", BackupTypeDifferential, 2.15),
				mk("diff-2", BackupTypeDifferential, 2.2),
				mk("inc-2", BackupTypeIncremental, 2.3),
				mk("log", BackupTypePointInTime, 2.45),
			},
			want: []string{"full", "diff-2", "inc-2", "log"},
		},
		{
			name: "differential before the latest full is ignored",
			candidates: []*Backup{
				mk("full-1", BackupTypeFull, 1),
				mk("diff", BackupTypeDifferential, 1.5),
				mk("full-2", BackupTypeFull, 2),
			},
			want: []string{"full-2"},
		},
		{
			name: "logs only after the last incremental",
			candidates: []*Backup{
				mk("full", BackupTypeFull, 1),
				mk("log-1", BackupTypePointInTime, 1.2),
				mk("inc", BackupTypeIncremental, 1.4),
				mk("log-2", BackupTypePointInTime, 1.6),
			},
			want: []string{"full", "inc", "log-2"},
		},
		{
			name: "contiguous incrementals",
			candidates: []*Backup{
				mk("full", BackupTypeFull, 1),
				since(mk("inc-1", BackupTypeIncremental, 2), 0.5),
				since(mk("inc-2", BackupTypeIncremental, 3), 2),
			},
			want: []string{"full", "inc-1", "inc-2"},
		},
		{
			name: "chain stops at a missing incremental",
			candidates: []*Backup{
				mk("full", BackupTypeFull, 1),
				since(mk("inc-1", BackupTypeIncremental, 2), 0.5),
				// the incremental completed at hour 3 failed verification and is absent
				since(mk("inc-3", BackupTypeIncremental, 4), 3),
				since(mk("log", BackupTypePointInTime, 5), 4),
			},
			want: []string{"full", "inc-1"},
			gap:  true,
		},
		{
			name: "differential based on a newer full",
			candidates: []*Backup{
				mk("full", BackupTypeFull, 1),
				since(mk("diff", BackupTypeDifferential, 3), 2),
			},
			want: []string{"full"},
			gap:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, gap := selectChain(tt.candidates)
			assert.Equal(t, tt.want, chainIDs(chain))
			assert.Equal(t, tt.gap, gap != "", gap)
		})
	}
}

func TestRecoveryManager_CreateRecoveryPlan(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := context.Background()
	now := time.Now().UTC()

	full := storeVerified(t, e, "full", BackupTypeFull, now.Add(-5*time.Hour), "CREATE TABLE t (id INT);\n")
	diff := storeVerified(t, e, "diff", BackupTypeDifferential, now.Add(-4*time.Hour), "INSERT INTO t VALUES (1);\n")
	inc := storeVerified(t, e, "inc", BackupTypeIncremental, now.Add(-3*time.Hour), "INSERT INTO t VALUES (2);\n")
	// completed after the target, so it must not be part of the chain
	storeVerified(t, e, "late", BackupTypeIncremental, now.Add(-time.Hour), "INSERT INTO t VALUES (3);\n")
	// completed but never verified
	storeCompleted(t, e, "unverified", []byte("INSERT INTO t VALUES (4);\n"))

	target := now.Add(-2 * time.Hour)
	plan, err := e.recovery.CreateRecoveryPlan(ctx, "tenant-a", target)
	require.NoError(t, err)
	require.True(t, plan.CanRecover)
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, StepRestoreFull, plan.Steps[0].Type)
	assert.Equal(t, full.ID, plan.Steps[0].BackupID)
	assert.Equal(t, StepApplyDifferential, plan.Steps[1].Type)
	assert.Equal(t, diff.ID, plan.Steps[1].BackupID)
	assert.Equal(t, StepApplyIncremental, plan.Steps[2].Type)
	assert.Equal(t, inc.ID, plan.Steps[2].BackupID)
	for i, step := range plan.Steps {
		assert.Equal(t, i+1, step.Order)
		assert.Greater(t, step.EstimatedDuration, time.Duration(0))
	}

	assert.Equal(t, target.Sub(*inc.CompletedAt), plan.EstimatedDataLoss)
	assert.Equal(t, full.SizeBytes+diff.SizeBytes+inc.SizeBytes, plan.TotalSizeBytes)
	assert.Equal(t,
		plan.Steps[0].EstimatedDuration+plan.Steps[1].EstimatedDuration+plan.Steps[2].EstimatedDuration,
		plan.EstimatedDuration)
}

func TestRecoveryManager_PlanWithoutFullBackup(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	now := time.Now().UTC()
	storeVerified(t, e, "inc", BackupTypeIncremental, now.Add(-time.Hour), "INSERT INTO t VALUES (1);\n")

	plan, err := e.recovery.CreateRecoveryPlan(context.Background(), "tenant-a", now)
	require.NoError(t, err)
	assert.False(t, plan.CanRecover)
	assert.Empty(t, plan.Steps)
	assert.Contains(t, plan.Warnings, NoSuitableBackup)

	_, err = e.recovery.ExecuteRecovery(context.Background(), plan, RecoveryOptions{})
	assert.True(t, IsConflict(err))
}

func TestRecoveryManager_PlanStopsAtChainGap(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := context.Background()
	now := time.Now().UTC()

	full := storeVerified(t, e, "full", BackupTypeFull, now.Add(-4*time.Hour), "CREATE TABLE t (id INT);\n")
	first := storeVerified(t, e, "inc-1", BackupTypeIncremental, now.Add(-3*time.Hour), "INSERT INTO t VALUES (1);\n")
	third := storeVerified(t, e, "inc-3", BackupTypeIncremental, now.Add(-time.Hour), "INSERT INTO t VALUES (3);\n")

	first.Metadata["since"] = full.CompletedAt.Format(time.RFC3339Nano)
	require.NoError(t, e.store.Backups.Update(ctx, first))
	// inc-2 covered hours -3 to -2 and never verified
	third.Metadata["since"] = now.Add(-2 * time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, e.store.Backups.Update(ctx, third))

	plan, err := e.recovery.CreateRecoveryPlan(ctx, "tenant-a", now)
	require.NoError(t, err)
	require.True(t, plan.CanRecover)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "inc-1", plan.Steps[1].BackupID)
	assert.Equal(t, now.Sub(*first.CompletedAt), plan.EstimatedDataLoss)

	found := false
	for _, w := range plan.Warnings {
		if strings.Contains(w, "chain stops at inc-1") {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", plan.Warnings)
}

func TestRecoveryManager_PlanRejectsTargets(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	now := time.Now().UTC()

	_, err := e.recovery.CreateRecoveryPlan(context.Background(), "tenant-a", now.Add(time.Hour))
	assert.True(t, IsValidation(err))

	_, err = e.recovery.CreateRecoveryPlan(context.Background(), "tenant-a", now.Add(-MaxRecoveryAge-24*time.Hour))
	assert.True(t, IsValidation(err))

	other := WithCaller(context.Background(), Caller{TenantID: "tenant-b"})
	_, err = e.recovery.CreateRecoveryPlan(other, "tenant-a", now)
	assert.Equal(t, BackupErrorTypePermission, ErrorTypeOf(err))
}

func TestRecoveryManager_PlanWarnings(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	now := time.Now().UTC()
	full := storeVerified(t, e, "old-full", BackupTypeFull, now.Add(-40*24*time.Hour), "CREATE TABLE t (id INT);\n")
	full.EncryptionKeyID = "key-1"
	full.RPOMinutes = 60
	require.NoError(t, e.store.Backups.Update(context.Background(), full))

	plan, err := e.recovery.CreateRecoveryPlan(context.Background(), "tenant-a", now)
	require.NoError(t, err)
	require.True(t, plan.CanRecover)

	joined := ""
	for _, w := range plan.Warnings {
		joined += w + "\n"
	}
	assert.Contains(t, joined, "days old")
	assert.Contains(t, joined, "encrypted")
	assert.Contains(t, joined, "RPO")
}

func TestRecoveryManager_DryRun(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	now := time.Now().UTC()
	storeVerified(t, e, "full", BackupTypeFull, now.Add(-2*time.Hour), "CREATE TABLE t (id INT);\n")
	storeVerified(t, e, "inc", BackupTypeIncremental, now.Add(-time.Hour), "INSERT INTO t VALUES (1);\n")

	plan, err := e.recovery.CreateRecoveryPlan(context.Background(), "tenant-a", now)
	require.NoError(t, err)

	execution, err := e.recovery.ExecuteRecovery(context.Background(), plan, RecoveryOptions{DryRun: true, Target: e.target})
	require.NoError(t, err)
	assert.True(t, execution.DryRun)
	assert.Equal(t, RecoveryStatusCompleted, execution.Status)
	assert.Equal(t, time.Duration(0), execution.Duration)
	require.Len(t, execution.Steps, 2)
	for _, step := range execution.Steps {
		assert.Equal(t, StepStatusValidated, step.Status)
	}

	_, err = os.Stat(e.target)
	assert.True(t, os.IsNotExist(err), "dry run must not touch the target")
}

func TestRecoveryManager_ExecuteRecovery(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	now := time.Now().UTC()
	storeVerified(t, e, "full", BackupTypeFull, now.Add(-3*time.Hour), "CREATE TABLE t (id INT);\n")
	storeVerified(t, e, "diff", BackupTypeDifferential, now.Add(-2*time.Hour), "INSERT INTO t VALUES (1);\n")
	storeVerified(t, e, "inc", BackupTypeIncremental, now.Add(-time.Hour), "INSERT INTO t VALUES (2);\n")

	plan, err := e.recovery.CreateRecoveryPlan(context.Background(), "tenant-a", now)
	require.NoError(t, err)

	execution, err := e.recovery.ExecuteRecovery(context.Background(), plan, RecoveryOptions{Target: e.target})
	require.NoError(t, err)
	assert.Equal(t, RecoveryStatusCompleted, execution.Status, execution.Errors)
	assert.Equal(t, 3, execution.CompletedSteps())
	assert.Empty(t, e.notifier.ofType(AlertTypeRecoveryFailed))

	restored, err := os.ReadFile(e.target)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id INT);\nINSERT INTO t VALUES (1);\nINSERT INTO t VALUES (2);\n", string(restored))
}

func TestRecoveryManager_PlanInvalidatedBeforeExecution(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	now := time.Now().UTC()
	full := storeVerified(t, e, "full", BackupTypeFull, now.Add(-2*time.Hour), "CREATE TABLE t (id INT);\n")
	storeVerified(t, e, "inc", BackupTypeIncremental, now.Add(-time.Hour), "INSERT INTO t VALUES (1);\n")

	plan, err := e.recovery.CreateRecoveryPlan(context.Background(), "tenant-a", now)
	require.NoError(t, err)

	require.NoError(t, e.backend.Delete(context.Background(), full.StoragePath))

	execution, err := e.recovery.ExecuteRecovery(context.Background(), plan, RecoveryOptions{Target: e.target})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	require.NotNil(t, execution)
	assert.Equal(t, RecoveryStatusFailed, execution.Status)
	for _, step := range execution.Steps {
		assert.Equal(t, StepStatusSkipped, step.Status)
	}
	assert.Len(t, e.notifier.ofType(AlertTypeRecoveryFailed), 1)
}

func TestRecoveryManager_FailedIncrementalIsPartial(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	now := time.Now().UTC()
	storeVerified(t, e, "full", BackupTypeFull, now.Add(-2*time.Hour), "CREATE TABLE t (id INT);\n")
	inc := storeVerified(t, e, "inc", BackupTypeIncremental, now.Add(-time.Hour), "INSERT INTO t VALUES (1);\n")

	plan, err := e.recovery.CreateRecoveryPlan(context.Background(), "tenant-a", now)
	require.NoError(t, err)

	// the record no longer matches the stored artifact, so materializing it fails
	inc.Checksum = "0000"
	require.NoError(t, e.store.Backups.Update(context.Background(), inc))

	execution, err := e.recovery.ExecuteRecovery(context.Background(), plan, RecoveryOptions{Target: e.target})
	require.NoError(t, err)
	assert.Equal(t, RecoveryStatusPartial, execution.Status)
	require.Len(t, execution.Steps, 2)
	assert.Equal(t, StepStatusCompleted, execution.Steps[0].Status)
	assert.Equal(t, StepStatusFailed, execution.Steps[1].Status)
	assert.Equal(t, 1, execution.CompletedSteps())
}

func TestRecoveryManager_ListRecoveryPoints(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	now := time.Now().UTC()
	storeVerified(t, e, "older", BackupTypeFull, now.Add(-2*time.Hour), "CREATE TABLE t (id INT);\n")
	storeVerified(t, e, "newer", BackupTypeIncremental, now.Add(-time.Hour), "INSERT INTO t VALUES (1);\n")
	storeCompleted(t, e, "unverified", []byte("INSERT INTO t VALUES (2);\n"))

	points, err := e.recovery.ListRecoveryPoints(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "newer", points[0].BackupID)
	assert.Equal(t, "older", points[1].BackupID)
}
