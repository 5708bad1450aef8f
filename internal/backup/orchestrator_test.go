package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sqlDumpScript = `printf 'CREATE TABLE orders (id INT);\nINSERT INTO orders VALUES (1);\n'`

func TestCreateBackupRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateBackupRequest
		wantErr bool
	}{
		{name: "minimal", req: CreateBackupRequest{Type: BackupTypeFull}},
		{name: "missing type", req: CreateBackupRequest{}, wantErr: true},
		{name: "unknown type", req: CreateBackupRequest{Type: "snapshot"}, wantErr: true},
		{name: "retention too long", req: CreateBackupRequest{Type: BackupTypeFull, RetentionDays: MaxRetentionDays + 1}, wantErr: true},
		{name: "priority out of range", req: CreateBackupRequest{Type: BackupTypeFull, Priority: 11}, wantErr: true},
		{name: "unknown location", req: CreateBackupRequest{Type: BackupTypeFull, StorageLocation: "tape"}, wantErr: true},
		{name: "unknown compression", req: CreateBackupRequest{Type: BackupTypeFull, Compression: "brotli"}, wantErr: true},
		{name: "regions without multi-region", req: CreateBackupRequest{Type: BackupTypeFull, Regions: []string{"eu-west-1"}}, wantErr: true},
		{
			name: "multi-region with regions",
			req:  CreateBackupRequest{Type: BackupTypeFull, StorageLocation: StorageLocationMultiRegion, Regions: []string{"eu-west-1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOrchestrator_CreateBackup_RunsPipeline(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := context.Background()

	created, err := e.orchestrator.CreateBackup(ctx, CreateBackupRequest{
		TenantID:           "tenant-a",
		Type:               BackupTypeFull,
		CompressionEnabled: true,
		Compression:        CompressionGzip,
	})
	require.NoError(t, err)
	assert.Equal(t, BackupStatusPending, created.Status)
	assert.Equal(t, "tenant-a", created.TenantID)
	assert.Equal(t, StorageLocationLocalDisk, created.StorageLocation)
	assert.Equal(t, BackupTypeFull.Defaults().RetentionDays, created.RetentionDays)
	assert.Equal(t, created.StartedAt.AddDate(0, 0, created.RetentionDays), created.ExpiresAt)
	assert.Equal(t, "system", created.CreatedBy)

	done := e.waitForStatus(t, created.ID, BackupStatusCompleted, BackupStatusFailed)
	require.Equal(t, BackupStatusCompleted, done.Status, done.ErrorMessage)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, CompressionGzip, done.Compression)
	assert.NotEmpty(t, done.Checksum)
	assert.Greater(t, done.SizeBytes, int64(0))
	assert.False(t, done.IsVerified)

	info, err := e.backend.GetMetadata(ctx, done.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, done.SizeBytes, info.Size)
	assert.Equal(t, done.Checksum, info.Checksum)
	assert.Equal(t, done.ID, info.Metadata[MetaBackupID])

	var statuses []BackupStatus
	for _, change := range done.StatusHistory {
		statuses = append(statuses, change.To)
	}
	assert.Equal(t, []BackupStatus{BackupStatusInProgress, BackupStatusCompleted}, statuses)
}

func TestOrchestrator_CreateBackup_Rejects(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)

	tests := []struct {
		name  string
		ctx   context.Context
		req   CreateBackupRequest
		check func(error) bool
	}{
		{
			name:  "invalid request",
			ctx:   context.Background(),
			req:   CreateBackupRequest{TenantID: "tenant-a"},
			check: IsValidation,
		},
		{
			name:  "missing tenant",
			ctx:   context.Background(),
			req:   CreateBackupRequest{Type: BackupTypeFull},
			check: IsValidation,
		},
		{
			name: "foreign tenant",
			ctx:  WithCaller(context.Background(), Caller{TenantID: "tenant-b"}),
			req:  CreateBackupRequest{TenantID: "tenant-a", Type: BackupTypeFull},
			check: func(err error) bool {
				return ErrorTypeOf(err) == BackupErrorTypePermission
			},
		},
		{
			name:  "unconfigured location",
			ctx:   context.Background(),
			req:   CreateBackupRequest{TenantID: "tenant-a", Type: BackupTypeFull, StorageLocation: StorageLocationPrimary},
			check: func(err error) bool { return err != nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.orchestrator.CreateBackup(tt.ctx, tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}

	all, err := e.store.Backups.FindMany(context.Background(), BackupFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOrchestrator_CallerTenantIsUsed(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := WithCaller(context.Background(), Caller{TenantID: "tenant-a", UserID: "alice"})

	created, err := e.orchestrator.CreateBackup(ctx, CreateBackupRequest{Type: BackupTypeFull})
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", created.TenantID)
	assert.Equal(t, "alice", created.CreatedBy)

	other := WithCaller(context.Background(), Caller{TenantID: "tenant-b"})
	_, err = e.orchestrator.GetBackup(other, created.ID)
	assert.Equal(t, BackupErrorTypePermission, ErrorTypeOf(err))

	admin := WithCaller(context.Background(), Caller{TenantID: "ops", Permissions: []string{PermissionAdmin}})
	got, err := e.orchestrator.GetBackup(admin, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestOrchestrator_DifferentialWithoutFullFails(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)

	created, err := e.orchestrator.CreateBackup(context.Background(), CreateBackupRequest{
		TenantID: "tenant-a",
		Type:     BackupTypeDifferential,
	})
	require.NoError(t, err)

	failed := e.waitForStatus(t, created.ID, BackupStatusFailed, BackupStatusCompleted)
	assert.Equal(t, BackupStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "no completed full backup")
	require.Len(t, failed.StatusHistory, 1, "the backup must never start")
	assert.Equal(t, BackupStatusPending, failed.StatusHistory[0].From)
	assert.Equal(t, BackupStatusFailed, failed.StatusHistory[0].To)

	require.Eventually(t, func() bool {
		return len(e.notifier.ofType(AlertTypeBackupFailed)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	alert := e.notifier.ofType(AlertTypeBackupFailed)[0]
	assert.Equal(t, "tenant-a", alert.TenantID)
	assert.Equal(t, created.ID, alert.BackupID)
}

func TestOrchestrator_TransientDumpFailureIsRetried(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempted")
	script := fmt.Sprintf(`if [ ! -f %q ]; then touch %q; echo "lock wait timeout" >&2; exit 1; fi; %s`, marker, marker, sqlDumpScript)
	e := newTestEngine(t, script)

	created, err := e.orchestrator.CreateBackup(context.Background(), CreateBackupRequest{TenantID: "tenant-a", Type: BackupTypeFull})
	require.NoError(t, err)

	done := e.waitForStatus(t, created.ID, BackupStatusCompleted, BackupStatusFailed)
	assert.Equal(t, BackupStatusCompleted, done.Status)
	assert.Empty(t, done.ErrorMessage)
	assert.Empty(t, e.notifier.ofType(AlertTypeBackupFailed))
}

func TestOrchestrator_DumpFailureExhaustsAttempts(t *testing.T) {
	e := newTestEngine(t, `echo "server gone away" >&2; exit 2`)

	created, err := e.orchestrator.CreateBackup(context.Background(), CreateBackupRequest{TenantID: "tenant-a", Type: BackupTypeFull})
	require.NoError(t, err)

	failed := e.waitForStatus(t, created.ID, BackupStatusFailed)
	assert.Contains(t, failed.ErrorMessage, "server gone away")

	exists, err := e.backend.Exists(context.Background(), failed.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOrchestrator_DefaultCompressionShrinksArtifact(t *testing.T) {
	e := newTestEngine(t, `yes 'INSERT INTO orders VALUES (1, "pending", 42.00);' | head -n 2000`)

	created, err := e.orchestrator.CreateBackup(context.Background(), CreateBackupRequest{
		TenantID:           "tenant-a",
		Type:               BackupTypeFull,
		CompressionEnabled: true,
	})
	require.NoError(t, err)

	done := e.waitForStatus(t, created.ID, BackupStatusCompleted, BackupStatusFailed)
	require.Equal(t, BackupStatusCompleted, done.Status, done.ErrorMessage)
	assert.Equal(t, CompressionGzip, done.Compression)
	assert.Less(t, done.CompressionRatio, 1.0)
}

func TestOrchestrator_FinalAttemptTimeoutFailsBackup(t *testing.T) {
	e := newTestEngine(t, `exec sleep 3`,
		withSQLiteCatalog(),
		withQueuePolicy(QueueBackupExecution, QueuePolicy{Workers: 1, Attempts: 1, Timeout: 300 * time.Millisecond}))

	created, err := e.orchestrator.CreateBackup(context.Background(), CreateBackupRequest{TenantID: "tenant-a", Type: BackupTypeFull})
	require.NoError(t, err)

	failed := e.waitForStatus(t, created.ID, BackupStatusFailed, BackupStatusCompleted)
	assert.Equal(t, BackupStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "did not finish")

	require.Eventually(t, func() bool {
		return len(e.notifier.ofType(AlertTypeBackupFailed)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_QueueStopFailsRunningBackup(t *testing.T) {
	e := newTestEngine(t, `exec sleep 5`, withSQLiteCatalog())
	ctx := context.Background()

	created, err := e.orchestrator.CreateBackup(ctx, CreateBackupRequest{TenantID: "tenant-a", Type: BackupTypeFull})
	require.NoError(t, err)
	e.waitForStatus(t, created.ID, BackupStatusInProgress)

	e.queue.Stop()

	stopped, err := e.store.Backups.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusFailed, stopped.Status)
	assert.Contains(t, stopped.ErrorMessage, "interrupted")
}

func TestOrchestrator_RecoverInterrupted(t *testing.T) {
	e := newTestEngine(t, `exec sleep 5`, withSQLiteCatalog())
	ctx := context.Background()

	orphanPending := seedBackup(t, e.store.Backups, &Backup{ID: "orphan-pending", TenantID: "tenant-a",
		Type: BackupTypeFull, Status: BackupStatusPending})
	orphanRunning := seedBackup(t, e.store.Backups, &Backup{ID: "orphan-running", TenantID: "tenant-a",
		Type: BackupTypeIncremental, Status: BackupStatusInProgress})
	settled := seedBackup(t, e.store.Backups, &Backup{ID: "settled", TenantID: "tenant-a",
		Type: BackupTypeFull, Status: BackupStatusCompleted, CompletedAt: timeAt(time.Now().UTC())})

	live, err := e.orchestrator.CreateBackup(ctx, CreateBackupRequest{TenantID: "tenant-b", Type: BackupTypeFull})
	require.NoError(t, err)
	e.waitForStatus(t, live.ID, BackupStatusInProgress)

	recovered, err := e.orchestrator.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	for _, b := range []*Backup{orphanPending, orphanRunning} {
		stored, err := e.store.Backups.FindByID(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, BackupStatusFailed, stored.Status, b.ID)
		assert.Contains(t, stored.ErrorMessage, "interrupted", b.ID)
	}

	stored, err := e.store.Backups.FindByID(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCompleted, stored.Status)

	running, err := e.store.Backups.FindByID(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusInProgress, running.Status, "a backup with a live job is left alone")
	assert.Len(t, e.notifier.ofType(AlertTypeBackupFailed), 2)

	recovered, err = e.orchestrator.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestOrchestrator_EncryptedBackupVerifyAndRestore(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript, withAutoVerify())
	ctx := context.Background()

	created, err := e.orchestrator.CreateBackup(ctx, CreateBackupRequest{
		TenantID:           "tenant-a",
		Type:               BackupTypeFull,
		CompressionEnabled: true,
		Compression:        CompressionZstd,
		EncryptionEnabled:  true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.EncryptionKeyID)

	verified := e.waitForStatus(t, created.ID, BackupStatusVerified, BackupStatusVerificationFailed, BackupStatusFailed)
	require.Equal(t, BackupStatusVerified, verified.Status, verified.ErrorMessage)
	assert.True(t, verified.IsVerified)
	assert.True(t, verified.IsRestorable())

	encrypted, err := IsEncrypted(filepath.Join(e.backend.BasePath(), filepath.FromSlash(verified.StoragePath)))
	require.NoError(t, err)
	assert.True(t, encrypted)

	handle, err := e.orchestrator.RestoreFromBackup(ctx, RestoreBackupRequest{BackupID: created.ID, Target: e.target})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	job, err := e.queue.Wait(waitCtx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, JobStateCompleted, job.State, job.LastError)
	assert.Equal(t, RestorePriority, job.Options.Priority)

	restored, err := os.ReadFile(e.target)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE orders (id INT);\nINSERT INTO orders VALUES (1);\n", string(restored))
}

func TestOrchestrator_RestoreRequiresVerifiedBackup(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := context.Background()

	completed := seedBackup(t, e.store.Backups, &Backup{
		ID: "b-completed", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusCompleted,
		CompletedAt: timeAt(time.Now().UTC()),
	})
	failed := seedBackup(t, e.store.Backups, &Backup{
		ID: "b-failed", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusFailed,
	})

	for _, b := range []*Backup{completed, failed} {
		_, err := e.orchestrator.RestoreFromBackup(ctx, RestoreBackupRequest{BackupID: b.ID})
		assert.True(t, IsConflict(err), "restore of %s should conflict", b.ID)
	}

	_, err := e.orchestrator.RestoreFromBackup(ctx, RestoreBackupRequest{BackupID: "missing"})
	assert.True(t, IsNotFound(err))

	_, err = e.orchestrator.RestoreFromBackup(ctx, RestoreBackupRequest{})
	assert.True(t, IsValidation(err))
}

func TestOrchestrator_VerifyRequiresCompletedBackup(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)

	pending := seedBackup(t, e.store.Backups, &Backup{
		ID: "b-pending", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusPending,
	})
	_, err := e.orchestrator.VerifyBackup(context.Background(), pending.ID)
	assert.True(t, IsConflict(err))
}

func TestOrchestrator_DeleteBackup(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := context.Background()

	b := seedBackup(t, e.store.Backups, &Backup{
		ID: "b-1", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusCompleted,
		CompletedAt: timeAt(time.Now().UTC()),
	})
	_, err := e.backend.Upload(ctx, writeTempFile(t, "dump"), b.StoragePath, nil)
	require.NoError(t, err)

	running := seedBackup(t, e.store.Backups, &Backup{
		ID: "b-running", TenantID: "tenant-a", Type: BackupTypeIncremental, Status: BackupStatusInProgress,
	})

	require.NoError(t, e.orchestrator.DeleteBackup(ctx, b.ID))
	_, err = e.store.Backups.FindByID(ctx, b.ID)
	assert.True(t, IsNotFound(err))
	exists, err := e.backend.Exists(ctx, b.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.True(t, IsConflict(e.orchestrator.DeleteBackup(ctx, running.ID)))
	assert.True(t, IsNotFound(e.orchestrator.DeleteBackup(ctx, b.ID)))
}

func TestOrchestrator_CleanupExpiredBackups(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := context.Background()
	now := time.Now().UTC()

	var expired []*Backup
	for i := 0; i < 2; i++ {
		b := seedBackup(t, e.store.Backups, &Backup{
			ID:          fmt.Sprintf("expired-%d", i),
			TenantID:    "tenant-a",
			Type:        BackupTypeIncremental,
			Status:      BackupStatusCompleted,
			StartedAt:   now.Add(-time.Duration(48+i) * time.Hour),
			CompletedAt: timeAt(now.Add(-47 * time.Hour)),
			ExpiresAt:   now.Add(-time.Hour),
		})
		_, err := e.backend.Upload(ctx, writeTempFile(t, "old"), b.StoragePath, nil)
		require.NoError(t, err)
		expired = append(expired, b)
	}
	keep := seedBackup(t, e.store.Backups, &Backup{
		ID: "fresh", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusCompleted,
		CompletedAt: timeAt(now), ExpiresAt: now.Add(24 * time.Hour),
	})
	running := seedBackup(t, e.store.Backups, &Backup{
		ID: "expired-running", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusInProgress,
		StartedAt: now.Add(-72 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	})

	deleted, err := e.orchestrator.CleanupExpiredBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	for _, b := range expired {
		_, err := e.store.Backups.FindByID(ctx, b.ID)
		assert.True(t, IsNotFound(err))
		exists, err := e.backend.Exists(ctx, b.StoragePath)
		require.NoError(t, err)
		assert.False(t, exists)
	}
	_, err = e.store.Backups.FindByID(ctx, keep.ID)
	assert.NoError(t, err)
	_, err = e.store.Backups.FindByID(ctx, running.ID)
	assert.NoError(t, err)

	deleted, err = e.orchestrator.CleanupExpiredBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Empty(t, e.notifier.ofType(AlertTypeCleanupFailed))
}

func TestOrchestrator_ListAndStatistics(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := context.Background()
	now := time.Now().UTC()

	seedBackup(t, e.store.Backups, &Backup{ID: "a1", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusCompleted,
		StartedAt: now.Add(-2 * time.Hour), CompletedAt: timeAt(now.Add(-time.Hour)), SizeBytes: 100})
	seedBackup(t, e.store.Backups, &Backup{ID: "a2", TenantID: "tenant-a", Type: BackupTypeIncremental, Status: BackupStatusFailed,
		StartedAt: now.Add(-time.Hour)})
	seedBackup(t, e.store.Backups, &Backup{ID: "b1", TenantID: "tenant-b", Type: BackupTypeFull, Status: BackupStatusCompleted,
		StartedAt: now.Add(-time.Hour), CompletedAt: timeAt(now), SizeBytes: 50})

	callerCtx := WithCaller(ctx, Caller{TenantID: "tenant-a"})
	list, err := e.orchestrator.ListBackups(callerCtx, BackupFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a2", list[0].ID)
	assert.Equal(t, "a1", list[1].ID)

	failed, err := e.orchestrator.ListBackups(callerCtx, BackupFilter{Statuses: []BackupStatus{BackupStatusFailed}}, 0, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	stats, err := e.orchestrator.GetBackupStatistics(callerCtx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, int64(100), stats.TotalSizeBytes)
}

func TestOrchestrator_FindOrphanedArtifacts(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	ctx := context.Background()

	known := seedBackup(t, e.store.Backups, &Backup{ID: "known", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusCompleted,
		CompletedAt: timeAt(time.Now().UTC())})
	_, err := e.backend.Upload(ctx, writeTempFile(t, "known"), known.StoragePath, nil)
	require.NoError(t, err)

	orphanPath := "backups/tenant-a/full/2020-01-01T00-00-00-000Z"
	_, err = e.backend.Upload(ctx, writeTempFile(t, "orphan"), orphanPath, nil)
	require.NoError(t, err)
	_, err = e.backend.Upload(ctx, writeTempFile(t, "other tenant"), "backups/tenant-b/full/2020-01-01T00-00-00-000Z", nil)
	require.NoError(t, err)

	orphans, err := e.orchestrator.FindOrphanedArtifacts(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphanPath, orphans[0].Path)
}
