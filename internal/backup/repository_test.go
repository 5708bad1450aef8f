package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-backup/internal/database"
	"tenant-backup/internal/logging"
)

type storeFactory func(t *testing.T) *Store

func repositoryBackends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) *Store {
			return NewMemoryStore()
		},
		"sqlite": newSQLiteTestStore,
	}
}

func newSQLiteTestStore(t *testing.T) *Store {
	t.Helper()
	svc := database.NewService(logging.NewNopLogger())
	db, err := svc.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	store, err := OpenSQLStore(context.Background(), db, DialectSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store *Store)) {
	for name, factory := range repositoryBackends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

var repoBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBackupRepository_CRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *Store) {
		ctx := context.Background()
		b := seedBackup(t, store.Backups, &Backup{
			ID:              "b-1",
			TenantID:        "tenant-a",
			Type:            BackupTypeFull,
			Status:          BackupStatusPending,
			StartedAt:       repoBase,
			Regions:         []string{"eu-west-1"},
			Metadata:        map[string]interface{}{"job_id": "j-1"},
			Compression:     CompressionGzip,
			EncryptionKeyID: "k-1",
		})

		loaded, err := store.Backups.FindByID(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "tenant-a", loaded.TenantID)
		assert.Equal(t, BackupStatusPending, loaded.Status)
		assert.Equal(t, []string{"eu-west-1"}, loaded.Regions)
		assert.Equal(t, "j-1", loaded.Metadata["job_id"])
		assert.True(t, repoBase.Equal(loaded.StartedAt))
		assert.Nil(t, loaded.CompletedAt)

		require.NoError(t, loaded.TransitionTo(BackupStatusInProgress, repoBase.Add(time.Second), ""))
		require.NoError(t, loaded.TransitionTo(BackupStatusCompleted, repoBase.Add(time.Minute), ""))
		loaded.SizeBytes = 2048
		loaded.Checksum = "abc"
		require.NoError(t, store.Backups.Update(ctx, loaded))

		updated, err := store.Backups.FindByID(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, BackupStatusCompleted, updated.Status)
		assert.Equal(t, int64(2048), updated.SizeBytes)
		require.NotNil(t, updated.CompletedAt)
		assert.Len(t, updated.StatusHistory, 2)

		require.NoError(t, store.Backups.Delete(ctx, b.ID))
		_, err = store.Backups.FindByID(ctx, b.ID)
		assert.True(t, IsNotFound(err))
		assert.True(t, IsNotFound(store.Backups.Delete(ctx, b.ID)))
		assert.True(t, IsNotFound(store.Backups.Update(ctx, updated)))
	})
}

func TestBackupRepository_ReturnsCopies(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *Store) {
		ctx := context.Background()
		seedBackup(t, store.Backups, &Backup{ID: "b-1", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusPending})

		first, err := store.Backups.FindByID(ctx, "b-1")
		require.NoError(t, err)
		first.Status = BackupStatusFailed

		second, err := store.Backups.FindByID(ctx, "b-1")
		require.NoError(t, err)
		assert.Equal(t, BackupStatusPending, second.Status)
	})
}

func TestBackupRepository_FindMany(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *Store) {
		ctx := context.Background()
		verified := true
		for i, b := range []*Backup{
			{ID: "a-full", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusVerified, IsVerified: true},
			{ID: "a-inc", TenantID: "tenant-a", Type: BackupTypeIncremental, Status: BackupStatusCompleted},
			{ID: "a-failed", TenantID: "tenant-a", Type: BackupTypeIncremental, Status: BackupStatusFailed},
			{ID: "b-full", TenantID: "tenant-b", Type: BackupTypeFull, Status: BackupStatusCompleted},
		} {
			b.StartedAt = repoBase.Add(time.Duration(i) * time.Hour)
			seedBackup(t, store.Backups, b)
		}

		all, err := store.Backups.FindMany(ctx, BackupFilter{TenantID: "tenant-a"}, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a-failed", all[0].ID, "newest first")
		assert.Equal(t, "a-full", all[2].ID)

		page, err := store.Backups.FindMany(ctx, BackupFilter{TenantID: "tenant-a"}, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "a-inc", page[0].ID)

		incs, err := store.Backups.FindMany(ctx, BackupFilter{
			TenantID: "tenant-a",
			Type:     BackupTypeIncremental,
			Statuses: []BackupStatus{BackupStatusCompleted},
		}, 0, 0)
		require.NoError(t, err)
		require.Len(t, incs, 1)
		assert.Equal(t, "a-inc", incs[0].ID)

		onlyVerified, err := store.Backups.FindMany(ctx, BackupFilter{IsVerified: &verified}, 0, 0)
		require.NoError(t, err)
		require.Len(t, onlyVerified, 1)
		assert.Equal(t, "a-full", onlyVerified[0].ID)

		window, err := store.Backups.FindMany(ctx, BackupFilter{
			StartedAfter:  timeAt(repoBase.Add(time.Hour)),
			StartedBefore: timeAt(repoBase.Add(2 * time.Hour)),
		}, 0, 0)
		require.NoError(t, err)
		assert.Len(t, window, 2, "bounds are inclusive")
	})
}

func TestBackupRepository_FindExpiredAndUnverified(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *Store) {
		ctx := context.Background()
		now := repoBase.Add(48 * time.Hour)

		seedBackup(t, store.Backups, &Backup{ID: "expired", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusVerified, StartedAt: repoBase, ExpiresAt: now.Add(-time.Minute)})
		seedBackup(t, store.Backups, &Backup{ID: "fresh", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusCompleted, StartedAt: repoBase, CompletedAt: timeAt(now.Add(-time.Hour)),
			ExpiresAt: now.Add(time.Hour)})
		seedBackup(t, store.Backups, &Backup{ID: "too-recent", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusCompleted, StartedAt: repoBase, CompletedAt: timeAt(now.Add(-time.Second)),
			ExpiresAt: now.Add(time.Hour)})
		seedBackup(t, store.Backups, &Backup{ID: "expired-running", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusInProgress, StartedAt: repoBase, ExpiresAt: now.Add(-time.Minute)})
		seedBackup(t, store.Backups, &Backup{ID: "expired-verifying", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusVerifying, StartedAt: repoBase, CompletedAt: timeAt(repoBase.Add(time.Minute)),
			ExpiresAt: now.Add(-time.Minute)})

		expired, err := store.Backups.FindExpired(ctx, now)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "expired", expired[0].ID)

		unverified, err := store.Backups.FindUnverified(ctx, now.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, unverified, 1)
		assert.Equal(t, "fresh", unverified[0].ID)
	})
}

func TestBackupRepository_FindLatestByType(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		latest, err := store.Backups.FindLatestByType(ctx, "tenant-a", BackupTypeFull)
		require.NoError(t, err)
		assert.Nil(t, latest)

		seedBackup(t, store.Backups, &Backup{ID: "old", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusVerified, StartedAt: repoBase, CompletedAt: timeAt(repoBase.Add(time.Minute))})
		seedBackup(t, store.Backups, &Backup{ID: "new", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusCompleted, StartedAt: repoBase.Add(time.Hour), CompletedAt: timeAt(repoBase.Add(61 * time.Minute))})
		seedBackup(t, store.Backups, &Backup{ID: "broken", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusFailed, StartedAt: repoBase.Add(2 * time.Hour)})

		latest, err = store.Backups.FindLatestByType(ctx, "tenant-a", BackupTypeFull)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "new", latest.ID)
	})
}

func TestBackupRepository_Statistics(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *Store) {
		ctx := context.Background()
		seedBackup(t, store.Backups, &Backup{ID: "ok-1", TenantID: "tenant-a", Type: BackupTypeFull,
			Status: BackupStatusVerified, SizeBytes: 100, StartedAt: repoBase,
			CompletedAt: timeAt(repoBase.Add(2 * time.Minute))})
		seedBackup(t, store.Backups, &Backup{ID: "ok-2", TenantID: "tenant-a", Type: BackupTypeIncremental,
			Status: BackupStatusCompleted, SizeBytes: 300, StartedAt: repoBase.Add(time.Hour),
			CompletedAt: timeAt(repoBase.Add(time.Hour + 4*time.Minute)), StorageLocation: StorageLocationPrimary})
		seedBackup(t, store.Backups, &Backup{ID: "bad", TenantID: "tenant-a", Type: BackupTypeIncremental,
			Status: BackupStatusFailed, StartedAt: repoBase.Add(2 * time.Hour)})
		seedBackup(t, store.Backups, &Backup{ID: "other", TenantID: "tenant-b", Type: BackupTypeFull,
			Status: BackupStatusVerified, SizeBytes: 999, StartedAt: repoBase})

		stats, err := store.Backups.GetStatistics(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 1, stats.ByStatus[BackupStatusFailed])
		assert.Equal(t, 2, stats.ByType[BackupTypeIncremental])
		assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.0001)
		assert.Equal(t, int64(400), stats.TotalSizeBytes)
		assert.Equal(t, int64(200), stats.AverageSize)
		assert.Equal(t, 3*time.Minute, stats.AverageDuration)
		assert.Equal(t, int64(300), stats.StorageUsage[StorageLocationPrimary])
		require.NotNil(t, stats.LastBackupAt)
		assert.True(t, repoBase.Add(2*time.Hour).Equal(*stats.LastBackupAt))

		empty, err := store.Backups.GetStatistics(ctx, "tenant-none")
		require.NoError(t, err)
		assert.Zero(t, empty.Total)
		assert.Zero(t, empty.SuccessRate)
	})
}

func TestJobRepository_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *Store) {
		ctx := context.Background()
		jobs := []*BackupJob{
			{ID: "j-1", TenantID: "tenant-a", BackupType: BackupTypeFull, Schedule: "0 2 * * *", Enabled: true,
				Config: JobConfig{EncryptionEnabled: true, Regions: []string{"us-east-1"}}, Status: JobStatusIdle,
				CreatedAt: repoBase, UpdatedAt: repoBase},
			{ID: "j-2", TenantID: "tenant-a", BackupType: BackupTypeIncremental, Schedule: "@hourly", Enabled: false,
				Status: JobStatusIdle, CreatedAt: repoBase.Add(time.Minute), UpdatedAt: repoBase},
			{ID: "j-3", TenantID: "tenant-b", BackupType: BackupTypeFull, Schedule: "@daily", Enabled: true,
				Status: JobStatusIdle, CreatedAt: repoBase.Add(2 * time.Minute), UpdatedAt: repoBase},
		}
		for _, j := range jobs {
			require.NoError(t, store.Jobs.Create(ctx, j))
		}

		loaded, err := store.Jobs.FindByID(ctx, "j-1")
		require.NoError(t, err)
		assert.True(t, loaded.Config.EncryptionEnabled)
		assert.Equal(t, []string{"us-east-1"}, loaded.Config.Regions)
		assert.Nil(t, loaded.NextRunAt)

		tenantJobs, err := store.Jobs.FindMany(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, tenantJobs, 2)
		assert.Equal(t, "j-1", tenantJobs[0].ID)

		everything, err := store.Jobs.FindMany(ctx, "")
		require.NoError(t, err)
		assert.Len(t, everything, 3)

		enabled, err := store.Jobs.FindEnabled(ctx)
		require.NoError(t, err)
		require.Len(t, enabled, 2)
		assert.Equal(t, []string{"j-1", "j-3"}, []string{enabled[0].ID, enabled[1].ID})

		next := repoBase.Add(14 * time.Hour)
		loaded.NextRunAt = &next
		loaded.Status = JobStatusFailed
		loaded.LastError = "dump failed"
		require.NoError(t, store.Jobs.Update(ctx, loaded))

		reloaded, err := store.Jobs.FindByID(ctx, "j-1")
		require.NoError(t, err)
		require.NotNil(t, reloaded.NextRunAt)
		assert.True(t, next.Equal(*reloaded.NextRunAt))
		assert.Equal(t, "dump failed", reloaded.LastError)

		require.NoError(t, store.Jobs.Delete(ctx, "j-1"))
		_, err = store.Jobs.FindByID(ctx, "j-1")
		assert.True(t, IsNotFound(err))
		assert.True(t, IsNotFound(store.Jobs.Delete(ctx, "j-1")))
	})
}

func TestKeyRepository_ReplaceActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		_, err := store.Keys.FindActive(ctx, "tenant-a")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		assert.True(t, errors.Is(err, ErrKeyNotFound))

		first := &EncryptionKey{ID: "k-1", TenantID: "tenant-a", Algorithm: "AES-256-GCM", WrappedKey: []byte{1, 2, 3}, CreatedAt: repoBase}
		require.NoError(t, store.Keys.ReplaceActive(ctx, "tenant-a", first, repoBase))

		second := &EncryptionKey{ID: "k-2", TenantID: "tenant-a", Algorithm: "AES-256-GCM", WrappedKey: []byte{4, 5, 6}, CreatedAt: repoBase.Add(time.Hour)}
		require.NoError(t, store.Keys.ReplaceActive(ctx, "tenant-a", second, repoBase.Add(time.Hour)))

		active, err := store.Keys.FindActive(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, "k-2", active.ID)
		assert.Equal(t, []byte{4, 5, 6}, active.WrappedKey)

		old, err := store.Keys.FindByID(ctx, "k-1")
		require.NoError(t, err)
		assert.False(t, old.Active)
		require.NotNil(t, old.DeactivatedAt)
		assert.True(t, repoBase.Add(time.Hour).Equal(*old.DeactivatedAt))

		keys, err := store.Keys.ListByTenant(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "k-1", keys[0].ID)

		_, err = store.Keys.FindByID(ctx, "k-missing")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
	})
}

func TestDialectByName(t *testing.T) {
	d, err := DialectByName("MySQL")
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name)

	d, err = DialectByName("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name)

	_, err = DialectByName("postgres")
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
}

func TestOpenSQLStore_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS backups").
		WillReturnError(&mysql.MySQLError{Number: 1045, Message: "Access denied"})

	_, err = OpenSQLStore(context.Background(), db, DialectMySQL)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypePermission, ErrorTypeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackupRepository_DuplicateIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO backups").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'b-1' for key 'PRIMARY'"})

	repo := NewSQLBackupRepository(db)
	err = repo.Create(context.Background(), &Backup{ID: "b-1", TenantID: "tenant-a", Metadata: map[string]interface{}{}})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackupRepository_LostConnectionIsRetryable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM backups WHERE id = ?").
		WithArgs("b-1").
		WillReturnError(&mysql.MySQLError{Number: 2013, Message: "Lost connection to MySQL server during query"})

	repo := NewSQLBackupRepository(db)
	_, err = repo.FindByID(context.Background(), "b-1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLKeyRepository_ReplaceActiveRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE encryption_keys SET active = 0").
		WithArgs(sqlmock.AnyArg(), "tenant-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO encryption_keys").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	repo := &SQLKeyRepository{db: db}
	err = repo.ReplaceActive(context.Background(), "tenant-a",
		&EncryptionKey{ID: "k-1", TenantID: "tenant-a", Algorithm: "AES-256-GCM", WrappedKey: []byte{1}, CreatedAt: repoBase},
		repoBase)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
