package backup

import (
	"context"
	"time"
)

// BackupRepository persists backup catalog records
type BackupRepository interface {
	Create(ctx context.Context, backup *Backup) error
	// FindByID returns a NOT_FOUND_ERROR when the id is unknown
	FindByID(ctx context.Context, id string) (*Backup, error)
	// FindMany returns matching backups, newest StartedAt first. limit <= 0 means no limit.
	FindMany(ctx context.Context, filter BackupFilter, limit, offset int) ([]*Backup, error)
	Update(ctx context.Context, backup *Backup) error
	Delete(ctx context.Context, id string) error

	// FindExpired returns settled backups whose ExpiresAt is before now
	FindExpired(ctx context.Context, now time.Time) ([]*Backup, error)
	// FindUnverified returns completed, unverified backups that completed at or before completedBefore
	FindUnverified(ctx context.Context, completedBefore time.Time) ([]*Backup, error)
	// FindLatestByType returns the most recently completed backup of the type, or nil when none exists
	FindLatestByType(ctx context.Context, tenantID string, backupType BackupType) (*Backup, error)
	GetStatistics(ctx context.Context, tenantID string) (*BackupStatistics, error)
	CountByStatus(ctx context.Context, tenantID string) (map[BackupStatus]int, error)
	GetStorageUsageByLocation(ctx context.Context, tenantID string) (map[StorageLocation]int64, error)
}

// JobRepository persists recurring schedule definitions
type JobRepository interface {
	Create(ctx context.Context, job *BackupJob) error
	FindByID(ctx context.Context, id string) (*BackupJob, error)
	// FindMany lists jobs of a tenant; an empty tenant lists every job
	FindMany(ctx context.Context, tenantID string) ([]*BackupJob, error)
	FindEnabled(ctx context.Context) ([]*BackupJob, error)
	Update(ctx context.Context, job *BackupJob) error
	Delete(ctx context.Context, id string) error
}

// KeyRepository persists tenant data keys
type KeyRepository interface {
	FindByID(ctx context.Context, id string) (*EncryptionKey, error)
	// FindActive returns a NOT_FOUND_ERROR wrapping ErrKeyNotFound when the tenant has no active key
	FindActive(ctx context.Context, tenantID string) (*EncryptionKey, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*EncryptionKey, error)
	// ReplaceActive deactivates the tenant's active keys and stores next as the only active key
	ReplaceActive(ctx context.Context, tenantID string, next *EncryptionKey, at time.Time) error
}

// Store bundles the repositories the engine needs
type Store struct {
	Backups BackupRepository
	Jobs    JobRepository
	Keys    KeyRepository

	closer func() error
}

// Close releases the underlying database, if any
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// successfulStatuses are the states of a backup whose artifact was written successfully
var successfulStatuses = []BackupStatus{
	BackupStatusCompleted,
	BackupStatusVerifying,
	BackupStatusVerified,
}

// settledStatuses are the states in which no job is working on a backup
var settledStatuses = []BackupStatus{
	BackupStatusCompleted,
	BackupStatusFailed,
	BackupStatusVerified,
	BackupStatusVerificationFailed,
}

func isSettled(status BackupStatus) bool {
	for _, s := range settledStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func isSuccessful(status BackupStatus) bool {
	for _, s := range successfulStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// assembleStatistics derives rates and averages from the raw aggregates both repositories compute
func assembleStatistics(tenantID string, byStatus map[BackupStatus]int, byType map[BackupType]int,
	usage map[StorageLocation]int64, successSize int64, totalDuration time.Duration, durationSamples int,
	lastBackupAt *time.Time) *BackupStatistics {

	stats := &BackupStatistics{
		TenantID:     tenantID,
		ByStatus:     byStatus,
		ByType:       byType,
		StorageUsage: usage,
		LastBackupAt: lastBackupAt,
	}

	succeeded := 0
	for status, n := range byStatus {
		stats.Total += n
		if isSuccessful(status) || status == BackupStatusVerificationFailed {
			succeeded += n
		}
	}
	finished := succeeded + byStatus[BackupStatusFailed]
	if finished > 0 {
		stats.SuccessRate = float64(succeeded) / float64(finished)
	}

	for _, size := range usage {
		stats.TotalSizeBytes += size
	}
	if succeeded > 0 {
		stats.AverageSize = successSize / int64(succeeded)
	}
	if durationSamples > 0 {
		stats.AverageDuration = totalDuration / time.Duration(durationSamples)
	}
	return stats
}
