package backup

import (
	"fmt"
	"strings"
	"time"
)

// BackupType identifies what a backup captures
type BackupType string

const (
	BackupTypeFull         BackupType = "full"
	BackupTypeIncremental  BackupType = "incremental"
	BackupTypeDifferential BackupType = "differential"
	BackupTypePointInTime  BackupType = "point_in_time"
)

// AllBackupTypes lists every supported backup type
var AllBackupTypes = []BackupType{
	BackupTypeFull,
	BackupTypeIncremental,
	BackupTypeDifferential,
	BackupTypePointInTime,
}

// IsValid reports whether the type is one of the supported values
func (t BackupType) IsValid() bool {
	switch t {
	case BackupTypeFull, BackupTypeIncremental, BackupTypeDifferential, BackupTypePointInTime:
		return true
	}
	return false
}

// ParseBackupType parses a user supplied backup type. Dashes are accepted for point-in-time.
func ParseBackupType(s string) (BackupType, error) {
	t := BackupType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.IsValid() {
		return "", NewValidationError(fmt.Sprintf("unknown backup type %q", s), nil)
	}
	return t, nil
}

// TypeDefaults holds the per-type retention and recovery objectives
type TypeDefaults struct {
	RetentionDays int
	RTOMinutes    int
	RPOMinutes    int
}

var typeDefaults = map[BackupType]TypeDefaults{
	BackupTypeFull:         {RetentionDays: 90, RTOMinutes: 15, RPOMinutes: 1440},
	BackupTypeIncremental:  {RetentionDays: 30, RTOMinutes: 10, RPOMinutes: 60},
	BackupTypeDifferential: {RetentionDays: 60, RTOMinutes: 12, RPOMinutes: 240},
	BackupTypePointInTime:  {RetentionDays: 7, RTOMinutes: 5, RPOMinutes: 5},
}

// Defaults returns the retention/RTO/RPO defaults for the type
func (t BackupType) Defaults() TypeDefaults {
	return typeDefaults[t]
}

// BackupStatus is the lifecycle state of a backup
type BackupStatus string

const (
	BackupStatusPending            BackupStatus = "pending"
	BackupStatusInProgress         BackupStatus = "in_progress"
	BackupStatusCompleted          BackupStatus = "completed"
	BackupStatusFailed             BackupStatus = "failed"
	BackupStatusVerifying          BackupStatus = "verifying"
	BackupStatusVerified           BackupStatus = "verified"
	BackupStatusVerificationFailed BackupStatus = "verification_failed"
)

var allowedTransitions = map[BackupStatus][]BackupStatus{
	BackupStatusPending:    {BackupStatusInProgress, BackupStatusFailed},
	BackupStatusInProgress: {BackupStatusCompleted, BackupStatusFailed},
	BackupStatusCompleted:  {BackupStatusVerifying},
	BackupStatusVerifying:  {BackupStatusVerified, BackupStatusVerificationFailed},
}

// IsValid reports whether the status is known
func (s BackupStatus) IsValid() bool {
	switch s {
	case BackupStatusPending, BackupStatusInProgress, BackupStatusCompleted, BackupStatusFailed,
		BackupStatusVerifying, BackupStatusVerified, BackupStatusVerificationFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s BackupStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// CanTransitionTo reports whether next is a legal successor of s
func (s BackupStatus) CanTransitionTo(next BackupStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StorageLocation selects the storage backend holding an artifact
type StorageLocation string

const (
	StorageLocationPrimary     StorageLocation = "object-store-primary"
	StorageLocationSecondaryA  StorageLocation = "object-store-secondary-a"
	StorageLocationSecondaryB  StorageLocation = "object-store-secondary-b"
	StorageLocationLocalDisk   StorageLocation = "local-disk"
	StorageLocationMultiRegion StorageLocation = "multi-region"
)

// IsValid reports whether the location is one of the supported values
func (l StorageLocation) IsValid() bool {
	switch l {
	case StorageLocationPrimary, StorageLocationSecondaryA, StorageLocationSecondaryB,
		StorageLocationLocalDisk, StorageLocationMultiRegion:
		return true
	}
	return false
}

// CompressionAlgorithm names the algorithm applied to an artifact
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = "none"
	CompressionGzip CompressionAlgorithm = "gzip"
	CompressionLZ4  CompressionAlgorithm = "lz4"
	CompressionZstd CompressionAlgorithm = "zstd"
)

// IsValid reports whether the algorithm is supported
func (c CompressionAlgorithm) IsValid() bool {
	switch c {
	case CompressionNone, CompressionGzip, CompressionLZ4, CompressionZstd:
		return true
	}
	return false
}

// StatusChange records one lifecycle transition
type StatusChange struct {
	From   BackupStatus `json:"from"`
	To     BackupStatus `json:"to"`
	At     time.Time    `json:"at"`
	Reason string       `json:"reason,omitempty"`
}

// Backup is one physical backup artifact and its catalog record
type Backup struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenant_id"`
	Type             BackupType             `json:"type"`
	Status           BackupStatus           `json:"status"`
	StorageLocation  StorageLocation        `json:"storage_location"`
	StoragePath      string                 `json:"storage_path"`
	SizeBytes        int64                  `json:"size_bytes"`
	Checksum         string                 `json:"checksum,omitempty"`
	EncryptionKeyID  string                 `json:"encryption_key_id,omitempty"`
	Compression      CompressionAlgorithm   `json:"compression"`
	CompressionRatio float64                `json:"compression_ratio"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	RetentionDays    int                    `json:"retention_days"`
	ExpiresAt        time.Time              `json:"expires_at"`
	IsVerified       bool                   `json:"is_verified"`
	VerifiedAt       *time.Time             `json:"verified_at,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Regions          []string               `json:"regions,omitempty"`
	RTOMinutes       int                    `json:"rto_minutes"`
	RPOMinutes       int                    `json:"rpo_minutes"`
	CreatedBy        string                 `json:"created_by,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	StatusHistory    []StatusChange         `json:"status_history,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// IsEncrypted reports whether the artifact was encrypted
func (b *Backup) IsEncrypted() bool {
	return b.EncryptionKeyID != ""
}

// IsRestorable reports whether the backup can be used as a restore source or chain member.
// A verified backup sits in the verified state; completed alone is not enough.
func (b *Backup) IsRestorable() bool {
	return b.IsVerified && (b.Status == BackupStatusVerified || b.Status == BackupStatusCompleted)
}

// IsExpired reports whether the retention window has passed
func (b *Backup) IsExpired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Duration returns the time between start and completion, zero when not completed
func (b *Backup) Duration() time.Duration {
	if b.CompletedAt == nil {
		return 0
	}
	return b.CompletedAt.Sub(b.StartedAt)
}

// TransitionTo moves the backup to next, recording the change in StatusHistory
func (b *Backup) TransitionTo(next BackupStatus, at time.Time, reason string) error {
	if !b.Status.CanTransitionTo(next) {
		return NewConflictError(
			fmt.Sprintf("illegal status transition %s -> %s", b.Status, next), nil).
			WithContext("backup_id", b.ID)
	}

	b.StatusHistory = append(b.StatusHistory, StatusChange{
		From:   b.Status,
		To:     next,
		At:     at,
		Reason: reason,
	})
	b.Status = next
	b.UpdatedAt = at

	switch next {
	case BackupStatusCompleted:
		completed := at
		b.CompletedAt = &completed
		b.ErrorMessage = ""
	case BackupStatusVerified:
		verified := at
		b.IsVerified = true
		b.VerifiedAt = &verified
		b.ErrorMessage = ""
	case BackupStatusFailed, BackupStatusVerificationFailed:
		b.ErrorMessage = reason
	}
	return nil
}

// Clone returns a deep copy safe to hand out of a repository
func (b *Backup) Clone() *Backup {
	if b == nil {
		return nil
	}
	c := *b
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	if b.VerifiedAt != nil {
		t := *b.VerifiedAt
		c.VerifiedAt = &t
	}
	if b.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Regions = append([]string(nil), b.Regions...)
	c.StatusHistory = append([]StatusChange(nil), b.StatusHistory...)
	return &c
}

// JobConfig is the configuration a recurring schedule applies to every backup it creates
type JobConfig struct {
	CompressionEnabled bool                 `json:"compression_enabled" yaml:"compression_enabled"`
	Compression        CompressionAlgorithm `json:"compression,omitempty" yaml:"compression,omitempty"`
	EncryptionEnabled  bool                 `json:"encryption_enabled" yaml:"encryption_enabled"`
	ReplicationEnabled bool                 `json:"replication_enabled" yaml:"replication_enabled"`
	StorageLocation    StorageLocation      `json:"storage_location,omitempty" yaml:"storage_location,omitempty"`
	Regions            []string             `json:"regions,omitempty" yaml:"regions,omitempty"`
	RetentionDays      int                  `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
	Priority           int                  `json:"priority,omitempty" yaml:"priority,omitempty"`
	Include            []string             `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude            []string             `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// JobStatus is the outcome of the most recent scheduled run
type JobStatus string

const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// BackupJob is a recurring schedule definition
type BackupJob struct {
	ID         string     `json:"id" yaml:"id"`
	TenantID   string     `json:"tenant_id" yaml:"tenant_id"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	BackupType BackupType `json:"backup_type" yaml:"backup_type"`
	Schedule   string     `json:"schedule" yaml:"schedule"`
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	Config     JobConfig  `json:"config" yaml:"config"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	Status     JobStatus  `json:"status" yaml:"status"`
	LastError  string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastBackup string     `json:"last_backup_id,omitempty" yaml:"last_backup_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of the job
func (j *BackupJob) Clone() *BackupJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	c.Config.Regions = append([]string(nil), j.Config.Regions...)
	c.Config.Include = append([]string(nil), j.Config.Include...)
	c.Config.Exclude = append([]string(nil), j.Config.Exclude...)
	return &c
}

// EncryptionKey is a tenant data key. Material is stored wrapped by the master key.
type EncryptionKey struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Algorithm     string     `json:"algorithm"`
	WrappedKey    []byte     `json:"-"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Clone returns a deep copy of the key record
func (k *EncryptionKey) Clone() *EncryptionKey {
	if k == nil {
		return nil
	}
	c := *k
	c.WrappedKey = append([]byte(nil), k.WrappedKey...)
	if k.DeactivatedAt != nil {
		t := *k.DeactivatedAt
		c.DeactivatedAt = &t
	}
	return &c
}

// BackupFilter narrows FindMany results. Zero values do not filter.
type BackupFilter struct {
	TenantID        string
	Type            BackupType
	Statuses        []BackupStatus
	StorageLocation StorageLocation
	StartedAfter    *time.Time
	StartedBefore   *time.Time
	CompletedAfter  *time.Time
	CompletedBefore *time.Time
	IsVerified      *bool
}

// Matches reports whether b satisfies the filter
func (f BackupFilter) Matches(b *Backup) bool {
	if f.TenantID != "" && b.TenantID != f.TenantID {
		return false
	}
	if f.Type != "" && b.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if b.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StorageLocation != "" && b.StorageLocation != f.StorageLocation {
		return false
	}
	if f.StartedAfter != nil && b.StartedAt.Before(*f.StartedAfter) {
		return false
	}
	if f.StartedBefore != nil && b.StartedAt.After(*f.StartedBefore) {
		return false
	}
	if f.CompletedAfter != nil && (b.CompletedAt == nil || b.CompletedAt.Before(*f.CompletedAfter)) {
		return false
	}
	if f.CompletedBefore != nil && (b.CompletedAt == nil || b.CompletedAt.After(*f.CompletedBefore)) {
		return false
	}
	if f.IsVerified != nil && b.IsVerified != *f.IsVerified {
		return false
	}
	return true
}

// BackupStatistics aggregates a tenant's backup catalog
type BackupStatistics struct {
	TenantID        string                    `json:"tenant_id"`
	Total           int                       `json:"total"`
	ByStatus        map[BackupStatus]int      `json:"by_status"`
	ByType          map[BackupType]int        `json:"by_type"`
	SuccessRate     float64                   `json:"success_rate"`
	TotalSizeBytes  int64                     `json:"total_size_bytes"`
	AverageSize     int64                     `json:"average_size_bytes"`
	AverageDuration time.Duration             `json:"average_duration"`
	StorageUsage    map[StorageLocation]int64 `json:"storage_usage"`
	LastBackupAt    *time.Time                `json:"last_backup_at,omitempty"`
}

// FormatStoragePath builds backups/{tenant}/{type}/{timestamp} with ':' and '.' replaced by '-'
func FormatStoragePath(tenantID string, backupType BackupType, at time.Time) string {
	stamp := at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return fmt.Sprintf("backups/%s/%s/%s", tenantID, backupType, stamp)
}
