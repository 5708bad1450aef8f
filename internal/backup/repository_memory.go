package backup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NewMemoryStore returns a Store backed by process memory
func NewMemoryStore() *Store {
	return &Store{
		Backups: NewMemoryBackupRepository(),
		Jobs:    NewMemoryJobRepository(),
		Keys:    NewMemoryKeyRepository(),
	}
}

// MemoryBackupRepository is a mutex-guarded BackupRepository. Records are copied on the way in and out.
type MemoryBackupRepository struct {
	mu      sync.RWMutex
	backups map[string]*Backup
}

// NewMemoryBackupRepository creates an empty repository
func NewMemoryBackupRepository() *MemoryBackupRepository {
	return &MemoryBackupRepository{backups: make(map[string]*Backup)}
}

func (r *MemoryBackupRepository) Create(ctx context.Context, backup *Backup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backups[backup.ID]; exists {
		return NewConflictError(fmt.Sprintf("backup %s already exists", backup.ID), nil)
	}
	r.backups[backup.ID] = backup.Clone()
	return nil
}

func (r *MemoryBackupRepository) FindByID(ctx context.Context, id string) (*Backup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backups[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	return b.Clone(), nil
}

func (r *MemoryBackupRepository) FindMany(ctx context.Context, filter BackupFilter, limit, offset int) ([]*Backup, error) {
	r.mu.RLock()
	matched := make([]*Backup, 0)
	for _, b := range r.backups {
		if filter.Matches(b) {
			matched = append(matched, b.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if offset > 0 {
		if offset >= len(matched) {
			return []*Backup{}, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *MemoryBackupRepository) Update(ctx context.Context, backup *Backup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backups[backup.ID]; !ok {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", backup.ID), nil)
	}
	r.backups[backup.ID] = backup.Clone()
	return nil
}

func (r *MemoryBackupRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backups[id]; !ok {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	delete(r.backups, id)
	return nil
}

func (r *MemoryBackupRepository) FindExpired(ctx context.Context, now time.Time) ([]*Backup, error) {
	return r.collect(func(b *Backup) bool { return isSettled(b.Status) && b.IsExpired(now) }), nil
}

func (r *MemoryBackupRepository) FindUnverified(ctx context.Context, completedBefore time.Time) ([]*Backup, error) {
	return r.collect(func(b *Backup) bool {
		return b.Status == BackupStatusCompleted && !b.IsVerified &&
			b.CompletedAt != nil && !b.CompletedAt.After(completedBefore)
	}), nil
}

func (r *MemoryBackupRepository) FindLatestByType(ctx context.Context, tenantID string, backupType BackupType) (*Backup, error) {
	var latest *Backup
	for _, b := range r.collect(func(b *Backup) bool {
		return b.TenantID == tenantID && b.Type == backupType && isSuccessful(b.Status) && b.CompletedAt != nil
	}) {
		if latest == nil || b.CompletedAt.After(*latest.CompletedAt) {
			latest = b
		}
	}
	return latest, nil
}

func (r *MemoryBackupRepository) GetStatistics(ctx context.Context, tenantID string) (*BackupStatistics, error) {
	byStatus := make(map[BackupStatus]int)
	byType := make(map[BackupType]int)
	usage := make(map[StorageLocation]int64)
	var successSize int64
	var totalDuration time.Duration
	var samples int
	var lastBackupAt *time.Time

	for _, b := range r.collect(func(b *Backup) bool { return b.TenantID == tenantID }) {
		byStatus[b.Status]++
		byType[b.Type]++
		usage[b.StorageLocation] += b.SizeBytes
		if isSuccessful(b.Status) || b.Status == BackupStatusVerificationFailed {
			successSize += b.SizeBytes
		}
		if b.CompletedAt != nil {
			totalDuration += b.Duration()
			samples++
		}
		if lastBackupAt == nil || b.StartedAt.After(*lastBackupAt) {
			started := b.StartedAt
			lastBackupAt = &started
		}
	}

	return assembleStatistics(tenantID, byStatus, byType, usage, successSize, totalDuration, samples, lastBackupAt), nil
}

func (r *MemoryBackupRepository) CountByStatus(ctx context.Context, tenantID string) (map[BackupStatus]int, error) {
	counts := make(map[BackupStatus]int)
	for _, b := range r.collect(func(b *Backup) bool { return b.TenantID == tenantID }) {
		counts[b.Status]++
	}
	return counts, nil
}

func (r *MemoryBackupRepository) GetStorageUsageByLocation(ctx context.Context, tenantID string) (map[StorageLocation]int64, error) {
	usage := make(map[StorageLocation]int64)
	for _, b := range r.collect(func(b *Backup) bool { return b.TenantID == tenantID }) {
		usage[b.StorageLocation] += b.SizeBytes
	}
	return usage, nil
}

func (r *MemoryBackupRepository) collect(match func(*Backup) bool) []*Backup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Backup, 0)
	for _, b := range r.backups {
		if match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// MemoryJobRepository is a mutex-guarded JobRepository
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*BackupJob
}

// NewMemoryJobRepository creates an empty repository
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]*BackupJob)}
}

func (r *MemoryJobRepository) Create(ctx context.Context, job *BackupJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return NewConflictError(fmt.Sprintf("job %s already exists", job.ID), nil)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobRepository) FindByID(ctx context.Context, id string) (*BackupJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("job %s not found", id), nil)
	}
	return job.Clone(), nil
}

func (r *MemoryJobRepository) FindMany(ctx context.Context, tenantID string) ([]*BackupJob, error) {
	return r.collect(func(j *BackupJob) bool { return tenantID == "" || j.TenantID == tenantID }), nil
}

func (r *MemoryJobRepository) FindEnabled(ctx context.Context) ([]*BackupJob, error) {
	return r.collect(func(j *BackupJob) bool { return j.Enabled }), nil
}

func (r *MemoryJobRepository) Update(ctx context.Context, job *BackupJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; !ok {
		return NewNotFoundError(fmt.Sprintf("job %s not found", job.ID), nil)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return NewNotFoundError(fmt.Sprintf("job %s not found", id), nil)
	}
	delete(r.jobs, id)
	return nil
}

func (r *MemoryJobRepository) collect(match func(*BackupJob) bool) []*BackupJob {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*BackupJob, 0)
	for _, j := range r.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// MemoryKeyRepository is a mutex-guarded KeyRepository
type MemoryKeyRepository struct {
	mu   sync.RWMutex
	keys map[string]*EncryptionKey
}

// NewMemoryKeyRepository creates an empty repository
func NewMemoryKeyRepository() *MemoryKeyRepository {
	return &MemoryKeyRepository{keys: make(map[string]*EncryptionKey)}
}

func (r *MemoryKeyRepository) FindByID(ctx context.Context, id string) (*EncryptionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.keys[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("encryption key %s not found", id), ErrKeyNotFound)
	}
	return k.Clone(), nil
}

func (r *MemoryKeyRepository) FindActive(ctx context.Context, tenantID string) (*EncryptionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.keys {
		if k.TenantID == tenantID && k.Active {
			return k.Clone(), nil
		}
	}
	return nil, NewNotFoundError(fmt.Sprintf("tenant %s has no active encryption key", tenantID), ErrKeyNotFound)
}

func (r *MemoryKeyRepository) ListByTenant(ctx context.Context, tenantID string) ([]*EncryptionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*EncryptionKey, 0)
	for _, k := range r.keys {
		if k.TenantID == tenantID {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryKeyRepository) ReplaceActive(ctx context.Context, tenantID string, next *EncryptionKey, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[next.ID]; exists {
		return NewConflictError(fmt.Sprintf("encryption key %s already exists", next.ID), nil)
	}

	for _, k := range r.keys {
		if k.TenantID == tenantID && k.Active {
			deactivated := at
			k.Active = false
			k.DeactivatedAt = &deactivated
		}
	}

	stored := next.Clone()
	stored.Active = true
	r.keys[stored.ID] = stored
	return nil
}
