package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultIncrementalWindow bounds an incremental backup when no earlier incremental exists
const DefaultIncrementalWindow = 24 * time.Hour

// ExecutionOptions are the per-run settings carried from the request to the pipeline
type ExecutionOptions struct {
	Compression      CompressionAlgorithm `json:"compression"`
	CompressionLevel int                  `json:"compression_level,omitempty"`
	Encrypt          bool                 `json:"encrypt"`
	Include          []string             `json:"include,omitempty"`
	Exclude          []string             `json:"exclude,omitempty"`
}

// PipelineResult describes the artifact a successful run produced
type PipelineResult struct {
	SizeBytes        int64
	Checksum         string
	EncryptionKeyID  string
	Compression      CompressionAlgorithm
	CompressionRatio float64
	Since            *time.Time
	Object           *ObjectInfo
	Duration         time.Duration
}

// LaneLocker serializes work per lane. A lane is held across the whole dump-to-upload span.
type LaneLocker struct {
	mu    sync.Mutex
	lanes map[string]chan struct{}
}

// NewLaneLocker creates an empty locker
func NewLaneLocker() *LaneLocker {
	return &LaneLocker{lanes: make(map[string]chan struct{})}
}

// Acquire blocks until the lane is free or ctx ends. The returned func releases the lane.
func (l *LaneLocker) Acquire(ctx context.Context, lane string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.lanes[lane]
	if !ok {
		ch = make(chan struct{}, 1)
		l.lanes[lane] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, NewTimeoutError(fmt.Sprintf("timed out waiting for lane %s", lane), ctx.Err())
	}
}

// BackupLane names the lane shared by backups of one tenant and type
func BackupLane(tenantID string, backupType BackupType) string {
	return tenantID + "/" + string(backupType)
}

// PipelineDeps bundles the collaborators of the execution pipeline
type PipelineDeps struct {
	Backups     BackupRepository
	Storage     *StorageRegistry
	Encryption  *EncryptionService
	Compression *CompressionManager
	Dumper      Dumper
	Locks       *LaneLocker
	Logger      *BackupLogger
	TempDir     string
}

// Pipeline turns a pending backup record into an uploaded artifact
type Pipeline struct {
	backups     BackupRepository
	storage     *StorageRegistry
	encryption  *EncryptionService
	compression *CompressionManager
	dumper      Dumper
	locks       *LaneLocker
	logger      *BackupLogger
	tempDir     string
	now         func() time.Time
}

// NewPipeline creates a pipeline. Encryption may be nil when no master key is configured.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Backups == nil || deps.Storage == nil || deps.Dumper == nil {
		return nil, NewConfigurationError("pipeline requires a backup repository, storage registry and dumper", nil)
	}
	p := &Pipeline{
		backups:     deps.Backups,
		storage:     deps.Storage,
		encryption:  deps.Encryption,
		compression: deps.Compression,
		dumper:      deps.Dumper,
		locks:       deps.Locks,
		logger:      deps.Logger,
		tempDir:     deps.TempDir,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if p.compression == nil {
		p.compression = NewCompressionManager()
	}
	if p.locks == nil {
		p.locks = NewLaneLocker()
	}
	if p.logger == nil {
		p.logger = NewNopBackupLogger()
	}
	if p.tempDir == "" {
		p.tempDir = os.TempDir()
	}
	return p, nil
}

// SourceWindow returns the lower bound of the data an incremental-style backup captures.
// Full backups have no window.
func (p *Pipeline) SourceWindow(ctx context.Context, backup *Backup) (*time.Time, error) {
	switch backup.Type {
	case BackupTypeFull:
		return nil, nil

	case BackupTypeIncremental:
		latest, err := p.backups.FindLatestByType(ctx, backup.TenantID, BackupTypeIncremental)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.CompletedAt != nil {
			return latest.CompletedAt, nil
		}
		since := p.now().Add(-DefaultIncrementalWindow)
		return &since, nil

	case BackupTypeDifferential:
		latest, err := p.backups.FindLatestByType(ctx, backup.TenantID, BackupTypeFull)
		if err != nil {
			return nil, err
		}
		if latest == nil || latest.CompletedAt == nil {
			return nil, NewConflictError(
				fmt.Sprintf("tenant %s has no completed full backup to base a differential on", backup.TenantID), nil)
		}
		return latest.CompletedAt, nil

	case BackupTypePointInTime:
		latest, err := p.backups.FindLatestByType(ctx, backup.TenantID, BackupTypePointInTime)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			latest, err = p.latestAnyType(ctx, backup.TenantID)
			if err != nil {
				return nil, err
			}
		}
		if latest != nil && latest.CompletedAt != nil {
			return latest.CompletedAt, nil
		}
		return nil, nil
	}

	return nil, NewValidationError(fmt.Sprintf("unknown backup type %q", backup.Type), nil)
}

func (p *Pipeline) latestAnyType(ctx context.Context, tenantID string) (*Backup, error) {
	var latest *Backup
	for _, t := range AllBackupTypes {
		b, err := p.backups.FindLatestByType(ctx, tenantID, t)
		if err != nil {
			return nil, err
		}
		if b != nil && b.CompletedAt != nil && (latest == nil || b.CompletedAt.After(*latest.CompletedAt)) {
			latest = b
		}
	}
	return latest, nil
}

// Execute runs dump, compress, encrypt, checksum and upload for backup. The record is not
// modified; the caller applies the result. A failure after the upload started removes the
// partial object on a best-effort basis.
func (p *Pipeline) Execute(ctx context.Context, backup *Backup, opts ExecutionOptions) (result *PipelineResult, err error) {
	start := time.Now()

	if opts.Encrypt && p.encryption == nil {
		return nil, NewConfigurationError("encryption requested but no master key is configured", nil)
	}

	backend, err := p.storage.Resolve(backup.StorageLocation, backup.Regions)
	if err != nil {
		return nil, err
	}

	release, err := p.locks.Acquire(ctx, BackupLane(backup.TenantID, backup.Type))
	if err != nil {
		return nil, err
	}
	defer release()

	since, err := p.SourceWindow(ctx, backup)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(p.tempDir, "backup-"+backup.ID+"-")
	if err != nil {
		return nil, NewExecutionError("failed to create working directory", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			p.logger.Logger().WithFields(map[string]interface{}{
				"backup_id": backup.ID,
				"work_dir":  workDir,
				"error":     rmErr.Error(),
			}).Warn("Failed to remove backup working directory")
		}
	}()

	result = &PipelineResult{Since: since, Compression: CompressionNone, CompressionRatio: 1.0}

	artifact := filepath.Join(workDir, "dump")
	if err := p.dumper.Dump(ctx, DumpRequest{
		TenantID:   backup.TenantID,
		BackupID:   backup.ID,
		Type:       backup.Type,
		Since:      since,
		OutputPath: artifact,
		Include:    opts.Include,
		Exclude:    opts.Exclude,
	}); err != nil {
		return nil, err
	}

	if opts.Compression != "" && opts.Compression != CompressionNone {
		compressed := artifact + "." + string(opts.Compression)
		stats, err := p.compression.CompressFile(ctx, artifact, compressed, opts.Compression, opts.CompressionLevel)
		if err != nil {
			return nil, err
		}
		result.Compression = stats.Algorithm
		result.CompressionRatio = stats.CompressionRatio
		artifact = compressed
	}

	if opts.Encrypt {
		encrypted := artifact + ".enc"
		stats, err := p.encryption.EncryptFile(ctx, backup.TenantID, artifact, encrypted)
		if err != nil {
			return nil, err
		}
		result.EncryptionKeyID = stats.KeyID
		artifact = encrypted
	}

	size, checksum, err := FileDigest(artifact)
	if err != nil {
		return nil, NewExecutionError("failed to checksum artifact", err)
	}
	result.SizeBytes = size
	result.Checksum = checksum

	metadata := map[string]string{
		MetaBackupID:    backup.ID,
		MetaTenantID:    backup.TenantID,
		MetaBackupType:  string(backup.Type),
		MetaCreatedAt:   backup.StartedAt.UTC().Format(time.RFC3339),
		MetaChecksum:    checksum,
		MetaCompression: string(result.Compression),
	}
	if result.EncryptionKeyID != "" {
		metadata[MetaEncryptionKeyID] = result.EncryptionKeyID
	}

	uploadDone := p.logger.LogStorageOperation(ctx, "upload", backend.Name(), backup.StoragePath)
	defer func() {
		if err != nil {
			// the upload may have landed partially or in some regions only
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if delErr := backend.Delete(cleanupCtx, backup.StoragePath); delErr != nil {
				p.logger.Logger().WithFields(map[string]interface{}{
					"backup_id":    backup.ID,
					"storage_path": backup.StoragePath,
					"error":        delErr.Error(),
				}).Warn("Failed to remove partial upload")
			}
		}
	}()

	info, err := backend.Upload(ctx, artifact, backup.StoragePath, metadata)
	uploadDone(err, info)
	if err != nil {
		return nil, err
	}
	if info.Checksum != "" && info.Checksum != checksum {
		return nil, NewIntegrityError(fmt.Sprintf("uploaded checksum %s does not match local checksum %s", info.Checksum, checksum), nil)
	}

	result.Object = info
	result.Duration = time.Since(start)
	return result, nil
}
