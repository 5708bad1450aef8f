package backup

import (
	"context"
	"fmt"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tenant-backup/internal/metrics"

	"github.com/google/uuid"
)

// Request limits
const (
	MinRetentionDays = 1
	MaxRetentionDays = 3650
	MinPriority      = 1
	MaxPriority      = 10
	// RestorePriority puts restores ahead of every other queued job
	RestorePriority = 1
)

// settleTimeout bounds catalog writes that must land after the job context ended
const settleTimeout = 30 * time.Second

// settleContext keeps ctx values but drops its cancellation
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// CreateBackupRequest carries the caller's options for a new backup
type CreateBackupRequest struct {
	TenantID           string                 `json:"tenant_id,omitempty"`
	Type               BackupType             `json:"type"`
	StorageLocation    StorageLocation        `json:"storage_location,omitempty"`
	Regions            []string               `json:"regions,omitempty"`
	RetentionDays      int                    `json:"retention_days,omitempty"`
	CompressionEnabled bool                   `json:"compression_enabled"`
	Compression        CompressionAlgorithm   `json:"compression,omitempty"`
	CompressionLevel   int                    `json:"compression_level,omitempty"`
	EncryptionEnabled  bool                   `json:"encryption_enabled"`
	Include            []string               `json:"include,omitempty"`
	Exclude            []string               `json:"exclude,omitempty"`
	Priority           int                    `json:"priority,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the request. Zero values mean "use the default".
func (r *CreateBackupRequest) Validate() error {
	var errors ValidationErrors

	if r.Type == "" {
		errors.Add("type", "backup type is required", r.Type)
	} else if !r.Type.IsValid() {
		errors.Add("type", "unknown backup type", r.Type)
	}
	if r.RetentionDays != 0 && (r.RetentionDays < MinRetentionDays || r.RetentionDays > MaxRetentionDays) {
		errors.Add("retention_days", fmt.Sprintf("must be between %d and %d", MinRetentionDays, MaxRetentionDays), r.RetentionDays)
	}
	if r.Priority != 0 && (r.Priority < MinPriority || r.Priority > MaxPriority) {
		errors.Add("priority", fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority), r.Priority)
	}
	if r.StorageLocation != "" && !r.StorageLocation.IsValid() {
		errors.Add("storage_location", "unknown storage location", r.StorageLocation)
	}
	if r.Compression != "" && !r.Compression.IsValid() {
		errors.Add("compression", "unsupported compression algorithm", r.Compression)
	}
	if len(r.Regions) > 0 && r.StorageLocation != StorageLocationMultiRegion {
		errors.Add("regions", "regions require multi-region storage", r.Regions)
	}

	return errors.AsError("invalid backup request")
}

// RestoreBackupRequest asks for a backup to be applied to a target
type RestoreBackupRequest struct {
	BackupID string `json:"backup_id"`
	// Target is handed to the restore command verbatim
	Target string `json:"target,omitempty"`
}

// Queue payloads
type processBackupPayload struct {
	BackupID string           `json:"backupId"`
	Options  ExecutionOptions `json:"options"`
}

type processRestorePayload struct {
	BackupID string `json:"backupId"`
	Target   string `json:"target,omitempty"`
}

type verifyBackupPayload struct {
	BackupID string `json:"backupId"`
}

// OrchestratorConfig holds orchestrator defaults
type OrchestratorConfig struct {
	DefaultStorageLocation  StorageLocation      `mapstructure:"default_storage_location" yaml:"default_storage_location"`
	DefaultCompression      CompressionAlgorithm `mapstructure:"default_compression" yaml:"default_compression"`
	DefaultCompressionLevel int                  `mapstructure:"default_compression_level" yaml:"default_compression_level,omitempty"`
	AutoVerify              bool                 `mapstructure:"auto_verify" yaml:"auto_verify"`
}

// SetDefaults sets default values
func (c *OrchestratorConfig) SetDefaults() {
	if c.DefaultStorageLocation == "" {
		c.DefaultStorageLocation = StorageLocationLocalDisk
	}
	if c.DefaultCompression == "" {
		c.DefaultCompression = CompressionGzip
	}
}

// OrchestratorDeps bundles the orchestrator's collaborators
type OrchestratorDeps struct {
	Backups      BackupRepository
	Queue        Queue
	Pipeline     *Pipeline
	Verifier     *VerificationEngine
	Materializer *ArtifactMaterializer
	Restorer     Restorer
	Storage      *StorageRegistry
	Encryption   *EncryptionService
	Logger       *BackupLogger
	Metrics      metrics.Recorder
	Notifier     Notifier
	Config       OrchestratorConfig
}

// Orchestrator is the entry point for backup lifecycle operations
type Orchestrator struct {
	backups      BackupRepository
	queue        Queue
	pipeline     *Pipeline
	verifier     *VerificationEngine
	materializer *ArtifactMaterializer
	restorer     Restorer
	storage      *StorageRegistry
	encryption   *EncryptionService
	logger       *BackupLogger
	metrics      metrics.Recorder
	notifier     Notifier
	config       OrchestratorConfig
	now          func() time.Time

	// live maps backup ids to the execution job working on them
	liveMu sync.Mutex
	live   map[string]string
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Backups == nil || deps.Queue == nil || deps.Storage == nil {
		return nil, NewConfigurationError("orchestrator requires a backup repository, queue and storage registry", nil)
	}
	deps.Config.SetDefaults()

	o := &Orchestrator{
		backups:      deps.Backups,
		queue:        deps.Queue,
		pipeline:     deps.Pipeline,
		verifier:     deps.Verifier,
		materializer: deps.Materializer,
		restorer:     deps.Restorer,
		storage:      deps.Storage,
		encryption:   deps.Encryption,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		notifier:     deps.Notifier,
		config:       deps.Config,
		now:          func() time.Time { return time.Now().UTC() },
		live:         make(map[string]string),
	}
	if o.logger == nil {
		o.logger = NewNopBackupLogger()
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}
	if o.notifier == nil {
		o.notifier = NopNotifier{}
	}
	return o, nil
}

// RegisterHandlers binds the orchestrator's job handlers and terminal callbacks to q
func (o *Orchestrator) RegisterHandlers(q Queue) {
	q.Register(QueueBackupExecution, JobProcessBackup, o.ProcessBackupJob)
	q.Register(QueueBackupRestore, JobProcessRestore, o.ProcessRestoreJob)
	q.Register(QueueBackupVerification, JobVerifyBackup, o.ProcessVerifyJob)
	q.OnCompleted(o.executionCompleted)
	q.OnFailed(o.executionFailed)
}

func isExecutionJob(job *Job) bool {
	return job.Queue == QueueBackupExecution && job.Name == JobProcessBackup
}

func (o *Orchestrator) untrackJob(job *Job) (string, bool) {
	var payload processBackupPayload
	if err := job.Decode(&payload); err != nil {
		return "", false
	}
	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	if o.live[payload.BackupID] == job.ID {
		delete(o.live, payload.BackupID)
	}
	return payload.BackupID, true
}

func (o *Orchestrator) hasLiveJob(backupID string) bool {
	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	_, ok := o.live[backupID]
	return ok
}

func (o *Orchestrator) executionCompleted(job *Job) {
	if isExecutionJob(job) {
		o.untrackJob(job)
	}
}

// executionFailed settles the record of an execution job the queue gave up on,
// including jobs cut short by a queue stop
func (o *Orchestrator) executionFailed(job *Job, jobErr error) {
	if !isExecutionJob(job) {
		return
	}
	backupID, ok := o.untrackJob(job)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	backup, err := o.backups.FindByID(ctx, backupID)
	if err != nil {
		o.logger.Logger().WithField("backup_id", backupID).WithError(err).Warn("Failed to load backup of failed execution job")
		return
	}
	if backup.Status != BackupStatusPending && backup.Status != BackupStatusInProgress {
		return
	}

	reason := fmt.Sprintf("execution job %s failed after %d attempt(s): %v", job.ID, job.Attempt, jobErr)
	if errors.Is(jobErr, context.Canceled) {
		reason = fmt.Sprintf("interrupted: execution job %s was stopped: %v", job.ID, jobErr)
	}
	o.failBackup(ctx, backup, reason)
}

// RecoverInterrupted fails pending and in-progress backups that no live execution job
// owns. The queue is in memory, so such records were orphaned by a stop or crash of an
// earlier process. It returns how many records were settled.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := o.backups.FindMany(ctx, BackupFilter{
		Statuses: []BackupStatus{BackupStatusPending, BackupStatusInProgress},
	}, 0, 0)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, backup := range stale {
		if o.hasLiveJob(backup.ID) {
			continue
		}
		from := backup.Status
		if err := o.transition(ctx, backup, BackupStatusFailed, "interrupted: no execution job survived the restart"); err != nil {
			o.logger.Logger().WithContext(ctx).WithField("backup_id", backup.ID).WithError(err).Warn("Failed to settle interrupted backup")
			continue
		}
		o.metrics.BackupFinished(string(backup.Type), string(BackupStatusFailed), o.now().Sub(backup.StartedAt), 0)
		o.alert(ctx, AlertTypeBackupFailed, backup, "Backup interrupted",
			fmt.Sprintf("backup %s was %s when its execution job was lost", backup.ID, from))
		recovered++
	}
	return recovered, nil
}

// CreateBackup validates the request, persists a pending record and enqueues its execution
func (o *Orchestrator) CreateBackup(ctx context.Context, req CreateBackupRequest) (*Backup, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tenantID, err := ResolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	location := req.StorageLocation
	if location == "" {
		location = o.config.DefaultStorageLocation
	}
	if _, err := o.storage.Resolve(location, req.Regions); err != nil {
		return nil, err
	}
	if o.pipeline == nil {
		return nil, NewConfigurationError("no execution pipeline configured", nil)
	}

	opts := ExecutionOptions{
		Compression: CompressionNone,
		Encrypt:     req.EncryptionEnabled,
		Include:     req.Include,
		Exclude:     req.Exclude,
	}
	if req.CompressionEnabled {
		opts.Compression = req.Compression
		if opts.Compression == "" || opts.Compression == CompressionNone {
			opts.Compression = o.config.DefaultCompression
		}
		opts.CompressionLevel = req.CompressionLevel
		if opts.CompressionLevel == 0 {
			opts.CompressionLevel = o.config.DefaultCompressionLevel
		}
	}

	var keyID string
	if req.EncryptionEnabled {
		if o.encryption == nil {
			return nil, NewConfigurationError("encryption requested but no master key is configured", nil)
		}
		key, err := o.encryption.GetOrCreateActiveKey(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		keyID = key.ID
	}

	defaults := req.Type.Defaults()
	retention := req.RetentionDays
	if retention == 0 {
		retention = defaults.RetentionDays
	}
	priority := req.Priority
	if priority == 0 {
		priority = DefaultJobPriority
	}

	now := o.now()
	backup := &Backup{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		Type:             req.Type,
		Status:           BackupStatusPending,
		StorageLocation:  location,
		StoragePath:      FormatStoragePath(tenantID, req.Type, now),
		EncryptionKeyID:  keyID,
		Compression:      opts.Compression,
		CompressionRatio: 1.0,
		StartedAt:        now,
		RetentionDays:    retention,
		ExpiresAt:        now.AddDate(0, 0, retention),
		Metadata:         copyMetadata(req.Metadata),
		Regions:          append([]string(nil), req.Regions...),
		RTOMinutes:       defaults.RTOMinutes,
		RPOMinutes:       defaults.RPOMinutes,
		CreatedBy:        CallerIdentity(ctx),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if backup.Metadata == nil {
		backup.Metadata = make(map[string]interface{})
	}
	backup.Metadata["priority"] = priority

	if err := o.backups.Create(ctx, backup); err != nil {
		return nil, err
	}
	o.logger.LogBackupRequest(ctx, backup)

	// tracked before enqueue so a fast failure callback cannot race the bookkeeping
	o.liveMu.Lock()
	handle, err := o.queue.Enqueue(ctx, QueueBackupExecution, JobProcessBackup,
		processBackupPayload{BackupID: backup.ID, Options: opts},
		JobOptions{Priority: priority, Lane: BackupLane(tenantID, req.Type)})
	if err == nil {
		o.live[backup.ID] = handle.ID
	}
	o.liveMu.Unlock()
	if err != nil {
		o.fail(ctx, backup, fmt.Sprintf("failed to enqueue execution: %v", err))
		return nil, err
	}

	return backup.Clone(), nil
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ProcessBackupJob runs the execution pipeline for one queued backup
func (o *Orchestrator) ProcessBackupJob(ctx context.Context, job *Job) error {
	var payload processBackupPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	backup, err := o.backups.FindByID(ctx, payload.BackupID)
	if err != nil {
		return err
	}

	switch backup.Status {
	case BackupStatusPending:
		// a backup that cannot have a source window never starts
		if _, err := o.pipeline.SourceWindow(ctx, backup); err != nil {
			if IsPermanent(err) {
				o.failBackup(ctx, backup, err.Error())
			}
			return err
		}
		if err := o.transition(ctx, backup, BackupStatusInProgress, fmt.Sprintf("execution job %s started", job.ID)); err != nil {
			return err
		}
	case BackupStatusInProgress:
		// retry of an earlier attempt
	default:
		o.logger.Logger().WithContext(ctx).WithFields(map[string]interface{}{
			"backup_id": backup.ID,
			"status":    string(backup.Status),
		}).Info("Backup already processed, skipping duplicate delivery")
		return nil
	}

	done := o.logger.LogBackupStart(ctx, backup, job.Attempt)
	result, err := o.pipeline.Execute(ctx, backup, payload.Options)
	if err != nil {
		if IsPermanent(err) || job.IsFinalAttempt() {
			o.failBackup(ctx, backup, err.Error())
		} else {
			settleCtx, cancel := settleContext(ctx)
			backup.ErrorMessage = fmt.Sprintf("attempt %d/%d failed: %s", job.Attempt, job.Options.Attempts, err.Error())
			backup.UpdatedAt = o.now()
			if uerr := o.backups.Update(settleCtx, backup); uerr != nil {
				o.logger.Logger().WithContext(ctx).WithField("backup_id", backup.ID).WithError(uerr).Warn("Failed to record attempt failure")
			}
			cancel()
		}
		done(err, backup)
		return err
	}

	backup.SizeBytes = result.SizeBytes
	backup.Checksum = result.Checksum
	backup.EncryptionKeyID = result.EncryptionKeyID
	backup.Compression = result.Compression
	backup.CompressionRatio = result.CompressionRatio
	if result.Since != nil {
		backup.Metadata["since"] = result.Since.UTC().Format(time.RFC3339Nano)
	}
	if err := o.transition(ctx, backup, BackupStatusCompleted, ""); err != nil {
		done(err, backup)
		return err
	}

	o.metrics.BackupFinished(string(backup.Type), string(BackupStatusCompleted), backup.Duration(), backup.SizeBytes)
	done(nil, backup)

	if o.config.AutoVerify {
		if _, err := o.VerifyBackup(ctx, backup.ID); err != nil {
			o.logger.Logger().WithContext(ctx).WithField("backup_id", backup.ID).WithError(err).Warn("Failed to schedule automatic verification")
		}
	}
	return nil
}

// transition applies a status change and persists it
func (o *Orchestrator) transition(ctx context.Context, backup *Backup, next BackupStatus, reason string) error {
	from := backup.Status
	if err := backup.TransitionTo(next, o.now(), reason); err != nil {
		return err
	}
	if err := o.backups.Update(ctx, backup); err != nil {
		return err
	}
	o.logger.Logger().LogBackupTransition(backup.TenantID, backup.ID, string(from), string(next), reason)
	return nil
}

// fail moves a pending or running backup to failed. The write outlives a cancelled ctx.
// Errors are logged, not returned.
func (o *Orchestrator) fail(ctx context.Context, backup *Backup, reason string) bool {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	if err := o.transition(ctx, backup, BackupStatusFailed, reason); err != nil {
		o.logger.Logger().WithContext(ctx).WithField("backup_id", backup.ID).WithError(err).Error("Failed to mark backup as failed")
		return false
	}
	return true
}

// failBackup fails the backup, records the metric and raises an alert
func (o *Orchestrator) failBackup(ctx context.Context, backup *Backup, reason string) {
	if !o.fail(ctx, backup, reason) {
		return
	}
	o.metrics.BackupFinished(string(backup.Type), string(BackupStatusFailed), o.now().Sub(backup.StartedAt), 0)

	alertCtx, cancel := settleContext(ctx)
	defer cancel()
	o.alert(alertCtx, AlertTypeBackupFailed, backup, "Backup failed", reason)
}

func (o *Orchestrator) alert(ctx context.Context, alertType AlertType, backup *Backup, title, message string) {
	alert := NewAlert(alertType, AlertSeverityCritical, title, message)
	if backup != nil {
		alert.TenantID = backup.TenantID
		alert.BackupID = backup.ID
		alert.Metadata["backup_type"] = string(backup.Type)
		alert.Metadata["storage_location"] = string(backup.StorageLocation)
	}
	if err := o.notifier.Notify(ctx, alert); err != nil {
		o.logger.Logger().WithContext(ctx).WithField("alert_type", string(alertType)).WithError(err).Warn("Failed to deliver alert")
	}
}

// authorize loads a backup and checks the caller may act on its tenant
func (o *Orchestrator) authorize(ctx context.Context, id string) (*Backup, error) {
	backup, err := o.backups.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ResolveTenant(ctx, backup.TenantID); err != nil {
		return nil, err
	}
	return backup, nil
}

// GetBackup returns one backup record
func (o *Orchestrator) GetBackup(ctx context.Context, id string) (*Backup, error) {
	return o.authorize(ctx, id)
}

// ListBackups lists the caller's backups, newest first
func (o *Orchestrator) ListBackups(ctx context.Context, filter BackupFilter, limit, offset int) ([]*Backup, error) {
	tenantID, err := ResolveTenant(ctx, filter.TenantID)
	if err != nil {
		return nil, err
	}
	filter.TenantID = tenantID
	return o.backups.FindMany(ctx, filter, limit, offset)
}

// RestoreFromBackup enqueues a restore of a completed, verified backup at the highest priority
func (o *Orchestrator) RestoreFromBackup(ctx context.Context, req RestoreBackupRequest) (*JobHandle, error) {
	if strings.TrimSpace(req.BackupID) == "" {
		return nil, NewValidationError("backup id is required", nil)
	}
	if o.restorer == nil || o.materializer == nil {
		return nil, NewConfigurationError("no restore command configured", nil)
	}

	backup, err := o.authorize(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}
	if !backup.IsRestorable() {
		return nil, NewConflictError(
			fmt.Sprintf("backup %s is %s and verified=%t; only completed, verified backups can be restored",
				backup.ID, backup.Status, backup.IsVerified), nil)
	}

	return o.queue.Enqueue(ctx, QueueBackupRestore, JobProcessRestore,
		processRestorePayload{BackupID: backup.ID, Target: req.Target},
		JobOptions{Priority: RestorePriority, Lane: "restore/" + backup.TenantID})
}

// ProcessRestoreJob materializes an artifact and hands it to the restore command
func (o *Orchestrator) ProcessRestoreJob(ctx context.Context, job *Job) (err error) {
	var payload processRestorePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	backup, err := o.backups.FindByID(ctx, payload.BackupID)
	if err != nil {
		return err
	}
	if !backup.IsRestorable() {
		return NewConflictError(fmt.Sprintf("backup %s is no longer restorable", backup.ID), nil)
	}

	done := o.logger.LogRestoreStart(ctx, backup, payload.Target)
	defer func() {
		done(err)
		if err != nil && (IsPermanent(err) || job.IsFinalAttempt()) {
			o.alert(ctx, AlertTypeRestoreFailed, backup, "Restore failed", err.Error())
		}
	}()

	artifact, err := o.materializer.Materialize(ctx, backup)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := artifact.Cleanup(); cerr != nil {
			o.logger.Logger().WithContext(ctx).WithField("dir", artifact.Dir).WithError(cerr).Warn("Failed to remove restore working directory")
		}
	}()

	return o.restorer.Restore(ctx, RestoreRequest{
		TenantID:  backup.TenantID,
		BackupID:  backup.ID,
		Type:      backup.Type,
		InputPath: artifact.Path,
		Target:    payload.Target,
	})
}

// VerifyBackup enqueues verification of a completed backup
func (o *Orchestrator) VerifyBackup(ctx context.Context, id string) (*JobHandle, error) {
	if o.verifier == nil {
		return nil, NewConfigurationError("no verification engine configured", nil)
	}
	backup, err := o.authorize(ctx, id)
	if err != nil {
		return nil, err
	}
	if backup.Status != BackupStatusCompleted {
		return nil, NewConflictError(
			fmt.Sprintf("backup %s is %s; only completed backups can be verified", backup.ID, backup.Status), nil)
	}

	return o.queue.Enqueue(ctx, QueueBackupVerification, JobVerifyBackup,
		verifyBackupPayload{BackupID: backup.ID}, JobOptions{Lane: "verify/" + backup.ID})
}

// ProcessVerifyJob runs the verification engine for one queued backup
func (o *Orchestrator) ProcessVerifyJob(ctx context.Context, job *Job) error {
	var payload verifyBackupPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	result, err := o.verifier.verify(ctx, payload.BackupID, true, job.IsFinalAttempt())
	if err != nil {
		return err
	}
	if !result.IsValid {
		backup, ferr := o.backups.FindByID(ctx, payload.BackupID)
		if ferr != nil {
			backup = &Backup{ID: payload.BackupID}
		}
		o.alert(ctx, AlertTypeVerificationFailed, backup, "Backup verification failed", strings.Join(result.Errors, "; "))
	}
	return nil
}

// DeleteBackup removes the stored artifact and then the record
func (o *Orchestrator) DeleteBackup(ctx context.Context, id string) error {
	backup, err := o.authorize(ctx, id)
	if err != nil {
		return err
	}
	if err := o.deleteBackup(ctx, backup, "manual"); err != nil {
		return err
	}
	o.metrics.BackupsDeleted("manual", 1)
	return nil
}

func (o *Orchestrator) deleteBackup(ctx context.Context, backup *Backup, reason string) (err error) {
	if backup.Status == BackupStatusInProgress || backup.Status == BackupStatusVerifying {
		return NewConflictError(fmt.Sprintf("backup %s is %s and cannot be deleted", backup.ID, backup.Status), nil)
	}

	done := o.logger.LogBackupDeletion(ctx, backup, reason)
	defer func() { done(err) }()

	// the record must never outlive its artifact
	if backup.StoragePath != "" {
		backend, err := o.storage.Resolve(backup.StorageLocation, backup.Regions)
		if err != nil {
			return err
		}
		if err := backend.Delete(ctx, backup.StoragePath); err != nil {
			return err
		}
	}
	return o.backups.Delete(ctx, backup.ID)
}

// CleanupExpiredBackups deletes every backup past its expiry and returns how many were removed.
// Individual failures are logged and skipped.
func (o *Orchestrator) CleanupExpiredBackups(ctx context.Context) (deleted int, err error) {
	now := o.now()
	done := o.logger.LogRetentionCleanup(ctx, now)
	var removed []string
	defer func() { done(err, removed) }()

	expired, err := o.backups.FindExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	var failures []string
	for _, backup := range expired {
		if err := ctx.Err(); err != nil {
			return len(removed), NewTimeoutError("expired backup cleanup interrupted", err)
		}
		if derr := o.deleteBackup(ctx, backup, "expired"); derr != nil {
			if IsNotFound(derr) {
				continue
			}
			failures = append(failures, fmt.Sprintf("%s: %v", backup.ID, derr))
			continue
		}
		removed = append(removed, backup.ID)
	}

	if len(removed) > 0 {
		o.metrics.BackupsDeleted("expired", len(removed))
	}
	if len(failures) > 0 {
		o.alert(ctx, AlertTypeCleanupFailed, nil, "Expired backup cleanup incomplete",
			fmt.Sprintf("%d of %d expired backups could not be deleted: %s", len(failures), len(expired), strings.Join(failures, "; ")))
	}
	return len(removed), nil
}

// GetBackupStatistics aggregates the tenant's catalog
func (o *Orchestrator) GetBackupStatistics(ctx context.Context, tenantID string) (*BackupStatistics, error) {
	tenantID, err := ResolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return o.backups.GetStatistics(ctx, tenantID)
}

// FindOrphanedArtifacts lists stored objects under the tenant's prefix that no record references
func (o *Orchestrator) FindOrphanedArtifacts(ctx context.Context, tenantID string) ([]ObjectInfo, error) {
	tenantID, err := ResolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	records, err := o.backups.FindMany(ctx, BackupFilter{TenantID: tenantID}, 0, 0)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(records))
	for _, b := range records {
		known[b.StoragePath] = true
	}

	locations := o.storage.Locations()
	sort.Slice(locations, func(i, j int) bool { return locations[i] < locations[j] })

	prefix := fmt.Sprintf("backups/%s/", tenantID)
	var orphans []ObjectInfo
	for _, location := range locations {
		backend, err := o.storage.Resolve(location, nil)
		if err != nil {
			return nil, err
		}
		lister, ok := backend.(ObjectLister)
		if !ok {
			continue
		}
		objects, err := lister.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			if !known[obj.Path] {
				orphans = append(orphans, obj)
			}
		}
	}
	return orphans, nil
}
