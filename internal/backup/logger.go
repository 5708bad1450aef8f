package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tenant-backup/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// BackupLogger provides structured logging for backup operations with correlation IDs and audit trails
type BackupLogger struct {
	logger        *logging.Logger
	auditLogger   *logrus.Logger
	correlationID string
}

// BackupLoggerConfig holds configuration for backup logging
type BackupLoggerConfig struct {
	Logger         *logging.Logger
	AuditLogFile   string
	AuditOutput    io.Writer
	CorrelationID  string
	EnableAuditLog bool
}

// LogEntry represents a structured log entry for backup operations
type LogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Operation     string                 `json:"operation"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	BackupID      string                 `json:"backup_id,omitempty"`
	Status        string                 `json:"status"`
	Duration      string                 `json:"duration,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogEntry represents an audit trail entry for compliance
type AuditLogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	UserID        string                 `json:"user_id,omitempty"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	Operation     string                 `json:"operation"`
	Resource      string                 `json:"resource"`
	Action        string                 `json:"action"`
	Result        string                 `json:"result"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NewBackupLogger creates a new backup logger with correlation ID support.
// The audit trail goes to AuditOutput when set, otherwise to a rotating AuditLogFile.
func NewBackupLogger(config BackupLoggerConfig) (*BackupLogger, error) {
	correlationID := config.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	bl := &BackupLogger{
		logger:        logger,
		correlationID: correlationID,
	}

	if !config.EnableAuditLog {
		return bl, nil
	}

	var output io.Writer
	switch {
	case config.AuditOutput != nil:
		output = config.AuditOutput
	case config.AuditLogFile != "":
		if err := os.MkdirAll(filepath.Dir(config.AuditLogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		output = &lumberjack.Logger{
			Filename:   config.AuditLogFile,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     365,
		}
	default:
		return bl, nil
	}

	auditLogger := logrus.New()
	auditLogger.SetOutput(output)
	auditLogger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	auditLogger.SetLevel(logrus.InfoLevel)
	bl.auditLogger = auditLogger

	return bl, nil
}

// NewNopBackupLogger returns a logger that discards all output
func NewNopBackupLogger() *BackupLogger {
	bl, _ := NewBackupLogger(BackupLoggerConfig{Logger: logging.NewNopLogger()})
	return bl
}

// GetCorrelationID returns the current correlation ID
func (bl *BackupLogger) GetCorrelationID() string {
	return bl.correlationID
}

// WithCorrelationID creates a new logger with a different correlation ID
func (bl *BackupLogger) WithCorrelationID(correlationID string) *BackupLogger {
	return &BackupLogger{
		logger:        bl.logger,
		auditLogger:   bl.auditLogger,
		correlationID: correlationID,
	}
}

// Logger returns the underlying application logger
func (bl *BackupLogger) Logger() *logging.Logger {
	return bl.logger
}

// correlationFor prefers the correlation id carried by ctx
func (bl *BackupLogger) correlationFor(ctx context.Context) string {
	if id := logging.GetCorrelationID(ctx); id != "" {
		return id
	}
	return bl.correlationID
}

// LogBackupStart logs the start of a pipeline run and returns its completion callback
func (bl *BackupLogger) LogBackupStart(ctx context.Context, backup *Backup, attempt int) func(error, *Backup) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationFor(ctx),
		Operation:     "backup_execute",
		TenantID:      backup.TenantID,
		BackupID:      backup.ID,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"backup_type":      string(backup.Type),
			"storage_location": string(backup.StorageLocation),
			"storage_path":     backup.StoragePath,
			"attempt":          attempt,
		},
	}

	bl.logStructured(entry)
	bl.logAudit(ctx, backup.TenantID, "backup", "execute", "started", map[string]interface{}{
		"backup_id":   backup.ID,
		"backup_type": string(backup.Type),
	})

	return func(err error, result *Backup) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)

		if result != nil {
			entry.Metadata["size_bytes"] = result.SizeBytes
			entry.Metadata["checksum"] = result.Checksum
			entry.Metadata["compression"] = string(result.Compression)
			entry.Metadata["compression_ratio"] = result.CompressionRatio
			entry.Metadata["encrypted"] = result.IsEncrypted()
		}

		bl.logStructured(entry)
		bl.logAudit(ctx, backup.TenantID, "backup", "execute", auditResult(err), map[string]interface{}{
			"backup_id": backup.ID,
			"duration":  duration.String(),
			"error":     entry.Error,
		})
	}
}

// LogBackupRequest audits the acceptance of a backup request
func (bl *BackupLogger) LogBackupRequest(ctx context.Context, backup *Backup) {
	bl.logStructured(LogEntry{
		Timestamp:     time.Now(),
		CorrelationID: bl.correlationFor(ctx),
		Operation:     "backup_request",
		TenantID:      backup.TenantID,
		BackupID:      backup.ID,
		Status:        "completed",
		Success:       true,
		Metadata: map[string]interface{}{
			"backup_type":      string(backup.Type),
			"storage_location": string(backup.StorageLocation),
			"retention_days":   backup.RetentionDays,
		},
	})
	bl.logAudit(ctx, backup.TenantID, "backup", "create", "accepted", map[string]interface{}{
		"backup_id":   backup.ID,
		"backup_type": string(backup.Type),
		"created_by":  backup.CreatedBy,
	})
}

// LogVerification logs backup verification operations
func (bl *BackupLogger) LogVerification(ctx context.Context, backup *Backup) func(error, *VerificationResult) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationFor(ctx),
		Operation:     "backup_verify",
		TenantID:      backup.TenantID,
		BackupID:      backup.ID,
		Status:        "started",
		Success:       true,
		Metadata:      map[string]interface{}{},
	}

	bl.logStructured(entry)

	return func(err error, result *VerificationResult) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)

		if result != nil {
			entry.Metadata["valid"] = result.IsValid
			entry.Metadata["checksum_valid"] = result.ChecksumValid
			entry.Metadata["size_valid"] = result.SizeValid
			entry.Metadata["encryption_valid"] = result.EncryptionValid
			entry.Metadata["structure_valid"] = result.StructureValid
			entry.Metadata["error_count"] = len(result.Errors)
			entry.Metadata["warning_count"] = len(result.Warnings)
			if !result.IsValid && err == nil {
				entry.Success = false
				entry.Status = "invalid"
			}
		}

		bl.logStructured(entry)

		outcome := auditResult(err)
		if result != nil && !result.IsValid {
			outcome = "failure"
		}
		bl.logAudit(ctx, backup.TenantID, "backup", "verify", outcome, map[string]interface{}{
			"backup_id": backup.ID,
			"duration":  duration.String(),
		})
	}
}

// LogBackupDeletion logs backup deletion operations
func (bl *BackupLogger) LogBackupDeletion(ctx context.Context, backup *Backup, reason string) func(error) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationFor(ctx),
		Operation:     "backup_delete",
		TenantID:      backup.TenantID,
		BackupID:      backup.ID,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"reason":       reason,
			"storage_path": backup.StoragePath,
		},
	}

	bl.logStructured(entry)

	return func(err error) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)
		bl.logStructured(entry)

		bl.logAudit(ctx, backup.TenantID, "backup", "delete", auditResult(err), map[string]interface{}{
			"backup_id": backup.ID,
			"reason":    reason,
			"duration":  duration.String(),
		})
	}
}

// LogRestoreStart logs a single-backup restore
func (bl *BackupLogger) LogRestoreStart(ctx context.Context, backup *Backup, target string) func(error) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationFor(ctx),
		Operation:     "backup_restore",
		TenantID:      backup.TenantID,
		BackupID:      backup.ID,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"backup_type": string(backup.Type),
			"target":      target,
		},
	}

	bl.logStructured(entry)
	bl.logAudit(ctx, backup.TenantID, "backup", "restore", "started", map[string]interface{}{
		"backup_id": backup.ID,
		"target":    target,
	})

	return func(err error) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)
		bl.logStructured(entry)

		bl.logAudit(ctx, backup.TenantID, "backup", "restore", auditResult(err), map[string]interface{}{
			"backup_id": backup.ID,
			"duration":  duration.String(),
			"error":     entry.Error,
		})
	}
}

// LogRecoveryStart logs the execution of a recovery plan
func (bl *BackupLogger) LogRecoveryStart(ctx context.Context, plan *RecoveryPlan, dryRun bool) func(error, *RecoveryExecution) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationFor(ctx),
		Operation:     "recovery_execute",
		TenantID:      plan.TenantID,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"target_time": plan.TargetTime.Format(time.RFC3339),
			"steps":       len(plan.Steps),
			"dry_run":     dryRun,
		},
	}

	bl.logStructured(entry)
	bl.logAudit(ctx, plan.TenantID, "recovery", "execute", "started", map[string]interface{}{
		"target_time": plan.TargetTime.Format(time.RFC3339),
		"dry_run":     dryRun,
	})

	return func(err error, execution *RecoveryExecution) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)

		outcome := auditResult(err)
		if execution != nil {
			entry.Metadata["execution_id"] = execution.ID
			entry.Metadata["result"] = string(execution.Status)
			entry.Metadata["steps_completed"] = execution.CompletedSteps()
			if execution.Status != RecoveryStatusCompleted {
				entry.Success = false
				entry.Status = string(execution.Status)
				outcome = string(execution.Status)
			}
		}

		bl.logStructured(entry)
		bl.logAudit(ctx, plan.TenantID, "recovery", "execute", outcome, map[string]interface{}{
			"target_time": plan.TargetTime.Format(time.RFC3339),
			"duration":    duration.String(),
			"error":       entry.Error,
		})
	}
}

// LogRetentionCleanup logs an expired-backup sweep
func (bl *BackupLogger) LogRetentionCleanup(ctx context.Context, now time.Time) func(error, []string) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationFor(ctx),
		Operation:     "retention_cleanup",
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"cutoff": now.Format(time.RFC3339),
		},
	}

	bl.logStructured(entry)

	return func(err error, deleted []string) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)
		entry.Metadata["deleted_count"] = len(deleted)

		bl.logStructured(entry)
		bl.logAudit(ctx, "", "retention", "cleanup", auditResult(err), map[string]interface{}{
			"deleted_backups": deleted,
			"duration":        duration.String(),
		})
	}
}

// LogKeyRotation logs an encryption key rotation
func (bl *BackupLogger) LogKeyRotation(ctx context.Context, tenantID string) func(error, string) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationFor(ctx),
		Operation:     "key_rotate",
		TenantID:      tenantID,
		Status:        "started",
		Success:       true,
		Metadata:      map[string]interface{}{},
	}

	bl.logStructured(entry)

	return func(err error, keyID string) {
		duration := time.Since(startTime)
		bl.finish(&entry, duration, err)
		if keyID != "" {
			entry.Metadata["key_id"] = keyID
		}

		bl.logStructured(entry)
		bl.logAudit(ctx, tenantID, "encryption_key", "rotate", auditResult(err), map[string]interface{}{
			"key_id":   keyID,
			"duration": duration.String(),
		})
	}
}

// LogStorageOperation logs storage operations
func (bl *BackupLogger) LogStorageOperation(ctx context.Context, operation, backend, path string) func(error, *ObjectInfo) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationFor(ctx),
		Operation:     fmt.Sprintf("storage_%s", operation),
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"backend": backend,
			"path":    path,
		},
	}

	bl.logStructured(entry)

	return func(err error, info *ObjectInfo) {
		bl.finish(&entry, time.Since(startTime), err)
		if info != nil {
			entry.Metadata["size_bytes"] = info.Size
			entry.Metadata["checksum"] = info.Checksum
		}
		bl.logStructured(entry)
	}
}

func (bl *BackupLogger) finish(entry *LogEntry, duration time.Duration, err error) {
	entry.Timestamp = time.Now()
	entry.Status = "completed"
	entry.Duration = duration.String()
	entry.Success = err == nil

	if err != nil {
		entry.Error = err.Error()
		entry.Status = "failed"
		if t := ErrorTypeOf(err); t != "" {
			entry.Metadata["error_type"] = string(t)
		}
	}
}

func auditResult(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// logStructured logs a structured log entry
func (bl *BackupLogger) logStructured(entry LogEntry) {
	fields := logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"operation":      entry.Operation,
		"status":         entry.Status,
		"success":        entry.Success,
	}

	if entry.TenantID != "" {
		fields["tenant_id"] = entry.TenantID
	}
	if entry.BackupID != "" {
		fields["backup_id"] = entry.BackupID
	}
	if entry.Duration != "" {
		fields["duration"] = entry.Duration
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}

	for k, v := range entry.Metadata {
		fields[k] = v
	}

	logEntry := bl.logger.WithFields(fields)

	if entry.Success {
		if entry.Status == "started" {
			logEntry.Debug("Backup operation started")
		} else {
			logEntry.Info("Backup operation completed successfully")
		}
	} else {
		logEntry.Error("Backup operation failed")
	}
}

// logAudit logs an audit trail entry. The acting user comes from the caller identity on ctx.
func (bl *BackupLogger) logAudit(ctx context.Context, tenantID, resource, action, result string, details map[string]interface{}) {
	if bl.auditLogger == nil {
		return
	}

	entry := AuditLogEntry{
		Timestamp:     time.Now(),
		CorrelationID: bl.correlationFor(ctx),
		UserID:        CallerIdentity(ctx),
		TenantID:      tenantID,
		Operation:     fmt.Sprintf("%s_%s", resource, action),
		Resource:      resource,
		Action:        action,
		Result:        result,
		Details:       details,
	}

	bl.auditLogger.WithFields(logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"user_id":        entry.UserID,
		"tenant_id":      entry.TenantID,
		"operation":      entry.Operation,
		"resource":       entry.Resource,
		"action":         entry.Action,
		"result":         entry.Result,
		"details":        entry.Details,
	}).Info("Audit log entry")
}
