package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tenant-backup/internal/metrics"

	"github.com/google/uuid"
)

// RecoveryStepType names what a step does with its backup
type RecoveryStepType string

const (
	StepRestoreFull         RecoveryStepType = "restore_full"
	StepApplyIncremental    RecoveryStepType = "apply_incremental"
	StepApplyDifferential   RecoveryStepType = "apply_differential"
	StepApplyTransactionLog RecoveryStepType = "apply_transaction_log"
)

// Planning limits
const (
	MaxRecoveryAge      = 365 * 24 * time.Hour
	recoveryBaseline    = 100 * 1024 * 1024
	minSizeFactor       = 0.1
	oldBackupWarnAge    = 30 * 24 * time.Hour
	largeChainWarnBytes = 10 * 1024 * 1024 * 1024
)

var stepBaseDuration = map[RecoveryStepType]time.Duration{
	StepRestoreFull:         10 * time.Minute,
	StepApplyDifferential:   6 * time.Minute,
	StepApplyIncremental:    3 * time.Minute,
	StepApplyTransactionLog: 2 * time.Minute,
}

var stepForType = map[BackupType]RecoveryStepType{
	BackupTypeFull:         StepRestoreFull,
	BackupTypeDifferential: StepApplyDifferential,
	BackupTypeIncremental:  StepApplyIncremental,
	BackupTypePointInTime:  StepApplyTransactionLog,
}

// NoSuitableBackup is the plan warning when no full backup precedes the target
const NoSuitableBackup = "no suitable backup found"

// RecoveryStep applies one chain member
type RecoveryStep struct {
	Order             int              `json:"order"`
	Type              RecoveryStepType `json:"type"`
	BackupID          string           `json:"backup_id"`
	BackupType        BackupType       `json:"backup_type"`
	CompletedAt       time.Time        `json:"completed_at"`
	SizeBytes         int64            `json:"size_bytes"`
	Encrypted         bool             `json:"encrypted"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
}

// RecoveryPlan is the ordered chain needed to reach TargetTime
type RecoveryPlan struct {
	TenantID          string         `json:"tenant_id"`
	TargetTime        time.Time      `json:"target_time"`
	Steps             []RecoveryStep `json:"steps"`
	CanRecover        bool           `json:"can_recover"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`
	EstimatedDataLoss time.Duration  `json:"estimated_data_loss"`
	TotalSizeBytes    int64          `json:"total_size_bytes"`
	Warnings          []string       `json:"warnings,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// RecoveryStatus is the outcome of an execution
type RecoveryStatus string

const (
	RecoveryStatusCompleted RecoveryStatus = "completed"
	RecoveryStatusPartial   RecoveryStatus = "partial"
	RecoveryStatusFailed    RecoveryStatus = "failed"
)

// StepStatus is the outcome of one step
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusValidated StepStatus = "validated"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepResult records how one step went
type StepResult struct {
	Step     RecoveryStep  `json:"step"`
	Status   StepStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RecoveryExecution records one run of a plan
type RecoveryExecution struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	TargetTime  time.Time      `json:"target_time"`
	DryRun      bool           `json:"dry_run"`
	Status      RecoveryStatus `json:"status"`
	Steps       []StepResult   `json:"steps"`
	Errors      []string       `json:"errors,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
}

// CompletedSteps counts steps that finished successfully
func (e *RecoveryExecution) CompletedSteps() int {
	n := 0
	for _, s := range e.Steps {
		if s.Status == StepStatusCompleted || s.Status == StepStatusValidated {
			n++
		}
	}
	return n
}

// RecoveryOptions tune ExecuteRecovery
type RecoveryOptions struct {
	DryRun bool   `json:"dry_run"`
	Target string `json:"target,omitempty"`
}

// RecoveryPoint is a restorable backup offered to operators
type RecoveryPoint struct {
	BackupID    string     `json:"backup_id"`
	TenantID    string     `json:"tenant_id"`
	Type        BackupType `json:"type"`
	CompletedAt time.Time  `json:"completed_at"`
	SizeBytes   int64      `json:"size_bytes"`
	Encrypted   bool       `json:"encrypted"`
}

// RecoveryDeps bundles the recovery manager's collaborators
type RecoveryDeps struct {
	Backups      BackupRepository
	Storage      *StorageRegistry
	Materializer *ArtifactMaterializer
	Encryption   *EncryptionService
	Restorer     Restorer
	Logger       *BackupLogger
	Metrics      metrics.Recorder
	Notifier     Notifier
}

// RecoveryManager plans and executes point-in-time recovery
type RecoveryManager struct {
	backups      BackupRepository
	storage      *StorageRegistry
	materializer *ArtifactMaterializer
	encryption   *EncryptionService
	restorer     Restorer
	logger       *BackupLogger
	metrics      metrics.Recorder
	notifier     Notifier
	now          func() time.Time
}

// NewRecoveryManager creates a recovery manager. Restorer may be nil; only dry runs work then.
func NewRecoveryManager(deps RecoveryDeps) (*RecoveryManager, error) {
	if deps.Backups == nil || deps.Storage == nil {
		return nil, NewConfigurationError("recovery requires a backup repository and storage registry", nil)
	}
	rm := &RecoveryManager{
		backups:      deps.Backups,
		storage:      deps.Storage,
		materializer: deps.Materializer,
		encryption:   deps.Encryption,
		restorer:     deps.Restorer,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		notifier:     deps.Notifier,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if rm.materializer == nil {
		rm.materializer = NewArtifactMaterializer(deps.Storage, deps.Encryption, nil, "")
	}
	if rm.logger == nil {
		rm.logger = NewNopBackupLogger()
	}
	if rm.metrics == nil {
		rm.metrics = metrics.Nop{}
	}
	if rm.notifier == nil {
		rm.notifier = NopNotifier{}
	}
	return rm, nil
}

// restorable returns the tenant's verified, completed backups finished at or before until, oldest first
func (rm *RecoveryManager) restorable(ctx context.Context, tenantID string, until time.Time) ([]*Backup, error) {
	verified := true
	candidates, err := rm.backups.FindMany(ctx, BackupFilter{
		TenantID:        tenantID,
		IsVerified:      &verified,
		CompletedBefore: &until,
	}, 0, 0)
	if err != nil {
		return nil, err
	}

	out := candidates[:0]
	for _, b := range candidates {
		if b.IsRestorable() && b.CompletedAt != nil && !b.CompletedAt.After(until) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

// ListRecoveryPoints lists the tenant's restorable backups, newest first
func (rm *RecoveryManager) ListRecoveryPoints(ctx context.Context, tenantID string) ([]*RecoveryPoint, error) {
	tenantID, err := ResolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	backups, err := rm.restorable(ctx, tenantID, rm.now())
	if err != nil {
		return nil, err
	}

	points := make([]*RecoveryPoint, 0, len(backups))
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		points = append(points, &RecoveryPoint{
			BackupID:    b.ID,
			TenantID:    b.TenantID,
			Type:        b.Type,
			CompletedAt: *b.CompletedAt,
			SizeBytes:   b.SizeBytes,
			Encrypted:   b.IsEncrypted(),
		})
	}
	return points, nil
}

// CreateRecoveryPlan selects the backup chain that reconstructs the tenant at target
func (rm *RecoveryManager) CreateRecoveryPlan(ctx context.Context, tenantID string, target time.Time) (*RecoveryPlan, error) {
	tenantID, err := ResolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := rm.now()
	target = target.UTC()
	if target.After(now) {
		return nil, NewValidationError(fmt.Sprintf("target time %s is in the future", target.Format(time.RFC3339)), nil)
	}
	if now.Sub(target) > MaxRecoveryAge {
		return nil, NewValidationError(
			fmt.Sprintf("target time %s is older than %d days", target.Format(time.RFC3339), int(MaxRecoveryAge.Hours()/24)), nil)
	}

	plan := &RecoveryPlan{TenantID: tenantID, TargetTime: target, CreatedAt: now}

	candidates, err := rm.restorable(ctx, tenantID, target)
	if err != nil {
		return nil, err
	}
	chain, gap := selectChain(candidates)
	if len(chain) == 0 {
		plan.Warnings = append(plan.Warnings, NoSuitableBackup)
		return plan, nil
	}
	if gap != "" {
		plan.Warnings = append(plan.Warnings, gap)
	}

	plan.CanRecover = true
	encrypted := 0
	for i, b := range chain {
		stepType := stepForType[b.Type]
		step := RecoveryStep{
			Order:             i + 1,
			Type:              stepType,
			BackupID:          b.ID,
			BackupType:        b.Type,
			CompletedAt:       *b.CompletedAt,
			SizeBytes:         b.SizeBytes,
			Encrypted:         b.IsEncrypted(),
			EstimatedDuration: estimateStep(stepType, b.SizeBytes),
		}
		plan.Steps = append(plan.Steps, step)
		plan.EstimatedDuration += step.EstimatedDuration
		plan.TotalSizeBytes += b.SizeBytes
		if step.Encrypted {
			encrypted++
		}
	}

	oldest, latest := chain[0], chain[len(chain)-1]
	plan.EstimatedDataLoss = target.Sub(*latest.CompletedAt)

	if age := now.Sub(*oldest.CompletedAt); age > oldBackupWarnAge {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("oldest backup in chain is %d days old", int(age.Hours()/24)))
	}
	if plan.TotalSizeBytes > largeChainWarnBytes {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("chain totals %.1f GB; restore may take long", float64(plan.TotalSizeBytes)/(1<<30)))
	}
	if encrypted > 0 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("%d of %d backups are encrypted; their keys must stay available", encrypted, len(chain)))
	}
	if rto := oldest.RTOMinutes; rto > 0 && plan.EstimatedDuration > time.Duration(rto)*time.Minute {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("estimated duration %s exceeds the %d minute RTO", plan.EstimatedDuration.Round(time.Second), rto))
	}
	if rpo := latest.RPOMinutes; rpo > 0 && plan.EstimatedDataLoss > time.Duration(rpo)*time.Minute {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("estimated data loss %s exceeds the %d minute RPO", plan.EstimatedDataLoss.Round(time.Second), rpo))
	}

	return plan, nil
}

// selectChain picks the latest full backup, the latest differential after it, then the
// incrementals and transaction logs after the last member. candidates are oldest first.
// The chain stops before a member whose captured window starts after the previous member
// completed; the returned warning describes that gap.
func selectChain(candidates []*Backup) ([]*Backup, string) {
	var full *Backup
	for _, b := range candidates {
		if b.Type == BackupTypeFull {
			full = b
		}
	}
	if full == nil {
		return nil, ""
	}

	chain := []*Backup{full}
	last := *full.CompletedAt

	var differential *Backup
	for _, b := range candidates {
		if b.Type == BackupTypeDifferential && b.CompletedAt.After(last) {
			differential = b
		}
	}
	if differential != nil {
		if gap := windowGap(full, differential); gap != "" {
			return chain, gap
		}
		chain = append(chain, differential)
		last = *differential.CompletedAt
	}

	for _, t := range []BackupType{BackupTypeIncremental, BackupTypePointInTime} {
		for _, b := range candidates {
			if b.Type != t || !b.CompletedAt.After(last) {
				continue
			}
			if gap := windowGap(chain[len(chain)-1], b); gap != "" {
				return chain, gap
			}
			chain = append(chain, b)
		}
		if tail := chain[len(chain)-1]; tail.CompletedAt.After(last) {
			last = *tail.CompletedAt
		}
	}
	return chain, ""
}

// windowGap reports a gap when next captured changes only from a point after prev completed.
// Backups without a recorded window are assumed contiguous.
func windowGap(prev, next *Backup) string {
	since, ok := windowStart(next)
	if !ok || !since.After(*prev.CompletedAt) {
		return ""
	}
	return fmt.Sprintf("chain stops at %s: %s %s captures changes since %s but %s completed at %s",
		prev.ID, next.Type, next.ID, since.Format(time.RFC3339), prev.ID, prev.CompletedAt.UTC().Format(time.RFC3339))
}

func windowStart(b *Backup) (time.Time, bool) {
	raw, ok := b.Metadata["since"].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return since, true
}

func estimateStep(stepType RecoveryStepType, sizeBytes int64) time.Duration {
	factor := float64(sizeBytes) / recoveryBaseline
	if factor < minSizeFactor {
		factor = minSizeFactor
	}
	return time.Duration(float64(stepBaseDuration[stepType]) * factor)
}

// ExecuteRecovery re-validates the plan and applies its steps in order. A failed
// restore_full aborts the run; other failed steps are recorded and the run continues.
func (rm *RecoveryManager) ExecuteRecovery(ctx context.Context, plan *RecoveryPlan, opts RecoveryOptions) (execution *RecoveryExecution, err error) {
	if plan == nil || !plan.CanRecover || len(plan.Steps) == 0 {
		return nil, NewConflictError("recovery plan has no usable backup chain", nil)
	}
	if _, err := ResolveTenant(ctx, plan.TenantID); err != nil {
		return nil, err
	}
	if !opts.DryRun && rm.restorer == nil {
		return nil, NewConfigurationError("no restore command configured", nil)
	}

	start := time.Now()
	execution = &RecoveryExecution{
		ID:         uuid.New().String(),
		TenantID:   plan.TenantID,
		TargetTime: plan.TargetTime,
		DryRun:     opts.DryRun,
		StartedAt:  rm.now(),
	}

	done := rm.logger.LogRecoveryStart(ctx, plan, opts.DryRun)
	defer func() {
		execution.CompletedAt = rm.now()
		if !opts.DryRun {
			execution.Duration = time.Since(start)
		}
		done(err, execution)
		rm.metrics.RecoveryFinished(string(execution.Status), execution.Duration)
		if execution.Status != RecoveryStatusCompleted && !opts.DryRun {
			alert := NewAlert(AlertTypeRecoveryFailed, AlertSeverityCritical, "Recovery "+string(execution.Status),
				strings.Join(execution.Errors, "; "))
			alert.TenantID = plan.TenantID
			alert.Metadata["execution_id"] = execution.ID
			if nerr := rm.notifier.Notify(ctx, alert); nerr != nil {
				rm.logger.Logger().WithContext(ctx).WithError(nerr).Warn("Failed to deliver recovery alert")
			}
		}
	}()

	backups, problems, err := rm.validatePlan(ctx, plan)
	if err != nil {
		execution.Status = RecoveryStatusFailed
		execution.Errors = append(execution.Errors, err.Error())
		return execution, err
	}
	if len(problems) > 0 {
		execution.Status = RecoveryStatusFailed
		execution.Errors = problems
		for _, step := range plan.Steps {
			execution.Steps = append(execution.Steps, StepResult{Step: step, Status: StepStatusSkipped})
		}
		return execution, NewConflictError("recovery plan is no longer valid: "+strings.Join(problems, "; "), nil)
	}

	if opts.DryRun {
		for _, step := range plan.Steps {
			execution.Steps = append(execution.Steps, StepResult{Step: step, Status: StepStatusValidated})
		}
		execution.Status = RecoveryStatusCompleted
		return execution, nil
	}

	aborted := false
	for i, step := range plan.Steps {
		if aborted {
			execution.Steps = append(execution.Steps, StepResult{Step: step, Status: StepStatusSkipped})
			continue
		}
		if cerr := ctx.Err(); cerr != nil {
			execution.Errors = append(execution.Errors, fmt.Sprintf("step %d: %v", step.Order, cerr))
			execution.Steps = append(execution.Steps, StepResult{Step: step, Status: StepStatusSkipped})
			aborted = true
			continue
		}

		stepStart := time.Now()
		serr := rm.applyStep(ctx, backups[i], opts.Target)
		result := StepResult{Step: step, Status: StepStatusCompleted, Duration: time.Since(stepStart)}
		if serr != nil {
			result.Status = StepStatusFailed
			result.Error = serr.Error()
			execution.Errors = append(execution.Errors, fmt.Sprintf("step %d (%s): %v", step.Order, step.Type, serr))
			if step.Type == StepRestoreFull {
				aborted = true
			}
		}
		execution.Steps = append(execution.Steps, result)
	}

	switch {
	case len(execution.Errors) == 0:
		execution.Status = RecoveryStatusCompleted
	case execution.Steps[0].Status == StepStatusCompleted:
		execution.Status = RecoveryStatusPartial
	default:
		execution.Status = RecoveryStatusFailed
	}
	return execution, nil
}

// validatePlan checks every chain member is still verified, stored and decryptable.
// Problems are returned as messages; infrastructure failures as an error.
func (rm *RecoveryManager) validatePlan(ctx context.Context, plan *RecoveryPlan) ([]*Backup, []string, error) {
	backups := make([]*Backup, 0, len(plan.Steps))
	var problems []string

	for _, step := range plan.Steps {
		b, err := rm.backups.FindByID(ctx, step.BackupID)
		if err != nil {
			if IsNotFound(err) {
				problems = append(problems, fmt.Sprintf("backup %s no longer exists", step.BackupID))
				backups = append(backups, nil)
				continue
			}
			return nil, nil, err
		}
		backups = append(backups, b)

		if b.TenantID != plan.TenantID {
			problems = append(problems, fmt.Sprintf("backup %s belongs to another tenant", b.ID))
			continue
		}
		if !b.IsRestorable() {
			problems = append(problems, fmt.Sprintf("backup %s is %s and no longer verified", b.ID, b.Status))
			continue
		}

		backend, err := rm.storage.Resolve(b.StorageLocation, b.Regions)
		if err != nil {
			problems = append(problems, fmt.Sprintf("backup %s: %v", b.ID, err))
			continue
		}
		exists, err := backend.Exists(ctx, b.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			problems = append(problems, fmt.Sprintf("artifact of backup %s is missing from %s", b.ID, b.StorageLocation))
			continue
		}

		if b.IsEncrypted() {
			if rm.encryption == nil {
				problems = append(problems, fmt.Sprintf("backup %s is encrypted but no master key is configured", b.ID))
				continue
			}
			if err := rm.encryption.ValidateKey(ctx, b.TenantID, b.EncryptionKeyID); err != nil {
				problems = append(problems, fmt.Sprintf("key %s of backup %s does not resolve: %v", b.EncryptionKeyID, b.ID, err))
			}
		}
	}
	return backups, problems, nil
}

func (rm *RecoveryManager) applyStep(ctx context.Context, backup *Backup, target string) error {
	artifact, err := rm.materializer.Materialize(ctx, backup)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := artifact.Cleanup(); cerr != nil {
			rm.logger.Logger().WithContext(ctx).WithField("dir", artifact.Dir).WithError(cerr).Warn("Failed to remove recovery working directory")
		}
	}()

	return rm.restorer.Restore(ctx, RestoreRequest{
		TenantID:  backup.TenantID,
		BackupID:  backup.ID,
		Type:      backup.Type,
		InputPath: artifact.Path,
		Target:    target,
	})
}
