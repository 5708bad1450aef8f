package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tenant-backup/internal/metrics"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Fixed sweep ids
const (
	SweepDailyFull          = "sweep:daily-full"
	SweepHourlyIncremental  = "sweep:hourly-incremental"
	SweepWeeklyDifferential = "sweep:weekly-differential"
	SweepDailyCleanup       = "sweep:daily-cleanup"
	SweepVerification       = "sweep:verification"
)

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression. Five fields, an optional leading seconds field,
// and descriptors such as @daily are accepted.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid schedule %q", expr), err)
	}
	return schedule, nil
}

// SchedulerConfig configures the fixed sweeps
type SchedulerConfig struct {
	Enabled              bool      `mapstructure:"enabled" yaml:"enabled"`
	FullSchedule         string    `mapstructure:"full_schedule" yaml:"full_schedule"`
	IncrementalSchedule  string    `mapstructure:"incremental_schedule" yaml:"incremental_schedule"`
	DifferentialSchedule string    `mapstructure:"differential_schedule" yaml:"differential_schedule"`
	CleanupSchedule      string    `mapstructure:"cleanup_schedule" yaml:"cleanup_schedule"`
	VerifySchedule       string    `mapstructure:"verify_schedule" yaml:"verify_schedule,omitempty"`
	SweepDefaults        JobConfig `mapstructure:"sweep_defaults" yaml:"sweep_defaults"`
}

// SetDefaults sets the sweep schedules
func (c *SchedulerConfig) SetDefaults() {
	if c.FullSchedule == "" {
		c.FullSchedule = "0 2 * * *"
	}
	if c.IncrementalSchedule == "" {
		c.IncrementalSchedule = "0 * * * *"
	}
	if c.DifferentialSchedule == "" {
		c.DifferentialSchedule = "0 3 * * 0"
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "0 4 * * *"
	}
}

// Validate validates every configured schedule expression
func (c *SchedulerConfig) Validate() error {
	var errors ValidationErrors
	for field, expr := range map[string]string{
		"scheduler.full_schedule":         c.FullSchedule,
		"scheduler.incremental_schedule":  c.IncrementalSchedule,
		"scheduler.differential_schedule": c.DifferentialSchedule,
		"scheduler.cleanup_schedule":      c.CleanupSchedule,
		"scheduler.verify_schedule":       c.VerifySchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := ParseSchedule(expr); err != nil {
			errors.Add(field, "invalid cron expression", expr)
		}
	}
	if errors.HasErrors() {
		return errors
	}
	return nil
}

// BackupRunner is the slice of the orchestrator the scheduler drives
type BackupRunner interface {
	CreateBackup(ctx context.Context, req CreateBackupRequest) (*Backup, error)
	CleanupExpiredBackups(ctx context.Context) (int, error)
}

// UnverifiedSweeper verifies completed backups that were never verified
type UnverifiedSweeper interface {
	VerifyUnverified(ctx context.Context) ([]BatchVerification, error)
}

// JobUpdate carries the fields an edit changes. Nil fields are left alone.
type JobUpdate struct {
	Name       *string     `json:"name,omitempty"`
	BackupType *BackupType `json:"backup_type,omitempty"`
	Schedule   *string     `json:"schedule,omitempty"`
	Enabled    *bool       `json:"enabled,omitempty"`
	Config     *JobConfig  `json:"config,omitempty"`
}

// SchedulerDeps bundles the scheduler's collaborators
type SchedulerDeps struct {
	Jobs     JobRepository
	Runner   BackupRunner
	Verifier UnverifiedSweeper
	Tenants  TenantLister
	Logger   *BackupLogger
	Metrics  metrics.Recorder
	Notifier Notifier
	Config   SchedulerConfig
}

// timerEntry is one armed schedule. gen invalidates timers armed before an edit;
// runMu keeps firings of the same entry from overlapping.
type timerEntry struct {
	id       string
	schedule cron.Schedule
	fire     func(ctx context.Context)
	timer    *time.Timer
	gen      uint64
	runMu    sync.Mutex
}

// Scheduler owns one pending timer per job id plus the fixed sweeps
type Scheduler struct {
	jobs     JobRepository
	runner   BackupRunner
	verifier UnverifiedSweeper
	tenants  TenantLister
	logger   *BackupLogger
	metrics  metrics.Recorder
	notifier Notifier
	config   SchedulerConfig
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*timerEntry
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	started bool
}

// NewScheduler creates a scheduler. Call Start to arm it.
func NewScheduler(deps SchedulerDeps) (*Scheduler, error) {
	if deps.Jobs == nil || deps.Runner == nil {
		return nil, NewConfigurationError("scheduler requires a job repository and backup runner", nil)
	}
	deps.Config.SetDefaults()
	if err := deps.Config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid scheduler configuration", err)
	}

	s := &Scheduler{
		jobs:     deps.Jobs,
		runner:   deps.Runner,
		verifier: deps.Verifier,
		tenants:  deps.Tenants,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		notifier: deps.Notifier,
		config:   deps.Config,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*timerEntry),
	}
	if s.logger == nil {
		s.logger = NewNopBackupLogger()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.notifier == nil {
		s.notifier = NopNotifier{}
	}
	if s.tenants == nil {
		s.tenants = NewStaticTenantLister()
	}
	return s, nil
}

// Start rehydrates every enabled job from the repository and arms the sweeps
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	jobs, err := s.jobs.FindEnabled(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.armJob(ctx, job); err != nil {
			s.logger.Logger().WithField("job_id", job.ID).WithError(err).Error("Failed to arm scheduled job")
		}
	}

	if s.config.Enabled {
		s.armSweep(SweepDailyFull, s.config.FullSchedule, s.sweepType(BackupTypeFull))
		s.armSweep(SweepHourlyIncremental, s.config.IncrementalSchedule, s.sweepType(BackupTypeIncremental))
		s.armSweep(SweepWeeklyDifferential, s.config.DifferentialSchedule, s.sweepType(BackupTypeDifferential))
		s.armSweep(SweepDailyCleanup, s.config.CleanupSchedule, s.sweepCleanup)
		if s.config.VerifySchedule != "" && s.verifier != nil {
			s.armSweep(SweepVerification, s.config.VerifySchedule, s.sweepVerification)
		}
	}

	s.logger.Logger().WithFields(map[string]interface{}{
		"jobs":   len(jobs),
		"sweeps": s.config.Enabled,
	}).Info("Scheduler started")
	return nil
}

// Stop cancels every timer and waits for running firings to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, entry := range s.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.entries, id)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	s.running.Wait()
	s.metrics.SetScheduledJobs(0)
}

// Scheduled returns the ids of armed entries, sorted
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id, entry := range s.entries {
		if entry.timer != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// schedule arms or re-arms an entry with a fresh generation
func (s *Scheduler) schedule(id string, sched cron.Schedule, fire func(ctx context.Context)) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		entry = &timerEntry{id: id}
		s.entries[id] = entry
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.schedule = sched
	entry.fire = fire
	entry.gen++

	next := s.armLocked(entry)
	s.metrics.SetScheduledJobs(len(s.entries))
	return next
}

// armLocked starts the entry's timer for its next firing. Caller holds s.mu.
func (s *Scheduler) armLocked(entry *timerEntry) time.Time {
	now := s.now()
	next := entry.schedule.Next(now)
	gen := entry.gen
	entry.timer = time.AfterFunc(next.Sub(now), func() { s.run(entry, gen) })
	return next
}

// cancel disarms an entry
func (s *Scheduler) cancelEntry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.gen++
		delete(s.entries, id)
	}
	s.metrics.SetScheduledJobs(len(s.entries))
}

// run fires an entry, then re-arms it unless an edit superseded this generation
func (s *Scheduler) run(entry *timerEntry, gen uint64) {
	s.mu.Lock()
	if !s.started || entry.gen != gen || s.entries[entry.id] != entry {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	fire := entry.fire
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	entry.runMu.Lock()
	fire(ctx)
	entry.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && entry.gen == gen && s.entries[entry.id] == entry {
		s.armLocked(entry)
	}
}

func (s *Scheduler) armSweep(id, expr string, fire func(ctx context.Context)) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		s.logger.Logger().WithField("sweep", id).WithError(err).Error("Invalid sweep schedule")
		return
	}
	s.schedule(id, sched, fire)
}

// armJob schedules job when enabled and records its next run
func (s *Scheduler) armJob(ctx context.Context, job *BackupJob) error {
	if !job.Enabled {
		s.cancelEntry(job.ID)
		job.NextRunAt = nil
		return nil
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	var next time.Time
	if started {
		id := job.ID
		next = s.schedule(id, sched, func(ctx context.Context) { s.fireJob(ctx, id) })
	} else {
		next = sched.Next(s.now())
	}
	if job.NextRunAt == nil || !job.NextRunAt.Equal(next) {
		job.NextRunAt = &next
		job.UpdatedAt = s.now()
		return s.jobs.Update(ctx, job)
	}
	return nil
}

// fireJob performs one scheduled run of a job
func (s *Scheduler) fireJob(ctx context.Context, id string) {
	if _, err := s.runJob(ctx, id); err != nil && !IsNotFound(err) {
		s.logger.Logger().WithContext(ctx).WithField("job_id", id).WithError(err).Warn("Scheduled backup failed")
	}
}

// runJob creates a backup from the job's configuration and records the outcome
func (s *Scheduler) runJob(ctx context.Context, id string) (*Backup, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			s.cancelEntry(id)
		}
		return nil, err
	}

	job.Status = JobStatusRunning
	job.UpdatedAt = s.now()
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, err
	}

	backup, runErr := s.runner.CreateBackup(ctx, job.Request())

	// an edit may have landed while the backup was being created
	if current, err := s.jobs.FindByID(ctx, id); err == nil {
		job = current
	} else if IsNotFound(err) {
		return backup, runErr
	}

	now := s.now()
	job.LastRunAt = &now
	if job.Enabled {
		if sched, err := ParseSchedule(job.Schedule); err == nil {
			next := sched.Next(now)
			job.NextRunAt = &next
		}
	} else {
		job.NextRunAt = nil
	}
	if runErr != nil {
		job.Status = JobStatusFailed
		job.LastError = runErr.Error()
		alert := NewAlert(AlertTypeScheduleFailed, AlertSeverityWarning, "Scheduled backup failed", runErr.Error())
		alert.TenantID = job.TenantID
		alert.Metadata["job_id"] = job.ID
		if nerr := s.notifier.Notify(ctx, alert); nerr != nil {
			s.logger.Logger().WithContext(ctx).WithError(nerr).Warn("Failed to deliver schedule alert")
		}
	} else {
		job.Status = JobStatusSuccess
		job.LastError = ""
		job.LastBackup = backup.ID
	}
	job.UpdatedAt = now

	if err := s.jobs.Update(ctx, job); err != nil {
		return backup, err
	}
	return backup, runErr
}

// Request turns the job's configuration into a backup request
func (j *BackupJob) Request() CreateBackupRequest {
	req := CreateBackupRequest{
		TenantID:           j.TenantID,
		Type:               j.BackupType,
		StorageLocation:    j.Config.StorageLocation,
		Regions:            append([]string(nil), j.Config.Regions...),
		RetentionDays:      j.Config.RetentionDays,
		CompressionEnabled: j.Config.CompressionEnabled,
		Compression:        j.Config.Compression,
		EncryptionEnabled:  j.Config.EncryptionEnabled,
		Include:            append([]string(nil), j.Config.Include...),
		Exclude:            append([]string(nil), j.Config.Exclude...),
		Priority:           j.Config.Priority,
		Metadata:           map[string]interface{}{"job_id": j.ID},
	}
	if j.Config.ReplicationEnabled && req.StorageLocation == "" {
		req.StorageLocation = StorageLocationMultiRegion
	}
	return req
}

func (s *Scheduler) validateJob(job *BackupJob) error {
	var errors ValidationErrors
	if job.TenantID == "" {
		errors.Add("tenant_id", "tenant id is required", job.TenantID)
	}
	if _, err := ParseSchedule(job.Schedule); err != nil {
		errors.Add("schedule", "invalid cron expression", job.Schedule)
	}
	if errors.HasErrors() {
		return errors.AsError("invalid backup job")
	}
	req := job.Request()
	return req.Validate()
}

// CreateJob stores a new recurring schedule and arms it when enabled
func (s *Scheduler) CreateJob(ctx context.Context, job *BackupJob) (*BackupJob, error) {
	tenantID, err := ResolveTenant(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}

	created := job.Clone()
	created.TenantID = tenantID
	if err := s.validateJob(created); err != nil {
		return nil, err
	}

	now := s.now()
	created.ID = uuid.New().String()
	created.Status = JobStatusIdle
	created.CreatedAt = now
	created.UpdatedAt = now
	created.LastRunAt = nil
	created.NextRunAt = nil

	if err := s.jobs.Create(ctx, created); err != nil {
		return nil, err
	}
	if err := s.armJob(ctx, created); err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// authorizeJob loads a job and checks the caller may act on its tenant
func (s *Scheduler) authorizeJob(ctx context.Context, id string) (*BackupJob, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ResolveTenant(ctx, job.TenantID); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob returns one job
func (s *Scheduler) GetJob(ctx context.Context, id string) (*BackupJob, error) {
	return s.authorizeJob(ctx, id)
}

// ListJobs lists the tenant's jobs
func (s *Scheduler) ListJobs(ctx context.Context, tenantID string) ([]*BackupJob, error) {
	tenantID, err := ResolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.jobs.FindMany(ctx, tenantID)
}

// UpdateJob applies an edit, cancels the pending timer and re-arms it if the job is still enabled
func (s *Scheduler) UpdateJob(ctx context.Context, id string, update JobUpdate) (*BackupJob, error) {
	job, err := s.authorizeJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		job.Name = *update.Name
	}
	if update.BackupType != nil {
		job.BackupType = *update.BackupType
	}
	if update.Schedule != nil {
		job.Schedule = *update.Schedule
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.Config != nil {
		job.Config = *update.Config
	}
	if err := s.validateJob(job); err != nil {
		return nil, err
	}

	job.UpdatedAt = s.now()
	job.NextRunAt = nil
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	if err := s.armJob(ctx, job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// EnableJob enables a job and arms its timer
func (s *Scheduler) EnableJob(ctx context.Context, id string) (*BackupJob, error) {
	enabled := true
	return s.UpdateJob(ctx, id, JobUpdate{Enabled: &enabled})
}

// DisableJob disables a job and cancels its timer
func (s *Scheduler) DisableJob(ctx context.Context, id string) (*BackupJob, error) {
	enabled := false
	return s.UpdateJob(ctx, id, JobUpdate{Enabled: &enabled})
}

// DeleteJob cancels the timer and removes the job
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	job, err := s.authorizeJob(ctx, id)
	if err != nil {
		return err
	}
	s.cancelEntry(job.ID)
	return s.jobs.Delete(ctx, job.ID)
}

// RunJobNow fires a job immediately. It waits for a firing of the same job already in progress.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) (*Backup, error) {
	if _, err := s.authorizeJob(ctx, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	entry := s.entries[id]
	s.mu.Unlock()
	if entry != nil {
		entry.runMu.Lock()
		defer entry.runMu.Unlock()
	}

	backup, err := s.runJob(ctx, id)
	if err != nil {
		return nil, err
	}

	// the pending timer may have been computed before this run
	if entry != nil {
		s.mu.Lock()
		if s.entries[id] == entry && entry.timer != nil {
			entry.timer.Stop()
			entry.gen++
			s.armLocked(entry)
		}
		s.mu.Unlock()
	}
	return backup, nil
}

// sweepType creates a backup of backupType for every active tenant
func (s *Scheduler) sweepType(backupType BackupType) func(ctx context.Context) {
	return func(ctx context.Context) {
		tenants, err := s.tenants.ListActiveTenants(ctx)
		if err != nil {
			s.logger.Logger().WithContext(ctx).WithError(err).Error("Failed to list tenants for backup sweep")
			return
		}

		created, failed := 0, 0
		for _, tenantID := range tenants {
			job := BackupJob{TenantID: tenantID, BackupType: backupType, Config: s.config.SweepDefaults}
			req := job.Request()
			req.Metadata = map[string]interface{}{"sweep": string(backupType)}
			if _, err := s.runner.CreateBackup(ctx, req); err != nil {
				failed++
				s.logger.Logger().WithContext(ctx).WithFields(map[string]interface{}{
					"tenant_id":   tenantID,
					"backup_type": string(backupType),
				}).WithError(err).Warn("Sweep backup not created")
				continue
			}
			created++
		}

		s.logger.Logger().WithContext(ctx).WithFields(map[string]interface{}{
			"backup_type": string(backupType),
			"created":     created,
			"failed":      failed,
		}).Info("Backup sweep finished")
	}
}

func (s *Scheduler) sweepCleanup(ctx context.Context) {
	if _, err := s.runner.CleanupExpiredBackups(ctx); err != nil {
		s.logger.Logger().WithContext(ctx).WithError(err).Error("Expired backup cleanup failed")
	}
}

func (s *Scheduler) sweepVerification(ctx context.Context) {
	if _, err := s.verifier.VerifyUnverified(ctx); err != nil {
		s.logger.Logger().WithContext(ctx).WithError(err).Error("Verification sweep failed")
	}
}
