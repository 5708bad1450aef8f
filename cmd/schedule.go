package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tenant-backup/internal/backup"
	"tenant-backup/internal/display"
)

func createScheduleCommand(opts *globalOptions) *cobra.Command {
	scheduleCmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"job", "jobs"},
		Short:   "Manage recurring backup schedules",
		Long: `Manage recurring backup jobs. Schedules use five-field cron expressions
or descriptors such as @daily and @every 6h. Jobs fire while a worker runs.

Examples:
  tenant-backup schedule create --tenant acme --name nightly --type full --cron "0 2 * * *" --encrypt
  tenant-backup schedule update 9b2e... --cron "@every 12h"
  tenant-backup schedule run 9b2e...`,
	}

	scheduleCmd.AddCommand(
		createScheduleCreateCommand(opts),
		createScheduleListCommand(opts),
		createScheduleGetCommand(opts),
		createScheduleUpdateCommand(opts),
		createScheduleToggleCommand(opts, true),
		createScheduleToggleCommand(opts, false),
		createScheduleDeleteCommand(opts),
		createScheduleRunCommand(opts),
	)
	return scheduleCmd
}

// jobFlags holds the flags shared by create and update
type jobFlags struct {
	name          string
	backupType    string
	schedule      string
	disabled      bool
	storage       string
	regions       []string
	retentionDays int
	compression   string
	noCompress    bool
	encrypt       bool
	replicate     bool
	priority      int
	include       []string
	exclude       []string
}

func (f *jobFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.name, "name", "", "job name")
	flags.StringVar(&f.backupType, "type", string(backup.BackupTypeFull), "backup type")
	flags.StringVar(&f.schedule, "cron", "", "cron expression or descriptor")
	flags.BoolVar(&f.disabled, "disabled", false, "create the job disabled")
	flags.StringVar(&f.storage, "storage", "", "storage location")
	flags.StringSliceVar(&f.regions, "regions", nil, "regions for multi-region storage")
	flags.IntVar(&f.retentionDays, "retention-days", 0, "retention override in days")
	flags.StringVar(&f.compression, "compression", "", "compression algorithm")
	flags.BoolVar(&f.noCompress, "no-compress", false, "store dumps uncompressed")
	flags.BoolVar(&f.encrypt, "encrypt", false, "encrypt artifacts")
	flags.BoolVar(&f.replicate, "replicate", false, "replicate to every configured region")
	flags.IntVar(&f.priority, "priority", 0, "queue priority, 1 (highest) to 10")
	flags.StringSliceVar(&f.include, "include", nil, "objects to include")
	flags.StringSliceVar(&f.exclude, "exclude", nil, "objects to exclude")
}

func (f *jobFlags) jobConfig() backup.JobConfig {
	return backup.JobConfig{
		CompressionEnabled: !f.noCompress,
		Compression:        backup.CompressionAlgorithm(f.compression),
		EncryptionEnabled:  f.encrypt,
		ReplicationEnabled: f.replicate,
		StorageLocation:    backup.StorageLocation(f.storage),
		Regions:            f.regions,
		RetentionDays:      f.retentionDays,
		Priority:           f.priority,
		Include:            f.include,
		Exclude:            f.exclude,
	}
}

// configFlags are the flags that rebuild JobConfig on update
var configFlags = []string{"storage", "regions", "retention-days", "compression", "no-compress",
	"encrypt", "replicate", "priority", "include", "exclude"}

// jobUpdate builds an update from the flags the operator actually set
func (f *jobFlags) jobUpdate(flags *pflag.FlagSet, current *backup.BackupJob) (backup.JobUpdate, error) {
	var update backup.JobUpdate
	if flags.Changed("name") {
		update.Name = &f.name
	}
	if flags.Changed("type") {
		t, err := backup.ParseBackupType(f.backupType)
		if err != nil {
			return update, err
		}
		update.BackupType = &t
	}
	if flags.Changed("cron") {
		update.Schedule = &f.schedule
	}
	if flags.Changed("disabled") {
		enabled := !f.disabled
		update.Enabled = &enabled
	}

	changed := false
	for _, name := range configFlags {
		if flags.Changed(name) {
			changed = true
			break
		}
	}
	if changed {
		cfg := current.Config
		if flags.Changed("storage") {
			cfg.StorageLocation = backup.StorageLocation(f.storage)
		}
		if flags.Changed("regions") {
			cfg.Regions = f.regions
		}
		if flags.Changed("retention-days") {
			cfg.RetentionDays = f.retentionDays
		}
		if flags.Changed("compression") {
			cfg.Compression = backup.CompressionAlgorithm(f.compression)
		}
		if flags.Changed("no-compress") {
			cfg.CompressionEnabled = !f.noCompress
		}
		if flags.Changed("encrypt") {
			cfg.EncryptionEnabled = f.encrypt
		}
		if flags.Changed("replicate") {
			cfg.ReplicationEnabled = f.replicate
		}
		if flags.Changed("priority") {
			cfg.Priority = f.priority
		}
		if flags.Changed("include") {
			cfg.Include = f.include
		}
		if flags.Changed("exclude") {
			cfg.Exclude = f.exclude
		}
		update.Config = &cfg
	}
	return update, nil
}

func createScheduleCreateCommand(opts *globalOptions) *cobra.Command {
	f := &jobFlags{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a recurring backup job",
		RunE: func(cmd *cobra.Command, args []string) error {
			backupType, err := backup.ParseBackupType(f.backupType)
			if err != nil {
				return err
			}

			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			job, err := app.Scheduler.CreateJob(ctx, &backup.BackupJob{
				TenantID:   opts.tenant,
				Name:       f.name,
				BackupType: backupType,
				Schedule:   f.schedule,
				Enabled:    !f.disabled,
				Config:     f.jobConfig(),
			})
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			p.Success("Job %s created", job.ID)
			return p.Result(job, func() { printJob(p, job) })
		},
	}
	f.register(cmd.Flags())
	cmd.MarkFlagRequired("cron")
	return cmd
}

func createScheduleListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List a tenant's jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			jobs, err := app.Scheduler.ListJobs(ctx, opts.tenant)
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			return p.Result(jobs, func() {
				table := p.NewTable("ID", "NAME", "TYPE", "SCHEDULE", "ENABLED", "STATUS", "LAST RUN", "NEXT RUN")
				for _, j := range jobs {
					table.AddRow(j.ID, j.Name, string(j.BackupType), j.Schedule, fmt.Sprint(j.Enabled),
						p.Status(string(j.Status)), display.FormatTime(j.LastRunAt), display.FormatTime(j.NextRunAt))
				}
				p.RenderTable(table, "No scheduled jobs")
			})
		},
	}
}

func createScheduleGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			job, err := app.Scheduler.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			return p.Result(job, func() { printJob(p, job) })
		},
	}
}

func printJob(p *display.Printer, j *backup.BackupJob) {
	p.Field("ID", j.ID)
	p.Field("Tenant", j.TenantID)
	if j.Name != "" {
		p.Field("Name", j.Name)
	}
	p.Field("Type", j.BackupType)
	p.Field("Schedule", j.Schedule)
	p.Field("Enabled", j.Enabled)
	p.Field("Status", p.Status(string(j.Status)))
	p.Field("Encrypt", j.Config.EncryptionEnabled)
	if j.Config.StorageLocation != "" {
		p.Field("Location", j.Config.StorageLocation)
	}
	p.Field("Last run", display.FormatTime(j.LastRunAt))
	p.Field("Next run", display.FormatTime(j.NextRunAt))
	if j.LastBackup != "" {
		p.Field("Last backup", j.LastBackup)
	}
	if j.LastError != "" {
		p.Field("Last error", j.LastError)
	}
}

func createScheduleUpdateCommand(opts *globalOptions) *cobra.Command {
	f := &jobFlags{}

	cmd := &cobra.Command{
		Use:   "update <job-id>",
		Short: "Change a job; only the flags given are applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			current, err := app.Scheduler.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			update, err := f.jobUpdate(cmd.Flags(), current)
			if err != nil {
				return err
			}
			job, err := app.Scheduler.UpdateJob(ctx, args[0], update)
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			p.Success("Job %s updated", job.ID)
			return p.Result(job, func() { printJob(p, job) })
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func createScheduleToggleCommand(opts *globalOptions, enable bool) *cobra.Command {
	use, short, verb := "disable <job-id>", "Disable a job", "disabled"
	if enable {
		use, short, verb = "enable <job-id>", "Enable a job", "enabled"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			var job *backup.BackupJob
			if enable {
				job, err = app.Scheduler.EnableJob(ctx, args[0])
			} else {
				job, err = app.Scheduler.DisableJob(ctx, args[0])
			}
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			p.Success("Job %s %s", job.ID, verb)
			return p.Result(job, func() {})
		},
	}
}

func createScheduleDeleteCommand(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job; its backups are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()
			p := opts.printer(cmd)

			job, err := app.Scheduler.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			ok, err := opts.confirm(cmd, p, yes, fmt.Sprintf("Delete job %s (%s, %s)?", job.ID, job.BackupType, job.Schedule))
			if err != nil {
				return err
			}
			if !ok {
				p.Info("Job deletion cancelled")
				return nil
			}

			if err := app.Scheduler.DeleteJob(ctx, job.ID); err != nil {
				return err
			}
			p.Success("Job deleted: %s", job.ID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "delete without confirmation")
	return cmd
}

func createScheduleRunCommand(opts *globalOptions) *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Fire a job now and wait for the backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()
			app.StartWorkers(ctx)

			p := opts.printer(cmd)
			created, err := app.Scheduler.RunJobNow(ctx, args[0])
			if err != nil {
				return err
			}
			p.Info("Job %s queued backup %s", args[0], created.ID)
			if noWait {
				return p.Result(created, func() {})
			}

			final, err := waitForBackup(ctx, app, created.ID)
			if err != nil {
				return err
			}
			if err := p.Result(final, func() { printBackup(p, final) }); err != nil {
				return err
			}
			if final.Status == backup.BackupStatusFailed || final.Status == backup.BackupStatusVerificationFailed {
				return backup.NewExecutionError(fmt.Sprintf("backup %s %s: %s", final.ID, final.Status, final.ErrorMessage), nil)
			}
			p.Success("Backup %s %s", final.ID, final.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the backup is queued")
	return cmd
}
