package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tenant-backup/internal/application"
	"tenant-backup/internal/backup"
	"tenant-backup/internal/display"
)

// waitPollInterval is how often a waiting command re-reads the catalog
const waitPollInterval = 200 * time.Millisecond

func createBackupCommand(opts *globalOptions) *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, inspect, verify, restore and delete backups",
		Long: `Create, list, verify, restore and delete tenant backups.

Examples:
  # Full backup, compressed and encrypted, waiting for completion
  tenant-backup backup create --tenant acme --type full --encrypt

  # Incremental backup replicated to every configured region
  tenant-backup backup create --tenant acme --type incremental --storage multi-region

  # Verified backups from the last week as JSON
  tenant-backup backup list --tenant acme --status verified --since 168h -o json

  # Restore a verified backup into a target database
  tenant-backup backup restore 6f1c... --tenant acme --target acme_restored`,
	}

	backupCmd.AddCommand(
		createBackupCreateCommand(opts),
		createBackupListCommand(opts),
		createBackupGetCommand(opts),
		createBackupVerifyCommand(opts),
		createBackupRestoreCommand(opts),
		createBackupDeleteCommand(opts),
		createBackupCleanupCommand(opts),
		createBackupStatsCommand(opts),
		createBackupOrphansCommand(opts),
	)
	return backupCmd
}

func createBackupCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		backupType    string
		storage       string
		regions       []string
		retentionDays int
		compression   string
		level         int
		noCompress    bool
		encrypt       bool
		include       []string
		exclude       []string
		priority      int
		metadata      []string
		noWait        bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedType, err := backup.ParseBackupType(backupType)
			if err != nil {
				return err
			}
			meta, err := parseKeyValues(metadata)
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
			app.StartWorkers(ctx)

			req := backup.CreateBackupRequest{
				TenantID:           opts.tenant,
				Type:               parsedType,
				StorageLocation:    backup.StorageLocation(storage),
				Regions:            regions,
				RetentionDays:      retentionDays,
				CompressionEnabled: !noCompress,
				Compression:        backup.CompressionAlgorithm(compression),
				CompressionLevel:   level,
				EncryptionEnabled:  encrypt,
				Include:            include,
				Exclude:            exclude,
				Priority:           priority,
				Metadata:           meta,
			}

			p := opts.printer(cmd)
			created, err := app.Orchestrator.CreateBackup(ctx, req)
			if err != nil {
				return fmt.Errorf("backup creation failed: %w", err)
			}
			p.Info("Backup %s queued for tenant %s", created.ID, created.TenantID)

			if noWait {
				p.Warning("Not waiting: queued work is dropped when this process exits, and the next worker start marks the backup failed")
				return p.Result(created, func() { printBackup(p, created) })
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

	flags := cmd.Flags()
	flags.StringVar(&backupType, "type", string(backup.BackupTypeFull), "backup type (full, incremental, differential, point_in_time)")
	flags.StringVar(&storage, "storage", "", "storage location (object-store-primary, object-store-secondary-a, object-store-secondary-b, local-disk, multi-region)")
	flags.StringSliceVar(&regions, "regions", nil, "regions for multi-region storage")
	flags.IntVar(&retentionDays, "retention-days", 0, "retention override in days (default depends on the type)")
	flags.StringVar(&compression, "compression", "", "compression algorithm (gzip, lz4, zstd, none)")
	flags.IntVar(&level, "compression-level", 0, "compression level (0 uses the algorithm default)")
	flags.BoolVar(&noCompress, "no-compress", false, "store the dump uncompressed")
	flags.BoolVar(&encrypt, "encrypt", false, "encrypt the artifact with the tenant key")
	flags.StringSliceVar(&include, "include", nil, "objects to include in the dump")
	flags.StringSliceVar(&exclude, "exclude", nil, "objects to exclude from the dump")
	flags.IntVar(&priority, "priority", 0, "queue priority, 1 (highest) to 10")
	flags.StringSliceVar(&metadata, "meta", nil, "metadata in key=value format")
	flags.BoolVar(&noWait, "no-wait", false, "return as soon as the backup is queued")
	return cmd
}

// waitForBackup polls the catalog until the backup leaves the pending and
// running states, and until auto-verification settles when it is enabled
func waitForBackup(ctx context.Context, app *application.Application, id string) (*backup.Backup, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		current, err := app.Orchestrator.GetBackup(ctx, id)
		if err != nil {
			return nil, err
		}
		if backupSettled(current, app.Config.Orchestrator.AutoVerify) {
			return current, nil
		}

		select {
		case <-ctx.Done():
			return current, backup.NewTimeoutError(fmt.Sprintf("gave up waiting for backup %s in state %s", id, current.Status), ctx.Err())
		case <-ticker.C:
		}
	}
}

func backupSettled(b *backup.Backup, autoVerify bool) bool {
	switch b.Status {
	case backup.BackupStatusPending, backup.BackupStatusInProgress, backup.BackupStatusVerifying:
		return false
	case backup.BackupStatusCompleted:
		return !autoVerify || b.IsVerified
	}
	return true
}

func createBackupListCommand(opts *globalOptions) *cobra.Command {
	var (
		backupType string
		statuses   []string
		storage    string
		since      string
		until      string
		verified   string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := buildBackupFilter(backupType, statuses, storage, since, until, verified, time.Now())
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

			backups, err := app.Orchestrator.ListBackups(ctx, filter, limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}

			p := opts.printer(cmd)
			return p.Result(backups, func() {
				table := p.NewTable("ID", "TYPE", "STATUS", "LOCATION", "SIZE", "STARTED", "DURATION", "VERIFIED")
				table.SetColumnAlignment(4, display.AlignRight)
				for _, b := range backups {
					started := b.StartedAt
					table.AddRow(b.ID, string(b.Type), p.Status(string(b.Status)), string(b.StorageLocation),
						display.FormatBytes(b.SizeBytes), display.FormatTime(&started),
						display.FormatDuration(b.Duration()), strconv.FormatBool(b.IsVerified))
				}
				p.RenderTable(table, "No backups found")
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&backupType, "type", "", "filter by backup type")
	flags.StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	flags.StringVar(&storage, "storage", "", "filter by storage location")
	flags.StringVar(&since, "since", "", "started at or after (RFC3339 or a duration like 24h)")
	flags.StringVar(&until, "until", "", "started at or before (RFC3339 or a duration like 24h)")
	flags.StringVar(&verified, "verified", "", "filter by verification (true, false)")
	flags.IntVar(&limit, "limit", 50, "maximum number of backups (0 for all)")
	flags.IntVar(&offset, "offset", 0, "number of backups to skip")
	return cmd
}

// buildBackupFilter converts list flags to a repository filter
func buildBackupFilter(backupType string, statuses []string, storage, since, until, verified string, now time.Time) (backup.BackupFilter, error) {
	var filter backup.BackupFilter

	if backupType != "" {
		t, err := backup.ParseBackupType(backupType)
		if err != nil {
			return filter, err
		}
		filter.Type = t
	}
	for _, s := range statuses {
		status := backup.BackupStatus(strings.ToLower(s))
		if !status.IsValid() {
			return filter, backup.NewValidationError(fmt.Sprintf("unknown backup status %q", s), nil)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if storage != "" {
		location := backup.StorageLocation(storage)
		if !location.IsValid() {
			return filter, backup.NewValidationError(fmt.Sprintf("unknown storage location %q", storage), nil)
		}
		filter.StorageLocation = location
	}
	if since != "" {
		t, err := parseTimeFlag(since, now)
		if err != nil {
			return filter, err
		}
		filter.StartedAfter = &t
	}
	if until != "" {
		t, err := parseTimeFlag(until, now)
		if err != nil {
			return filter, err
		}
		filter.StartedBefore = &t
	}
	if verified != "" {
		v, err := strconv.ParseBool(verified)
		if err != nil {
			return filter, backup.NewValidationError(fmt.Sprintf("invalid --verified value %q", verified), err)
		}
		filter.IsVerified = &v
	}
	return filter, nil
}

// parseTimeFlag accepts an RFC3339 timestamp or a duration counted back from now
func parseTimeFlag(value string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return now.Add(-d).UTC(), nil
	}
	return time.Time{}, backup.NewValidationError(fmt.Sprintf("invalid time %q: use RFC3339 or a duration like 24h", value), nil)
}

func parseKeyValues(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, backup.NewValidationError(fmt.Sprintf("invalid metadata %q: expected key=value", pair), nil)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

func createBackupGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <backup-id>",
		Short: "Show one backup and its status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			b, err := app.Orchestrator.GetBackup(ctx, args[0])
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			return p.Result(b, func() {
				printBackup(p, b)
				if len(b.StatusHistory) > 0 {
					table := p.NewTable("AT", "FROM", "TO", "REASON")
					for _, change := range b.StatusHistory {
						at := change.At
						table.AddRow(display.FormatTime(&at), string(change.From), p.Status(string(change.To)), change.Reason)
					}
					table.RenderTo(cmd.OutOrStdout())
				}
			})
		},
	}
}

func printBackup(p *display.Printer, b *backup.Backup) {
	p.Field("ID", b.ID)
	p.Field("Tenant", b.TenantID)
	p.Field("Type", b.Type)
	p.Field("Status", p.Status(string(b.Status)))
	p.Field("Location", b.StorageLocation)
	if len(b.Regions) > 0 {
		p.Field("Regions", strings.Join(b.Regions, ", "))
	}
	p.Field("Path", b.StoragePath)
	p.Field("Size", display.FormatBytes(b.SizeBytes))
	if b.Compression != "" && b.Compression != backup.CompressionNone {
		p.Field("Compression", fmt.Sprintf("%s (ratio %.2f)", b.Compression, b.CompressionRatio))
	}
	p.Field("Encrypted", b.IsEncrypted())
	p.Field("Checksum", b.Checksum)
	started := b.StartedAt
	p.Field("Started", display.FormatTime(&started))
	p.Field("Completed", display.FormatTime(b.CompletedAt))
	p.Field("Duration", display.FormatDuration(b.Duration()))
	p.Field("Expires", display.FormatTime(&b.ExpiresAt))
	p.Field("Verified", display.FormatTime(b.VerifiedAt))
	p.Field("RTO/RPO", fmt.Sprintf("%dm / %dm", b.RTOMinutes, b.RPOMinutes))
	if b.ErrorMessage != "" {
		p.Field("Error", b.ErrorMessage)
	}
}

func createBackupVerifyCommand(opts *globalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "verify [backup-id]",
		Short: "Verify a backup, or every completed unverified backup with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()
			p := opts.printer(cmd)

			if all {
				results, err := app.Verifier.VerifyUnverified(ctx)
				if err != nil {
					return err
				}
				return printBatchVerification(p, results)
			}

			if _, err := app.Orchestrator.GetBackup(ctx, args[0]); err != nil {
				return err
			}
			result, err := app.Verifier.VerifyBackup(ctx, args[0])
			if err != nil {
				return fmt.Errorf("backup verification failed: %w", err)
			}
			if err := p.Result(result, func() { printVerification(p, result) }); err != nil {
				return err
			}
			if !result.IsValid {
				return backup.NewIntegrityError(fmt.Sprintf("backup %s failed verification", result.BackupID), nil)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every completed, unverified backup past the minimum age")
	return cmd
}

func printVerification(p *display.Printer, r *backup.VerificationResult) {
	if r.IsValid {
		p.Success("Backup %s verified", r.BackupID)
	} else {
		p.Error("Backup %s failed verification", r.BackupID)
	}
	p.Field("Exists", r.Exists)
	p.Field("Size", r.SizeValid)
	p.Field("Checksum", r.ChecksumValid)
	p.Field("Encryption", r.EncryptionValid)
	p.Field("Structure", r.StructureValid)
	if r.DetectedFormat != "" {
		p.Field("Format", r.DetectedFormat)
	}
	p.Field("Duration", display.FormatDuration(r.Duration))
	for _, e := range r.Errors {
		p.Error("  %s", e)
	}
	for _, w := range r.Warnings {
		p.Warning("  %s", w)
	}
}

func printBatchVerification(p *display.Printer, results []backup.BatchVerification) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil || (r.Result != nil && !r.Result.IsValid) {
			failed++
		}
	}

	err := p.Result(results, func() {
		table := p.NewTable("BACKUP", "RESULT", "DETAIL")
		for _, r := range results {
			switch {
			case r.Err != nil:
				table.AddRow(r.BackupID, p.Status("failed"), r.Err.Error())
			case r.Result.IsValid:
				table.AddRow(r.BackupID, p.Status("verified"), display.FormatDuration(r.Result.Duration))
			default:
				table.AddRow(r.BackupID, p.Status("failed"), strings.Join(r.Result.Errors, "; "))
			}
		}
		p.RenderTable(table, "No backups awaiting verification")
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return backup.NewIntegrityError(fmt.Sprintf("%d of %d backups failed verification", failed, len(results)), nil)
	}
	return nil
}

func createBackupRestoreCommand(opts *globalOptions) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore a verified backup into a target",
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
			handle, err := app.Orchestrator.RestoreFromBackup(ctx, backup.RestoreBackupRequest{BackupID: args[0], Target: target})
			if err != nil {
				return err
			}
			p.Info("Restore job %s queued", handle.ID)

			job, err := app.Queue.Wait(ctx, handle.ID)
			if err != nil {
				return err
			}
			if job.State == backup.JobStateFailed {
				return backup.NewExecutionError(fmt.Sprintf("restore of %s failed after %d attempts: %s", args[0], job.Attempt, job.LastError), job.Err())
			}
			p.Success("Backup %s restored", args[0])
			return p.Result(job, func() {})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "restore target handed to the restore command")
	return cmd
}

func createBackupDeleteCommand(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup's artifacts and record",
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

			b, err := app.Orchestrator.GetBackup(ctx, args[0])
			if err != nil {
				return err
			}
			ok, err := opts.confirm(cmd, p, yes, fmt.Sprintf("Delete %s backup %s of tenant %s (%s)?",
				b.Type, b.ID, b.TenantID, display.FormatBytes(b.SizeBytes)))
			if err != nil {
				return err
			}
			if !ok {
				p.Info("Backup deletion cancelled")
				return nil
			}

			if err := app.Orchestrator.DeleteBackup(ctx, b.ID); err != nil {
				return fmt.Errorf("failed to delete backup: %w", err)
			}
			p.Success("Backup deleted: %s", b.ID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "delete without confirmation")
	return cmd
}

func createBackupCleanupCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every backup past its retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			deleted, err := app.Orchestrator.CleanupExpiredBackups(ctx)
			p := opts.printer(cmd)
			if deleted > 0 {
				p.Success("Deleted %d expired backups", deleted)
			}
			if err != nil {
				return fmt.Errorf("cleanup incomplete: %w", err)
			}
			if deleted == 0 {
				p.Info("No expired backups")
			}
			return p.Result(map[string]int{"deleted": deleted}, func() {})
		},
	}
}

func createBackupStatsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize a tenant's backup catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			stats, err := app.Orchestrator.GetBackupStatistics(ctx, opts.tenant)
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			return p.Result(stats, func() {
				p.Field("Tenant", stats.TenantID)
				p.Field("Backups", stats.Total)
				p.Field("Success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate*100))
				p.Field("Total size", display.FormatBytes(stats.TotalSizeBytes))
				p.Field("Average size", display.FormatBytes(stats.AverageSize))
				p.Field("Average duration", display.FormatDuration(stats.AverageDuration))
				p.Field("Last backup", display.FormatTime(stats.LastBackupAt))

				table := p.NewTable("STATUS", "COUNT")
				table.SetColumnAlignment(1, display.AlignRight)
				for _, status := range []backup.BackupStatus{
					backup.BackupStatusPending, backup.BackupStatusInProgress, backup.BackupStatusCompleted,
					backup.BackupStatusVerifying, backup.BackupStatusVerified,
					backup.BackupStatusFailed, backup.BackupStatusVerificationFailed,
				} {
					if n := stats.ByStatus[status]; n > 0 {
						table.AddRow(p.Status(string(status)), strconv.Itoa(n))
					}
				}
				table.RenderTo(cmd.OutOrStdout())

				usage := p.NewTable("LOCATION", "USAGE")
				usage.SetColumnAlignment(1, display.AlignRight)
				for location, size := range stats.StorageUsage {
					usage.AddRow(string(location), display.FormatBytes(size))
				}
				if usage.Len() > 0 {
					usage.RenderTo(cmd.OutOrStdout())
				}
			})
		},
	}
}

func createBackupOrphansCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List stored artifacts that no backup record references",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			orphans, err := app.Orchestrator.FindOrphanedArtifacts(ctx, opts.tenant)
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			return p.Result(orphans, func() {
				table := p.NewTable("PATH", "SIZE", "MODIFIED")
				table.SetColumnAlignment(1, display.AlignRight)
				for _, o := range orphans {
					modified := o.LastModified
					table.AddRow(o.Path, display.FormatBytes(o.Size), display.FormatTime(&modified))
				}
				p.RenderTable(table, "No orphaned artifacts")
			})
		},
	}
}
