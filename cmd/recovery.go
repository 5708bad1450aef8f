package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tenant-backup/internal/backup"
	"tenant-backup/internal/display"
)

func createRecoveryCommand(opts *globalOptions) *cobra.Command {
	recoveryCmd := &cobra.Command{
		Use:   "recovery",
		Short: "Plan and run point-in-time recovery",
		Long: `Plan and run point-in-time recovery for a tenant.

A plan restores the newest full backup at or before the target time, then the
newest differential after it, then every incremental after that, in order.
Only verified backups take part.

Examples:
  tenant-backup recovery points --tenant acme
  tenant-backup recovery plan --tenant acme --at 2026-03-01T12:00:00Z
  tenant-backup recovery execute --tenant acme --at 6h --dry-run
  tenant-backup recovery execute --tenant acme --target acme_restored --yes`,
	}

	recoveryCmd.AddCommand(
		createRecoveryPointsCommand(opts),
		createRecoveryPlanCommand(opts),
		createRecoveryExecuteCommand(opts),
	)
	return recoveryCmd
}

func createRecoveryPointsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "points",
		Short: "List the verified backups a tenant can recover to",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			points, err := app.Recovery.ListRecoveryPoints(ctx, opts.tenant)
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			return p.Result(points, func() {
				table := p.NewTable("BACKUP", "TYPE", "COMPLETED", "SIZE", "ENCRYPTED")
				table.SetColumnAlignment(3, display.AlignRight)
				for _, point := range points {
					completed := point.CompletedAt
					table.AddRow(point.BackupID, string(point.Type), display.FormatTime(&completed),
						display.FormatBytes(point.SizeBytes), strconv.FormatBool(point.Encrypted))
				}
				p.RenderTable(table, "No recovery points")
			})
		},
	}
}

func createRecoveryPlanCommand(opts *globalOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the restore chain for a target time",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := recoveryTarget(at)
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

			plan, err := app.Recovery.CreateRecoveryPlan(ctx, opts.tenant, target)
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			if err := p.Result(plan, func() { printPlan(p, plan) }); err != nil {
				return err
			}
			if !plan.CanRecover {
				return backup.NewNotFoundError(fmt.Sprintf("tenant %s cannot be recovered to %s", plan.TenantID, plan.TargetTime.Format(time.RFC3339)), nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "target time (RFC3339 or a duration ago like 6h; default now)")
	return cmd
}

func recoveryTarget(at string) (time.Time, error) {
	now := time.Now().UTC()
	if at == "" {
		return now, nil
	}
	return parseTimeFlag(at, now)
}

func printPlan(p *display.Printer, plan *backup.RecoveryPlan) {
	p.Field("Tenant", plan.TenantID)
	p.Field("Target", display.FormatTime(&plan.TargetTime))
	p.Field("Recoverable", plan.CanRecover)
	p.Field("Steps", len(plan.Steps))
	p.Field("Total size", display.FormatBytes(plan.TotalSizeBytes))
	p.Field("Estimated time", display.FormatDuration(plan.EstimatedDuration))
	p.Field("Data loss", display.FormatDuration(plan.EstimatedDataLoss))

	if len(plan.Steps) > 0 {
		table := p.NewTable("#", "STEP", "BACKUP", "COMPLETED", "SIZE", "ENCRYPTED")
		table.SetColumnAlignment(0, display.AlignRight)
		table.SetColumnAlignment(4, display.AlignRight)
		for _, step := range plan.Steps {
			completed := step.CompletedAt
			table.AddRow(strconv.Itoa(step.Order), string(step.Type), step.BackupID, display.FormatTime(&completed),
				display.FormatBytes(step.SizeBytes), strconv.FormatBool(step.Encrypted))
		}
		p.RenderTable(table, "")
	}
	for _, w := range plan.Warnings {
		p.Warning("%s", w)
	}
}

func createRecoveryExecuteCommand(opts *globalOptions) *cobra.Command {
	var (
		at     string
		target string
		dryRun bool
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Plan and apply a recovery, or validate it with --dry-run",
		RunE: func(cmd *cobra.Command, args []string) error {
			targetTime, err := recoveryTarget(at)
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
			p := opts.printer(cmd)

			plan, err := app.Recovery.CreateRecoveryPlan(ctx, opts.tenant, targetTime)
			if err != nil {
				return err
			}
			if !p.Structured() {
				printPlan(p, plan)
			}
			if !plan.CanRecover {
				return backup.NewNotFoundError(fmt.Sprintf("tenant %s cannot be recovered to %s", plan.TenantID, plan.TargetTime.Format(time.RFC3339)), nil)
			}

			if !dryRun {
				ok, err := opts.confirm(cmd, p, yes, fmt.Sprintf("Apply %d restore steps for tenant %s to %q?", len(plan.Steps), plan.TenantID, target))
				if err != nil {
					return err
				}
				if !ok {
					p.Info("Recovery cancelled")
					return nil
				}
			}

			execution, err := app.Recovery.ExecuteRecovery(ctx, plan, backup.RecoveryOptions{DryRun: dryRun, Target: target})
			if execution != nil {
				if perr := p.Result(execution, func() { printExecution(p, execution) }); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if execution.Status != backup.RecoveryStatusCompleted {
				return backup.NewExecutionError(fmt.Sprintf("recovery %s", execution.Status), nil)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&at, "at", "", "target time (RFC3339 or a duration ago like 6h; default now)")
	flags.StringVar(&target, "target", "", "restore target handed to the restore command")
	flags.BoolVar(&dryRun, "dry-run", false, "validate every step without restoring")
	flags.BoolVarP(&yes, "yes", "y", false, "apply without confirmation")
	return cmd
}

func printExecution(p *display.Printer, e *backup.RecoveryExecution) {
	mode := "Recovery"
	if e.DryRun {
		mode = "Dry run"
	}
	switch e.Status {
	case backup.RecoveryStatusCompleted:
		p.Success("%s %s: %d/%d steps in %s", mode, e.Status, e.CompletedSteps(), len(e.Steps), display.FormatDuration(e.Duration))
	default:
		p.Error("%s %s: %d/%d steps", mode, e.Status, e.CompletedSteps(), len(e.Steps))
	}

	table := p.NewTable("#", "STEP", "BACKUP", "RESULT", "DURATION", "ERROR")
	table.SetColumnAlignment(0, display.AlignRight)
	for _, s := range e.Steps {
		table.AddRow(strconv.Itoa(s.Step.Order), string(s.Step.Type), s.Step.BackupID,
			p.Status(string(s.Status)), display.FormatDuration(s.Duration), s.Error)
	}
	p.RenderTable(table, "No steps ran")
	for _, msg := range e.Errors {
		p.Error("  %s", msg)
	}
}
