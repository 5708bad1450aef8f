package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tenant-backup/internal/application"
	"tenant-backup/internal/backup"
	"tenant-backup/internal/config"
	"tenant-backup/internal/display"
	"tenant-backup/internal/logging"
)

// globalOptions holds the persistent flags shared by every command
type globalOptions struct {
	configFile string
	tenant     string
	format     string
	noColor    bool
	theme      string
	tableStyle string
	verbose    bool
	quiet      bool
	timeout    time.Duration

	viper *viper.Viper
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{viper: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "tenant-backup",
		Short: "Tenant-aware backup and point-in-time recovery",
		Long: `tenant-backup creates, verifies and restores per-tenant database backups.

Backups are dumped by an external command, compressed, encrypted with a
per-tenant key and uploaded to one or more storage locations. A catalog
tracks every backup so the recovery planner can rebuild any tenant at a
chosen point in time from the newest full backup and the differential and
incremental backups after it.

Examples:
  # Write a configuration template
  tenant-backup config init

  # Take a full backup for one tenant and wait for it
  tenant-backup backup create --tenant acme --type full

  # Plan and run a recovery to a point in time
  tenant-backup recovery plan --tenant acme --at 2026-03-01T12:00:00Z
  tenant-backup recovery execute --tenant acme --at 2026-03-01T12:00:00Z --target acme_restored

  # Run schedules, sweeps and queue workers until interrupted
  tenant-backup worker`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := display.ParseFormat(opts.format); err != nil {
				return err
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default searches ./tenant-backup.yaml, $HOME/.config/tenant-backup, /etc/tenant-backup)")
	flags.StringVarP(&opts.tenant, "tenant", "t", "", "tenant to act on")
	flags.StringVarP(&opts.format, "format", "o", "table", "output format (table, json, yaml)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable color output")
	flags.StringVar(&opts.theme, "theme", "dark", "color theme (dark, light, high-contrast, auto)")
	flags.StringVar(&opts.tableStyle, "table-style", "default", "table style (default, rounded, minimal)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress non-error output")
	flags.DurationVar(&opts.timeout, "timeout", 0, "overall command timeout (0 waits indefinitely)")
	flags.String("log-level", "", "log level (quiet, normal, verbose, debug)")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("log-file", "", "also write logs to a rotating file")
	flags.String("catalog", "", "catalog driver (mysql, sqlite, memory)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	// Bind flags to viper
	opts.viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	opts.viper.BindPFlag("logging.format", flags.Lookup("log-format"))
	opts.viper.BindPFlag("logging.file", flags.Lookup("log-file"))
	opts.viper.BindPFlag("catalog.driver", flags.Lookup("catalog"))

	rootCmd.AddCommand(
		createBackupCommand(opts),
		createScheduleCommand(opts),
		createRecoveryCommand(opts),
		createKeyCommand(opts),
		createWorkerCommand(opts),
		createConfigCommand(opts),
		createVersionCommand(),
	)
	return rootCmd
}

// Execute runs the CLI. This is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode separates operator mistakes (2) from runtime failures (1)
func exitCode(err error) int {
	switch backup.ErrorTypeOf(err) {
	case backup.BackupErrorTypeValidation, backup.BackupErrorTypeConfiguration:
		return 2
	}
	return 1
}

// loadConfig reads the configuration and applies --verbose/--quiet
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.viper, o.configFile)
	if err != nil {
		return nil, err
	}
	switch {
	case o.verbose:
		cfg.Logging.Level = string(logging.LogLevelVerbose)
	case o.quiet:
		cfg.Logging.Level = string(logging.LogLevelQuiet)
	}
	return cfg, nil
}

// printer renders command output to the command's writers
func (o *globalOptions) printer(cmd *cobra.Command) *display.Printer {
	format, _ := display.ParseFormat(o.format)
	return display.NewPrinter(display.Config{
		Format:     format,
		NoColor:    o.noColor,
		Theme:      o.theme,
		TableStyle: o.tableStyle,
		Quiet:      o.quiet,
		Out:        cmd.OutOrStdout(),
		Err:        cmd.ErrOrStderr(),
	})
}

// openApp loads the configuration and builds the engine. Logs go to stderr so
// stdout carries only command output.
func (o *globalOptions) openApp(cmd *cobra.Command) (*application.Application, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	logCfg.Output = cmd.ErrOrStderr()
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	app, err := application.New(cmd.Context(), cfg, application.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return app, nil
}

// context derives the command context: the --timeout deadline plus the
// operator identity when --tenant scopes the command
func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.tenant != "" {
		ctx = backup.WithCaller(ctx, backup.Caller{TenantID: o.tenant, UserID: currentUser()})
	}
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

// confirm asks before a destructive action. Without a terminal the action
// must be approved with --yes.
func (o *globalOptions) confirm(cmd *cobra.Command, p *display.Printer, yes bool, prompt string) (bool, error) {
	if yes {
		return true, nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false, backup.NewValidationError("refusing to prompt without a terminal; pass --yes to confirm", nil)
	}
	return p.Confirm(in, prompt), nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "cli"
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tenant-backup version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}
