package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tenant-backup/internal/config"
	"tenant-backup/internal/display"
)

func createConfigCommand(opts *globalOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Generate, validate and show the configuration",
		Long: `Work with the configuration file.

Every value can also be set through environment variables prefixed with
TENANT_BACKUP_, for example TENANT_BACKUP_DB_HOST or TENANT_BACKUP_LOG_LEVEL.

Examples:
  tenant-backup config init
  tenant-backup config init /etc/tenant-backup/tenant-backup.yaml --force
  tenant-backup config validate --config ./tenant-backup.yaml
  tenant-backup config show -o json`,
	}
	configCmd.AddCommand(
		createConfigInitCommand(opts),
		createConfigValidateCommand(opts),
		createConfigShowCommand(opts),
	)
	return configCmd
}

func createConfigInitCommand(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration template holding every default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultConfigName + ".yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			opts.printer(cmd).Success("Configuration written to %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func createConfigValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without connecting to anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			p.Success("Configuration is valid")
			p.Field("Catalog", cfg.Catalog.Driver)
			p.Field("Default storage", cfg.Storage.Default)
			p.Field("Tenants", len(cfg.Tenants))
			p.Field("Encryption", cfg.Encryption.HasKeySource())
			p.Field("Scheduler", cfg.Scheduler.Enabled)
			return nil
		},
	}
}

func createConfigShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			redacted := cfg.Redacted()

			p := opts.printer(cmd)
			if p.Format() == display.FormatTable {
				data, err := yaml.Marshal(redacted)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return p.Encode(redacted)
		},
	}
}
