package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"tenant-backup/internal/application"
	"tenant-backup/internal/backup"
	"tenant-backup/internal/display"
)

func createKeyCommand(opts *globalOptions) *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage tenant encryption keys",
		Long: `List and rotate per-tenant data keys. Rotation creates a new active key;
older keys stay available so existing backups can still be decrypted.`,
	}
	keyCmd.AddCommand(createKeyListCommand(opts), createKeyRotateCommand(opts))
	return keyCmd
}

func requireEncryption(app *application.Application) error {
	if app.Encryption == nil {
		return backup.NewConfigurationError("encryption is not configured: set encryption.master_key, master_key_file or passphrase", nil)
	}
	return nil
}

func createKeyListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List a tenant's keys, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()
			if err := requireEncryption(app); err != nil {
				return err
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			tenantID, err := backup.ResolveTenant(ctx, opts.tenant)
			if err != nil {
				return err
			}
			keys, err := app.Encryption.ListKeys(ctx, tenantID)
			if err != nil {
				return err
			}

			p := opts.printer(cmd)
			return p.Result(keys, func() {
				table := p.NewTable("ID", "ALGORITHM", "ACTIVE", "CREATED", "DEACTIVATED")
				for _, k := range keys {
					created := k.CreatedAt
					table.AddRow(k.ID, k.Algorithm, strconv.FormatBool(k.Active), display.FormatTime(&created), display.FormatTime(k.DeactivatedAt))
				}
				p.RenderTable(table, "No keys; one is created with the first encrypted backup")
			})
		},
	}
}

func createKeyRotateCommand(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Create a new active key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Shutdown()
			if err := requireEncryption(app); err != nil {
				return err
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			p := opts.printer(cmd)

			tenantID, err := backup.ResolveTenant(ctx, opts.tenant)
			if err != nil {
				return err
			}
			ok, err := opts.confirm(cmd, p, yes, "Rotate the encryption key of tenant "+tenantID+"?")
			if err != nil {
				return err
			}
			if !ok {
				p.Info("Key rotation cancelled")
				return nil
			}

			key, err := app.Encryption.RotateKey(ctx, tenantID)
			if err != nil {
				return err
			}
			p.Success("Tenant %s now encrypts with key %s", tenantID, key.ID)
			return p.Result(key, func() {})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "rotate without confirmation")
	return cmd
}
