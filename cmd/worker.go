package cmd

import (
	"github.com/spf13/cobra"
)

func createWorkerCommand(opts *globalOptions) *cobra.Command {
	var metricsAddress string

	cmd := &cobra.Command{
		Use:     "worker",
		Aliases: []string{"serve"},
		Short:   "Run queue workers, scheduled jobs and sweeps until interrupted",
		Long: `Run the backup engine in the foreground. The worker processes queued
backup, verification and restore jobs, fires enabled schedules, and runs the
daily full, hourly incremental, weekly differential, cleanup and verification
sweeps when scheduler.enabled is set. SIGINT or SIGTERM shuts it down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddress != "" {
				opts.viper.Set("metrics.enabled", true)
				opts.viper.Set("metrics.address", metricsAddress)
			}

			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
	return cmd
}
