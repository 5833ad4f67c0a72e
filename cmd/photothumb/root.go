package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/trunov/photothumb/internal/config"
	"github.com/trunov/photothumb/internal/logging"
	"github.com/trunov/photothumb/internal/report"
)

// env is filled by the root command before any subcommand runs.
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	reporter report.Reporter
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		e          env
	)

	cmd := &cobra.Command{
		Use:           "photothumb",
		Short:         "Photothumb stores photos and derives fixed-size thumbnails from a queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(log)

			enabled, err := report.Init(cfg.Sentry, version)
			if err != nil {
				return fmt.Errorf("sentry.Init: %w", err)
			}
			e.reporter = report.Noop{}
			if enabled {
				e.reporter = report.NewSentry(nil)
			}

			e.cfg, e.log = cfg, log
			log.Debug("config loaded", "config", cfg.String())
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().StringVar(&configFile, "config", "config.json", "path to the JSON config file")

	cmd.AddCommand(
		newServeCmd(&e),
		newWorkerCmd(&e),
		newIngestCmd(&e),
		newTriggerCmd(&e),
		newMigrateCmd(&e),
	)

	return cmd
}
