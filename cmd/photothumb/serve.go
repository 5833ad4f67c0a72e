package main

import (
	"github.com/spf13/cobra"

	"github.com/trunov/photothumb/internal/app"
)

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the thumbnail worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), e.cfg, e.reporter, e.log)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

func newWorkerCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume derivation triggers and write thumbnails",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), e.cfg, e.reporter, e.log)
			if err != nil {
				return err
			}
			return a.RunWorker(cmd.Context())
		},
	}
}
