package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trunov/photothumb/internal/app"
	"github.com/trunov/photothumb/internal/ingest"
)

func newIngestCmd(e *env) *cobra.Command {
	var params ingest.Params

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Store an image as an original and enqueue its thumbnail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := app.New(cmd.Context(), e.cfg, e.reporter, e.log)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Ingester.Ingest(cmd.Context(), params, f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.Flags().StringVar(&params.OwnerID, "owner", "", "owning entity id (required)")
	cmd.Flags().StringVar(&params.Caption, "caption", "", "optional caption")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newTriggerCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <id>",
		Short: "Re-enqueue thumbnail derivation for an existing original",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), e.cfg, e.reporter, e.log)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Ingester.Trigger(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", args[0])
			return nil
		},
	}
}
