package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteoptics/audit-worker/internal/audit"
)

var statusCmd = &cobra.Command{
	Use:   "status <audit-id>",
	Short: "Show a job's metadata and enrichment progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ob, err := initObjStore(ctx)
		if err != nil {
			return err
		}

		// Status only reads the object store; no records, no queue.
		runner := audit.NewRunner(audit.Config{
			Bucket:  cfg.ObjStore.Bucket,
			Timeout: time.Duration(cfg.Enrichment.TimeoutMS) * time.Millisecond,
		}, audit.Deps{ObjStore: ob})

		status, err := runner.Status(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
