package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siteoptics/audit-worker/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "audit-worker",
	Short: "Site audit worker for brand-presence URL enrichment",
	Long:  "Consumes enrichment continuations from the queue, enriches prompt records with citation URLs batch by batch, and notifies the detection service when a job finishes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
