package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/siteoptics/audit-worker/internal/audit"
	"github.com/siteoptics/audit-worker/internal/model"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger a brand-presence audit for one site",
	Long:  "Starts URL enrichment for a site's prompt records and prints what was set in motion. Prompts are read from a JSON file holding an array of prompt records.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		siteID, _ := cmd.Flags().GetString("site")
		baseURL, _ := cmd.Flags().GetString("url")
		promptsPath, _ := cmd.Flags().GetString("prompts")
		providers, _ := cmd.Flags().GetStringSlice("providers")
		cadence, _ := cmd.Flags().GetString("cadence")
		date, _ := cmd.Flags().GetString("date")
		configVersion, _ := cmd.Flags().GetString("config-version")
		defaultsPath, _ := cmd.Flags().GetString("defaults")

		prompts, err := readPrompts(promptsPath)
		if err != nil {
			return err
		}

		req := audit.TriggerRequest{
			SiteID:        siteID,
			BaseURL:       baseURL,
			Prompts:       prompts,
			Providers:     providers,
			Cadence:       cadence,
			Date:          date,
			ConfigVersion: configVersion,
		}
		if defaultsPath != "" {
			defaults, err := audit.LoadDefaults(defaultsPath)
			if err != nil {
				return err
			}
			defaults.Apply(&req)
		}

		env, err := initWorker(ctx, "trigger")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Runner.Trigger(ctx, req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	triggerCmd.Flags().String("site", "", "site ID to audit")
	triggerCmd.Flags().String("url", "", "site base URL (alternative to --site)")
	triggerCmd.Flags().String("prompts", "", "path to a JSON file with the prompt records")
	triggerCmd.Flags().StringSlice("providers", nil, "LLM providers to detect against")
	triggerCmd.Flags().String("cadence", "", "audit cadence: weekly or daily")
	triggerCmd.Flags().String("date", "", "reporting date (YYYY-MM-DD, default today)")
	triggerCmd.Flags().String("config-version", "", "detection config version to pin")
	triggerCmd.Flags().String("defaults", "", "path to a YAML job-defaults file")
	_ = triggerCmd.MarkFlagRequired("prompts")
	rootCmd.AddCommand(triggerCmd)
}

// readPrompts loads prompt records from a JSON array file.
func readPrompts(path string) ([]model.Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read prompts %s", path)
	}
	var prompts []model.Prompt
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, eris.Wrapf(err, "parse prompts %s", path)
	}
	return prompts, nil
}
