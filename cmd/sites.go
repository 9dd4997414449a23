package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/store"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage registered sites",
	Long:  "Commands for registering and listing the customer sites audits run against.",
}

// -- sites register --

var sitesRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a site",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sites"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		baseURL, _ := cmd.Flags().GetString("url")
		name, _ := cmd.Flags().GetString("name")
		delivery, _ := cmd.Flags().GetString("delivery-type")

		switch model.DeliveryType(delivery) {
		case model.DeliveryTypeEdge, model.DeliveryTypeHeadless, model.DeliveryTypeOther, "":
		default:
			return eris.Errorf("unknown delivery type %q (edge, headless, other)", delivery)
		}

		site, err := st.CreateSite(ctx, model.Site{
			BaseURL:      baseURL,
			Name:         name,
			DeliveryType: model.DeliveryType(delivery),
		})
		if err != nil {
			return eris.Wrap(err, "sites register")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(site)
	},
}

// -- sites list --

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sites",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sites"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		delivery, _ := cmd.Flags().GetString("delivery-type")
		limit, _ := cmd.Flags().GetInt("limit")

		sites, err := st.ListSites(ctx, store.SiteFilter{
			DeliveryType: model.DeliveryType(delivery),
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "sites list")
		}

		if len(sites) == 0 {
			fmt.Fprintln(os.Stderr, "No sites registered.")
			return nil
		}

		formatSitesList(os.Stdout, sites)
		return nil
	},
}

// -- sites import --

var sitesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bulk import sites from a JSON file",
	Long:  "Reads a JSON array of sites and upserts them by base URL in one transaction.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sites"); err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "sites import: read %s", args[0])
		}
		var sites []model.Site
		if err := json.Unmarshal(data, &sites); err != nil {
			return eris.Wrapf(err, "sites import: parse %s", args[0])
		}
		for i, s := range sites {
			if s.BaseURL == "" {
				return eris.Errorf("sites import: entry %d has no base_url", i)
			}
			switch s.DeliveryType {
			case model.DeliveryTypeEdge, model.DeliveryTypeHeadless, model.DeliveryTypeOther, "":
			default:
				return eris.Errorf("sites import: entry %d has unknown delivery type %q", i, s.DeliveryType)
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.ImportSites(ctx, sites)
		if err != nil {
			return eris.Wrap(err, "sites import")
		}
		fmt.Printf("Imported %d sites.\n", n)
		return nil
	},
}

func init() {
	sitesRegisterCmd.Flags().String("url", "", "site base URL (required)")
	sitesRegisterCmd.Flags().String("name", "", "display name")
	sitesRegisterCmd.Flags().String("delivery-type", "", "page delivery type: edge, headless, or other")
	_ = sitesRegisterCmd.MarkFlagRequired("url")

	sitesListCmd.Flags().String("delivery-type", "", "filter by delivery type")
	sitesListCmd.Flags().Int("limit", 50, "max number of sites to display")

	sitesCmd.AddCommand(sitesRegisterCmd)
	sitesCmd.AddCommand(sitesListCmd)
	sitesCmd.AddCommand(sitesImportCmd)
	rootCmd.AddCommand(sitesCmd)
}

// formatSitesList writes a tabular list of sites to w.
func formatSitesList(out io.Writer, sites []model.Site) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tURL\tNAME\tDELIVERY\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t--------\t-------")

	for _, s := range sites {
		name := s.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(s.ID),
			s.BaseURL,
			name,
			s.DeliveryType,
			s.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
