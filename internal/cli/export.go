package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"compliance-guardian/internal/app"
	"compliance-guardian/internal/guardian"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportLaws      []string
	exportSeverity  string
	exportOpenOnly  bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export violations as CSV and/or the compliance score history as a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Filter:    app.ViolationFilter{OpenOnly: exportOpenOnly},
		}
		for _, name := range exportLaws {
			law, err := guardian.ParseLaw(name)
			if err != nil {
				return fmt.Errorf("invalid --law value: %w", err)
			}
			opts.Filter.Laws = append(opts.Filter.Laws, law)
		}
		if exportSeverity != "" {
			sev, err := guardian.ParseSeverity(exportSeverity)
			if err != nil {
				return fmt.Errorf("invalid --min-severity value: %w", err)
			}
			opts.Filter.MinSeverity = sev
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the score chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write the violation log")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
	exportCmd.Flags().StringSliceVar(&exportLaws, "law", nil, "Only export violations of these laws (funds, market, balance)")
	exportCmd.Flags().StringVar(&exportSeverity, "min-severity", "", "Only export violations at or above this severity")
	exportCmd.Flags().BoolVar(&exportOpenOnly, "open-only", false, "Only export unresolved violations")
}
