package cli

import (
	"github.com/spf13/cobra"

	"compliance-guardian/internal/app"
)

var simulateNotify bool

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted settlement, price and balance scenario against an in-memory guardian",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Out:    cmd.OutOrStdout(),
			Notify: simulateNotify,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Send alerts for every violation through the configured notifier")
}
