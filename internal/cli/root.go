package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"compliance-guardian/internal/app"
	"compliance-guardian/internal/config"
	"compliance-guardian/internal/logging"
)

var (
	cfgFile    string
	logLevel   string
	instanceID string
	appHandle  *app.App
)

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Enforce funds, market and balance compliance for the trading engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if instanceID != "" {
			cfg.Guardian.InstanceID = instanceID
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&instanceID, "instance", "", "Guardian lineage to resume (overrides guardian.instance_id)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
