package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dado-hash/fundings-screener/internal/app"
	"github.com/Dado-hash/fundings-screener/internal/config"
	"github.com/Dado-hash/fundings-screener/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "fundings-screener",
	Short: "Aggregate perp DEX funding rates and notify subscribers of spreads",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging, cfg.App.Name)
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
	SilenceUsage: true,
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

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(testAlertCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// addFilterFlags binds the opportunity filter flags shared by several commands.
// --min-spread is only forwarded when given so the configured default applies.
func addFilterFlags(cmd *cobra.Command, f *app.FilterOptions) {
	var minSpread float64
	cmd.Flags().StringSliceVar(&f.Sources, "sources", nil, "Comma separated venues (dydx,hyperliquid,paradex,extended); defaults to all enabled")
	cmd.Flags().Float64Var(&minSpread, "min-spread", 0, "Minimum spread, annualized percent (defaults to config)")
	cmd.Flags().Float64Var(&f.MaxSpread, "max-spread", 0, "Maximum spread, annualized percent (defaults to config)")
	cmd.Flags().BoolVar(&f.ArbitrageOnly, "arbitrage-only", false, "Only markets whose extreme rates have opposite signs")
	cmd.Flags().BoolVar(&f.HighSpreadOnly, "high-spread-only", false, "Only spreads at or above the high-spread threshold")
	cmd.Flags().IntVar(&f.MaxResults, "max-results", 0, "Maximum results (0 for no limit)")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		f.MinSpread = nil
		if cmd.Flags().Changed("min-spread") {
			f.MinSpread = &minSpread
		}
	}
}
