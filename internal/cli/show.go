package cli

import (
	"github.com/spf13/cobra"

	"github.com/Dado-hash/fundings-screener/internal/app"
)

var showOpts app.ShowOptions

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Fetch current funding rates and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), showOpts)
	},
}

func init() {
	showCmd.Flags().BoolVar(&showOpts.Opportunities, "opportunities", false, "Print ranked spread opportunities instead of raw rates")
	addFilterFlags(showCmd, &showOpts.Filter)
}
