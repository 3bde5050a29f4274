package cli

import (
	"github.com/spf13/cobra"

	"github.com/Dado-hash/fundings-screener/internal/app"
)

var exportOpts app.ExportOptions

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ranked opportunities as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), exportOpts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOpts.PNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportOpts.CSVPath, "csv", "", "Path to write CSV data")
	addFilterFlags(exportCmd, &exportOpts.Filter)
}
