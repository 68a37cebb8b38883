package cli

import (
	"github.com/spf13/cobra"

	"trm-dispatch-stats/internal/app"
)

var (
	exportFrom     string
	exportTo       string
	exportPNGPath  string
	exportCSVPath  string
	exportXLSXPath string
	exportPDFPath  string
	exportMaxRows  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export statistics snapshots as CSV, PNG, XLSX and/or PDF",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:  exportPNGPath,
			CSVPath:  exportCSVPath,
			XLSXPath: exportXLSXPath,
			PDFPath:  exportPDFPath,
			MaxRows:  exportMaxRows,
		}

		if exportFrom != "" {
			from, err := parseDay("from", exportFrom)
			if err != nil {
				return err
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := parseDay("to", exportTo)
			if err != nil {
				return err
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First date YYYY-MM-DD (inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last date YYYY-MM-DD (inclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportXLSXPath, "xlsx", "", "Path to write XLSX workbook")
	exportCmd.Flags().StringVar(&exportPDFPath, "pdf", "", "Path to write PDF report")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum rows to export (defaults to config)")
}
