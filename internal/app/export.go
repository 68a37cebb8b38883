package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"trm-dispatch-stats/internal/metrics"
	"trm-dispatch-stats/internal/statistics"
	"trm-dispatch-stats/internal/trm"
)

const (
	formatCSV  = "csv"
	formatPNG  = "png"
	formatXLSX = "xlsx"
	formatPDF  = "pdf"
)

// exportColumn renders one snapshot field. value returns an int, int64,
// decimal.Decimal or string.
type exportColumn struct {
	header string
	value  func(s statistics.Snapshot) any
}

func exportColumns(loc *time.Location) []exportColumn {
	return []exportColumn{
		{"date", func(s statistics.Snapshot) any { return trm.DateKey(s.Date, loc) }},
		{"orders_created", func(s statistics.Snapshot) any { return s.OrdersCreated }},
		{"commercial_orders", func(s statistics.Snapshot) any { return s.CommercialOrders }},
		{"sample_orders", func(s statistics.Snapshot) any { return s.SampleOrders }},
		{"mixed_orders", func(s statistics.Snapshot) any { return s.MixedOrders }},
		{"new_win_orders", func(s statistics.Snapshot) any { return s.NewWinOrders }},
		{"created_quantity", func(s statistics.Snapshot) any { return s.CreatedQuantity }},
		{"created_value_usd", func(s statistics.Snapshot) any { return s.CreatedValueUSD }},
		{"created_value_cop", func(s statistics.Snapshot) any { return s.CreatedValueCOP }},
		{"dispatched_orders", func(s statistics.Snapshot) any { return s.DispatchedOrders }},
		{"dispatch_events", func(s statistics.Snapshot) any { return s.DispatchEvents }},
		{"dispatched_quantity", func(s statistics.Snapshot) any { return s.DispatchedQuantity }},
		{"dispatched_value_usd", func(s statistics.Snapshot) any { return s.DispatchedValueUSD }},
		{"dispatched_value_cop", func(s statistics.Snapshot) any { return s.DispatchedValueCOP }},
		{"planned_orders", func(s statistics.Snapshot) any { return s.PlannedOrders }},
		{"planned_quantity", func(s statistics.Snapshot) any { return s.PlannedQuantity }},
		{"planned_value_usd", func(s statistics.Snapshot) any { return s.PlannedValueUSD }},
		{"planned_value_cop", func(s statistics.Snapshot) any { return s.PlannedValueCOP }},
		{"pending_quantity", func(s statistics.Snapshot) any { return s.PendingQuantity }},
		{"pending_value_usd", func(s statistics.Snapshot) any { return s.PendingValueUSD }},
		{"fulfillment_pct", func(s statistics.Snapshot) any { return s.FulfillmentPct }},
		{"value_fulfillment_pct", func(s statistics.Snapshot) any { return s.ValueFulfillmentPct }},
		{"orders_fully_dispatched", func(s statistics.Snapshot) any { return s.OrdersFullyDispatched }},
		{"orders_partially_dispatched", func(s statistics.Snapshot) any { return s.OrdersPartiallyDispatched }},
		{"orders_not_dispatched", func(s statistics.Snapshot) any { return s.OrdersNotDispatched }},
		{"avg_days_to_first_dispatch", func(s statistics.Snapshot) any { return s.AvgDaysToFirstDispatch }},
		{"undelivered_value_usd", func(s statistics.Snapshot) any { return s.UndeliveredValueUSD }},
		{"events_custom_rate", func(s statistics.Snapshot) any { return s.EventsCustomRate }},
		{"events_default_rate", func(s statistics.Snapshot) any { return s.EventsDefaultRate }},
		{"average_trm", func(s statistics.Snapshot) any { return s.AverageTRM }},
		{"min_trm", func(s statistics.Snapshot) any { return s.MinTRM }},
		{"max_trm", func(s statistics.Snapshot) any { return s.MaxTRM }},
		{"average_trm_source", func(s statistics.Snapshot) any { return string(s.AverageTRMSource) }},
		{"clients_active", func(s statistics.Snapshot) any { return s.ClientsActive }},
		{"computed_at", func(s statistics.Snapshot) any { return s.ComputedAt.UTC().Format(time.RFC3339) }},
	}
}

// pdfColumns is the subset that fits a landscape A4 page.
var pdfColumns = []string{
	"date",
	"orders_created",
	"dispatch_events",
	"planned_value_usd",
	"dispatched_value_usd",
	"pending_value_usd",
	"fulfillment_pct",
	"average_trm",
	"average_trm_source",
}

// Export renders stored snapshots as CSV, PNG, XLSX and/or PDF.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" && opts.PDFPath == "" {
		return errors.New("at least one of --csv, --png, --xlsx or --pdf must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)
	loc := a.location()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := trm.StartOfDay(time.Now(), loc)
	if opts.To != nil {
		to = trm.StartOfDay(*opts.To, loc)
	}
	from := to.AddDate(0, 0, -(opts.MaxRows - 1))
	if opts.From != nil {
		from = trm.StartOfDay(*opts.From, loc)
	}
	if to.Before(from) {
		return errors.New("from must not be after to")
	}

	snaps, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	rows := downsampleSnapshots(snaps, opts.MaxRows)
	a.Logger.Info().Int("total", len(snaps)).Int("exported", len(rows)).Msg("exporting snapshots")

	collector := metrics.New()
	writers := []struct {
		format string
		path   string
		write  func(string, []statistics.Snapshot, *time.Location) error
	}{
		{formatCSV, opts.CSVPath, writeSnapshotsCSV},
		{formatPNG, opts.PNGPath, writeSnapshotsPNG},
		{formatXLSX, opts.XLSXPath, writeSnapshotsXLSX},
		{formatPDF, opts.PDFPath, writeSnapshotsPDF},
	}
	for _, w := range writers {
		if w.path == "" {
			continue
		}
		err := w.write(w.path, rows, loc)
		collector.ObserveExport(w.format, err)
		if err != nil {
			return fmt.Errorf("export %s: %w", w.format, err)
		}
		a.Logger.Info().Str("format", w.format).Str("path", w.path).Msg("export written")
	}
	return nil
}

func downsampleSnapshots(snaps []statistics.Snapshot, max int) []statistics.Snapshot {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}
	if max == 1 {
		return snaps[len(snaps)-1:]
	}

	result := make([]statistics.Snapshot, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		result = append(result, snaps[idx])
	}
	return result
}

func cellText(v any) string {
	switch t := v.(type) {
	case decimal.Decimal:
		return t.StringFixed(2)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func writeSnapshotsCSV(path string, snaps []statistics.Snapshot, loc *time.Location) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	columns := exportColumns(loc)
	writer := csv.NewWriter(file)
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = c.header
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range snaps {
		record := make([]string, len(columns))
		for i, c := range columns {
			record[i] = cellText(c.value(s))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSnapshotsPNG(path string, snaps []statistics.Snapshot, loc *time.Location) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snaps))
	rate := make([]float64, len(snaps))
	planned := make([]float64, len(snaps))
	dispatched := make([]float64, len(snaps))
	for i, s := range snaps {
		x[i] = s.Date.In(loc)
		rate[i] = s.AverageTRM.InexactFloat64()
		planned[i] = s.PlannedValueUSD.InexactFloat64()
		dispatched[i] = s.DispatchedValueUSD.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "TRM (COP/USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Value (USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Average TRM", XValues: x, YValues: rate},
			chart.TimeSeries{Name: "Planned USD", XValues: x, YValues: planned, YAxis: chart.YAxisSecondary},
			chart.TimeSeries{Name: "Dispatched USD", XValues: x, YValues: dispatched, YAxis: chart.YAxisSecondary},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeSnapshotsXLSX(path string, snaps []statistics.Snapshot, loc *time.Location) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	const sheet = "Daily Statistics"
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	columns := exportColumns(loc)
	for i, c := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, c.header); err != nil {
			return err
		}
	}

	for r, s := range snaps {
		for i, c := range columns {
			cell, err := excelize.CoordinatesToCellName(i+1, r+2)
			if err != nil {
				return err
			}
			v := c.value(s)
			if d, ok := v.(decimal.Decimal); ok {
				v = d.Round(2).InexactFloat64()
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}

func writeSnapshotsPDF(path string, snaps []statistics.Snapshot, loc *time.Location) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byHeader := make(map[string]exportColumn)
	for _, c := range exportColumns(loc) {
		byHeader[c.header] = c
	}

	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "B", 12)
	pdf.AddPage()
	pdf.Cell(0, 8, "Daily Dispatch Statistics")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 9)
	pdf.Cell(0, 6, fmt.Sprintf("Range: %s - %s", trm.DateKey(snaps[0].Date, loc), trm.DateKey(snaps[len(snaps)-1].Date, loc)))
	pdf.Ln(8)

	const width = 30.0
	pdf.SetFont("Arial", "B", 7)
	for _, h := range pdfColumns {
		pdf.CellFormat(width, 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, s := range snaps {
		for _, h := range pdfColumns {
			align := "R"
			if h == "date" || h == "average_trm_source" {
				align = "C"
			}
			pdf.CellFormat(width, 6, cellText(byHeader[h].value(s)), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
