package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/Dado-hash/fundings-screener/internal/opportunity"
)

// Export renders the current ranked opportunities as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.Filter.MaxResults = a.Config.ResolveMaxResults(opts.Filter.MaxResults)
	criteria, err := opts.Filter.Criteria(a.Config)
	if err != nil {
		return err
	}

	snap, err := a.newCache().Get(ctx, time.Now())
	if err != nil {
		return err
	}

	ops := opportunity.Apply(snap, criteria)
	if len(ops) == 0 {
		a.Logger.Info().Msg("no opportunities match the export filter")
		return nil
	}
	a.Logger.Info().Int("markets", len(snap.Markets)).Int("exported", len(ops)).Msg("exporting opportunities")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error {
			return writeOpportunitiesCSV(w, ops, snap.FetchedAt)
		}); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error {
			return writeOpportunitiesPNG(w, ops, snap.FetchedAt)
		}); err != nil {
			return err
		}
	}

	return nil
}

func writeOpportunitiesCSV(out io.Writer, ops []opportunity.Opportunity, fetchedAt time.Time) error {
	writer := csv.NewWriter(out)

	header := []string{"rank", "market", "spread", "high_source", "high_rate", "low_source", "low_rate", "type", "fetched_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	stamp := fetchedAt.UTC().Format(time.RFC3339)
	for i, op := range ops {
		record := []string{
			strconv.Itoa(i + 1),
			op.Market.Symbol + "-USD",
			formatRate(op.Spread.Spread),
			string(op.Spread.HighSource),
			formatRate(op.Spread.HighRate),
			string(op.Spread.LowSource),
			formatRate(op.Spread.LowRate),
			string(op.Type),
			stamp,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeOpportunitiesPNG(out io.Writer, ops []opportunity.Opportunity, fetchedAt time.Time) error {
	bars := make([]chart.Value, 0, len(ops))
	top := 0.0
	for _, op := range ops {
		bars = append(bars, chart.Value{Label: op.Market.Symbol, Value: op.Spread.Spread})
		if op.Spread.Spread > top {
			top = op.Spread.Spread
		}
	}

	graph := chart.BarChart{
		Title:    "Funding spread (annualized %) " + fetchedAt.UTC().Format("2006-01-02 15:04 UTC"),
		Width:    1280,
		Height:   720,
		BarWidth: 40,
		Background: chart.Style{
			Padding: chart.Box{Top: 60},
		},
		YAxis: chart.YAxis{
			Range:          &chart.ContinuousRange{Min: 0, Max: top * 1.1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Bars: bars,
	}

	return graph.Render(chart.PNG, out)
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
