package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/opportunity"
)

// Show collects a snapshot and prints it, or the ranked opportunities for a filter.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	criteria, err := opts.Filter.Criteria(a.Config)
	if err != nil {
		return err
	}

	snap, err := a.newCache().Get(ctx, time.Now())
	if err != nil {
		return err
	}

	if opts.Opportunities {
		ops := opportunity.Apply(snap, criteria)
		if len(ops) == 0 {
			fmt.Fprintln(a.Out, "no opportunities match the filter")
			return nil
		}
		return writeOpportunityTable(a.Out, ops)
	}
	return writeSnapshotTable(a.Out, snap, criteria.Sources)
}

func writeSnapshotTable(out io.Writer, snap market.Snapshot, sources []market.Exchange) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprint(writer, "Symbol")
	for _, src := range sources {
		fmt.Fprintf(writer, "\t%s", src)
	}
	fmt.Fprintln(writer)

	for _, m := range snap.Markets {
		fmt.Fprint(writer, m.Symbol)
		for _, src := range sources {
			cell := "-"
			if rate, ok := m.RateFor(src); ok {
				cell = formatRate(rate)
			}
			fmt.Fprintf(writer, "\t%s", cell)
		}
		fmt.Fprintln(writer)
	}
	fmt.Fprintf(writer, "\n%d markets, fetched %s\n", len(snap.Markets), snap.FetchedAt.UTC().Format(time.RFC3339))
	return writer.Flush()
}

func writeOpportunityTable(out io.Writer, ops []opportunity.Opportunity) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tMarket\tSpread\tHigh\tLow\tType")
	for i, op := range ops {
		fmt.Fprintf(writer, "%d\t%s-USD\t%s\t%s %s\t%s %s\t%s\n",
			i+1,
			op.Market.Symbol,
			formatRate(op.Spread.Spread),
			op.Spread.HighSource, formatRate(op.Spread.HighRate),
			op.Spread.LowSource, formatRate(op.Spread.LowRate),
			op.Type.Label(),
		)
	}
	return writer.Flush()
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
