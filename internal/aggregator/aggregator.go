package aggregator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Dado-hash/fundings-screener/internal/fetcher"
	"github.com/Dado-hash/fundings-screener/internal/market"
)

// ErrNoData indicates that no symbol was quoted by at least two sources.
var ErrNoData = errors.New("aggregator: no market quoted by two or more sources")

// MinSources is the number of independent quotes a market needs to be retained.
const MinSources = 2

// SourceResult pairs a venue with the rates it returned.
type SourceResult struct {
	Source market.Exchange
	Rates  map[string]float64
}

// Aggregator fans out to every source and merges their rates into a snapshot.
type Aggregator struct {
	sources []fetcher.Source
	logger  zerolog.Logger
	now     func() time.Time

	collections metric.Int64Counter
	markets     metric.Int64Gauge
}

// New constructs an Aggregator over sources. Source order fixes the rate order in every Market.
func New(sources []fetcher.Source, logger zerolog.Logger) *Aggregator {
	meter := otel.Meter("fundings-screener/aggregator")
	collections, _ := meter.Int64Counter("aggregator.collections",
		metric.WithDescription("Aggregator runs"),
		metric.WithUnit("{run}"))
	markets, _ := meter.Int64Gauge("aggregator.markets",
		metric.WithDescription("Markets retained by the last aggregation"),
		metric.WithUnit("{market}"))

	return &Aggregator{
		sources:     sources,
		logger:      logger.With().Str("component", "aggregator").Logger(),
		now:         time.Now,
		collections: collections,
		markets:     markets,
	}
}

// Sources returns the venues in merge order.
func (a *Aggregator) Sources() []market.Exchange {
	out := make([]market.Exchange, 0, len(a.sources))
	for _, src := range a.sources {
		out = append(out, src.Exchange())
	}
	return out
}

// Collect invokes every source concurrently, waits for all of them and merges the results.
// Each source bounds its own latency; Collect adds no outer deadline beyond ctx.
func (a *Aggregator) Collect(ctx context.Context) (market.Snapshot, error) {
	results := make([]SourceResult, len(a.sources))

	if len(a.sources) > 0 {
		workers := pool.New().WithMaxGoroutines(len(a.sources))
		for i, src := range a.sources {
			workers.Go(func() {
				results[i] = SourceResult{Source: src.Exchange(), Rates: src.FetchRates(ctx)}
			})
		}
		workers.Wait()
	}

	snapshot := Merge(results, a.now().UTC())

	ok := 0
	for _, r := range results {
		if len(r.Rates) > 0 {
			ok++
		}
	}
	if a.collections != nil {
		a.collections.Add(ctx, 1)
	}
	if a.markets != nil {
		a.markets.Record(ctx, int64(len(snapshot.Markets)))
	}
	a.logger.Info().
		Int("sources", len(results)).
		Int("sources_ok", ok).
		Int("markets", len(snapshot.Markets)).
		Msg("aggregation complete")

	if len(snapshot.Markets) == 0 {
		return snapshot, ErrNoData
	}
	return snapshot, nil
}

// Merge combines per-source rates into markets quoted by at least MinSources venues.
// Rates are rounded to two decimals; markets are ordered by symbol.
// When a venue reports several tickers for one symbol, the canonical ticker
// wins, then the lexically smallest one.
func Merge(results []SourceResult, fetchedAt time.Time) market.Snapshot {
	bySymbol := make(map[string][]market.SourceRate)
	for _, result := range results {
		for symbol, raw := range canonicalTickers(result.Rates) {
			if hasSource(bySymbol[symbol], result.Source) {
				continue
			}
			bySymbol[symbol] = append(bySymbol[symbol], market.SourceRate{
				Source: result.Source,
				Rate:   round2(result.Rates[raw]),
			})
		}
	}

	markets := make([]market.Market, 0, len(bySymbol))
	for symbol, rates := range bySymbol {
		if len(rates) < MinSources {
			continue
		}
		markets = append(markets, market.Market{Symbol: symbol, Rates: rates})
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].Symbol < markets[j].Symbol
	})

	return market.Snapshot{Markets: markets, FetchedAt: fetchedAt}
}

// canonicalTickers maps each normalized symbol to the raw ticker it is read from.
func canonicalTickers(rates map[string]float64) map[string]string {
	raws := make([]string, 0, len(rates))
	for raw := range rates {
		raws = append(raws, raw)
	}
	sort.Strings(raws)

	chosen := make(map[string]string, len(raws))
	for _, raw := range raws {
		symbol := market.NormalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		if prev, ok := chosen[symbol]; ok && (market.IsCanonicalTicker(prev) || !market.IsCanonicalTicker(raw)) {
			continue
		}
		chosen[symbol] = raw
	}
	return chosen
}

func hasSource(rates []market.SourceRate, source market.Exchange) bool {
	for _, r := range rates {
		if r.Source == source {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
