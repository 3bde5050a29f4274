package aggregator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dado-hash/fundings-screener/internal/fetcher"
	"github.com/Dado-hash/fundings-screener/internal/market"
)

type staticSource struct {
	exchange market.Exchange
	rates    map[string]float64
	delay    time.Duration
	calls    atomic.Int32
}

func (s *staticSource) Exchange() market.Exchange { return s.exchange }

func (s *staticSource) FetchRates(ctx context.Context) map[string]float64 {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	out := make(map[string]float64, len(s.rates))
	for k, v := range s.rates {
		out[k] = v
	}
	return out
}

func TestCollectEndToEnd(t *testing.T) {
	dydx := &staticSource{exchange: market.DYDX, rates: map[string]float64{"BTC": 87.6, "ETH": 43.8}}
	hl := &staticSource{exchange: market.Hyperliquid, rates: map[string]float64{"BTC": 70.08, "ETH": 35.04}}

	agg := New([]fetcher.Source{dydx, hl}, zerolog.Nop())
	snap, err := agg.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if len(snap.Markets) != 2 {
		t.Fatalf("expected BTC and ETH, got %+v", snap.Markets)
	}
	btc := snap.Markets[0]
	if btc.Symbol != "BTC" || len(btc.Rates) != 2 {
		t.Fatalf("unexpected BTC market: %+v", btc)
	}
	if btc.Rates[0].Source != market.DYDX || btc.Rates[1].Source != market.Hyperliquid {
		t.Fatalf("rates must follow source order: %+v", btc.Rates)
	}
	if snap.Markets[1].Symbol != "ETH" {
		t.Fatalf("markets must be sorted by symbol: %+v", snap.Markets)
	}
	if snap.FetchedAt.IsZero() {
		t.Fatal("fetchedAt should be stamped")
	}
}

func TestCollectRunsSourcesConcurrently(t *testing.T) {
	sources := make([]fetcher.Source, 0, 4)
	for _, ex := range market.AllExchanges {
		sources = append(sources, &staticSource{exchange: ex, rates: map[string]float64{"BTC": 1}, delay: 100 * time.Millisecond})
	}

	start := time.Now()
	if _, err := New(sources, zerolog.Nop()).Collect(context.Background()); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 350*time.Millisecond {
		t.Fatalf("sources should run in parallel, took %s", elapsed)
	}
	for _, src := range sources {
		if calls := src.(*staticSource).calls.Load(); calls != 1 {
			t.Fatalf("%s called %d times", src.Exchange(), calls)
		}
	}
}

func TestCollectPartialFailure(t *testing.T) {
	dydx := &staticSource{exchange: market.DYDX, rates: map[string]float64{"BTC": 10, "SOL": 5}}
	down := &staticSource{exchange: market.Hyperliquid, rates: map[string]float64{}}
	paradex := &staticSource{exchange: market.Paradex, rates: map[string]float64{"BTC": 12}}

	snap, err := New([]fetcher.Source{dydx, down, paradex}, zerolog.Nop()).Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(snap.Markets) != 1 || snap.Markets[0].Symbol != "BTC" {
		t.Fatalf("only BTC is quoted twice, got %+v", snap.Markets)
	}
	for _, r := range snap.Markets[0].Rates {
		if r.Source == market.Hyperliquid {
			t.Fatalf("failed source leaked into snapshot: %+v", r)
		}
	}
}

func TestCollectNoData(t *testing.T) {
	a := &staticSource{exchange: market.DYDX, rates: map[string]float64{"BTC": 1}}
	b := &staticSource{exchange: market.Extended, rates: map[string]float64{}}

	snap, err := New([]fetcher.Source{a, b}, zerolog.Nop()).Collect(context.Background())
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if len(snap.Markets) != 0 {
		t.Fatalf("no market should be retained: %+v", snap.Markets)
	}
}

func TestMergeInvariants(t *testing.T) {
	results := []SourceResult{
		{Source: market.DYDX, Rates: map[string]float64{"BTC-USD": 12.345, "ETH": 1, "ONLY": 3}},
		{Source: market.Paradex, Rates: map[string]float64{"BTC-USD-PERP": -0.004, "ETH": 2}},
		{Source: market.Extended, Rates: map[string]float64{"ETH-USD": 3}},
	}
	snap := Merge(results, time.Unix(0, 0))

	for _, m := range snap.Markets {
		if len(m.Rates) < MinSources {
			t.Fatalf("market %s retained with %d rates", m.Symbol, len(m.Rates))
		}
	}
	if len(snap.Markets) != 2 {
		t.Fatalf("expected BTC and ETH, got %+v", snap.Markets)
	}

	btc := snap.Markets[0]
	if btc.Rates[0].Rate != 12.35 {
		t.Fatalf("rate should be rounded to two decimals, got %v", btc.Rates[0].Rate)
	}
	if btc.Rates[1].Rate != 0 {
		t.Fatalf("tiny rate should round to 0, got %v", btc.Rates[1].Rate)
	}
	if len(snap.Markets[1].Rates) != 3 {
		t.Fatalf("ETH should carry three sources: %+v", snap.Markets[1])
	}
}

func TestMergePrefersCanonicalTicker(t *testing.T) {
	results := []SourceResult{
		{Source: market.DYDX, Rates: map[string]float64{"BTC-USD": 1, "BTC": 2, "BTC-USD-PERP": 3, "ETH-USD-PERP": 4, "ETH-USD": 5}},
		{Source: market.Paradex, Rates: map[string]float64{"BTC": 9, "ETH": 9}},
	}
	// map iteration order varies, so repeat to catch an order-dependent winner
	for i := 0; i < 50; i++ {
		snap := Merge(results, time.Unix(0, 0))
		if len(snap.Markets) != 2 {
			t.Fatalf("expected BTC and ETH, got %+v", snap.Markets)
		}
		btc, _ := snap.Markets[0].RateFor(market.DYDX)
		eth, _ := snap.Markets[1].RateFor(market.DYDX)
		if btc != 2 || eth != 5 {
			t.Fatalf("run %d: BTC=%v ETH=%v, want 2 and 5", i, btc, eth)
		}
	}
}
