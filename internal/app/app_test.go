package app

import (
	"bytes"
	"encoding/csv"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dado-hash/fundings-screener/internal/config"
	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/opportunity"
	"github.com/Dado-hash/fundings-screener/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Sources: config.SourcesConfig{
			DYDX:        config.SourceConfig{Enabled: true},
			Hyperliquid: config.SourceConfig{Enabled: true},
			Paradex:     config.ParadexConfig{SourceConfig: config.SourceConfig{Enabled: true}},
		},
		Filters: config.FiltersConfig{
			HighSpreadThreshold: 100,
			DefaultMinSpread:    100,
			DefaultMaxSpread:    500,
			DefaultMaxResults:   5,
		},
		Export: config.ExportConfig{MaxResults: 50},
	}
}

func testApp(out *bytes.Buffer) *App {
	a := NewApp(testConfig(), zerolog.Nop())
	a.Out = out
	return a
}

func sampleOps() []opportunity.Opportunity {
	return []opportunity.Opportunity{
		{
			Market: market.Market{Symbol: "BTC"},
			Spread: opportunity.SpreadResult{HighSource: market.Hyperliquid, LowSource: market.DYDX, HighRate: 130, LowRate: 10, Spread: 120},
			Type:   opportunity.HighSpread,
		},
		{
			Market: market.Market{Symbol: "ETH"},
			Spread: opportunity.SpreadResult{HighSource: market.Paradex, LowSource: market.DYDX, HighRate: 40, LowRate: -20, Spread: 60},
			Type:   opportunity.Arbitrage,
		},
	}
}

func spread(v float64) *float64 { return &v }

func TestFilterOptionsCriteria(t *testing.T) {
	cfg := testConfig()

	c, err := FilterOptions{}.Criteria(cfg)
	if err != nil {
		t.Fatalf("Criteria: %v", err)
	}
	if len(c.Sources) != 3 || c.MinSpread != 100 || c.MaxSpread != 500 || c.HighSpreadThreshold != 100 {
		t.Fatalf("defaults not applied: %+v", c)
	}

	c, err = FilterOptions{MinSpread: spread(0)}.Criteria(cfg)
	if err != nil || c.MinSpread != 0 {
		t.Fatalf("explicit zero min spread should be kept: %+v %v", c, err)
	}

	c, err = FilterOptions{Sources: []string{"paradex, DYDX"}, MinSpread: spread(20), MaxSpread: 80, ArbitrageOnly: true}.Criteria(cfg)
	if err != nil {
		t.Fatalf("Criteria: %v", err)
	}
	if len(c.Sources) != 2 || c.Sources[0] != market.Paradex || c.Sources[1] != market.DYDX {
		t.Fatalf("sources = %v", c.Sources)
	}
	if !c.ArbitrageOnly || c.MinSpread != 20 || c.MaxSpread != 80 {
		t.Fatalf("criteria = %+v", c)
	}

	bad := []FilterOptions{
		{Sources: []string{"dydx"}},
		{Sources: []string{"dydx,binance"}},
		{MinSpread: spread(600)},
		{MinSpread: spread(-1)},
		{MinSpread: spread(math.NaN())},
		{MaxSpread: 50},
	}
	for _, f := range bad {
		if _, err := f.Criteria(cfg); err == nil {
			t.Errorf("expected error for %+v", f)
		}
	}
}

func TestWriteOpportunitiesCSV(t *testing.T) {
	var buf bytes.Buffer
	fetched := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := writeOpportunitiesCSV(&buf, sampleOps(), fetched); err != nil {
		t.Fatalf("write: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d", len(records))
	}
	want := []string{"1", "BTC-USD", "120.00", "Hyperliquid", "130.00", "dYdX", "10.00", "high-spread", "2025-03-01T12:00:00Z"}
	for i, v := range want {
		if records[1][i] != v {
			t.Fatalf("column %d = %q, want %q", i, records[1][i], v)
		}
	}
	if records[2][7] != "arbitrage" || records[2][6] != "-20.00" {
		t.Fatalf("second row = %v", records[2])
	}
}

func TestWriteOpportunitiesPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := writeOpportunitiesPNG(&buf, sampleOps(), time.Now()); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Fatal("output is not a PNG")
	}
}

func TestWriteSnapshotTable(t *testing.T) {
	var buf bytes.Buffer
	snap := market.Snapshot{
		FetchedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Markets: []market.Market{
			{Symbol: "BTC", Rates: []market.SourceRate{{Source: market.DYDX, Rate: 10.5}, {Source: market.Paradex, Rate: -3}}},
		},
	}
	if err := writeSnapshotTable(&buf, snap, []market.Exchange{market.DYDX, market.Hyperliquid, market.Paradex}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Symbol", "Hyperliquid", "BTC", "10.50", "-3.00", "-", "1 markets"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAlertFromOptions(t *testing.T) {
	a := testApp(&bytes.Buffer{})

	cfg, err := a.alertFromOptions(AlertOptions{
		ChatID:   42,
		Interval: "15m",
		Filter:   FilterOptions{Sources: []string{"dydx,hyperliquid"}, MinSpread: spread(50), HighSpreadOnly: true},
	})
	if err != nil {
		t.Fatalf("alertFromOptions: %v", err)
	}
	if cfg.Interval != storage.Minutes(15) || cfg.MaxResults != 5 || cfg.Name != "Funding Alert" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.HighSpreadOnly || cfg.MinSpread != 50 || cfg.MaxSpread != 500 || len(cfg.Sources) != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}

	cfg, err = a.alertFromOptions(AlertOptions{ChatID: 1, Interval: "1h"})
	if err != nil {
		t.Fatalf("alertFromOptions: %v", err)
	}
	if cfg.MinSpread != 100 || cfg.MaxSpread != 500 || cfg.MaxResults != 5 {
		t.Fatalf("configured filter defaults not applied: %+v", cfg)
	}

	if _, err := a.alertFromOptions(AlertOptions{ChatID: 42, Interval: "1.5h"}); err == nil {
		t.Fatal("expected interval error")
	}
	if _, err := a.alertFromOptions(AlertOptions{Interval: "1h"}); err == nil {
		t.Fatal("expected chat error")
	}
}

func TestWriteAlertTable(t *testing.T) {
	sent := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := []storage.AlertConfig{
		{ID: 7, Name: "Hourly", Interval: storage.Hours(4), MinSpread: 100, MaxSpread: 500, Sources: []market.Exchange{market.DYDX, market.Paradex}, ArbitrageOnly: true, MaxResults: 5, LastSentAt: &sent},
		{ID: 8, Name: "Fast", Interval: storage.Minutes(15), MaxSpread: 500, Sources: []market.Exchange{market.Hyperliquid, market.Extended}, MaxResults: 3},
	}
	var buf bytes.Buffer
	if err := writeAlertTable(&buf, alerts); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"4h", "15m", "100.00-500.00", "dYdX,Paradex", "arbitrage", "2025-03-01T12:00:00Z", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	for _, iv := range []storage.Interval{storage.Hours(4), storage.Minutes(15)} {
		parsed, err := storage.ParseInterval(everyFlag(iv))
		if err != nil || parsed != iv {
			t.Fatalf("everyFlag(%v) does not round-trip through --every: %v %v", iv, parsed, err)
		}
	}
	if everyFlag(storage.Interval{}) != "-" {
		t.Fatal("invalid interval should render as -")
	}
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStats(&buf, storage.Stats{ActiveSubscribers: 3, ActiveAlerts: 5, AlertsEverSent: 2, TotalDeliveries: 9, SuccessfulDeliveries: 7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), "Successful deliveries") || !strings.Contains(buf.String(), "7") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestStoreCommandsRequireDatabase(t *testing.T) {
	a := testApp(&bytes.Buffer{})
	if err := a.Stats(t.Context()); err == nil {
		t.Fatal("expected error without database")
	}
	if err := a.ListAlerts(t.Context(), 1); err == nil {
		t.Fatal("expected error without database")
	}
}
