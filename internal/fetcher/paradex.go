package fetcher

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

const (
	paradexDefaultBaseURL = "https://api.prod.paradex.trade"
	paradexMarketsPath    = "/v1/markets"
	paradexSummaryPath    = "/v1/markets/summary"
	paradexOptionKind     = "PERP_OPTION"
)

// ParadexOptions extend Options with the per-market summary fan-out knobs.
type ParadexOptions struct {
	Options
	SummaryTimeout    time.Duration
	RequestsPerSecond float64
	Concurrency       int
}

// Paradex lists perpetual markets, then reads each market summary.
// Funding settles every 8 hours.
type Paradex struct {
	httpSource
	summaryTimeout time.Duration
	concurrency    int
	limiter        *rate.Limiter
}

// NewParadex constructs the Paradex adapter.
func NewParadex(opts ParadexOptions, logger zerolog.Logger) *Paradex {
	summaryTimeout := opts.SummaryTimeout
	if summaryTimeout <= 0 {
		summaryTimeout = 5 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Paradex{
		httpSource:     newHTTPSource(market.Paradex, opts.Options, paradexDefaultBaseURL, logger),
		summaryTimeout: summaryTimeout,
		concurrency:    concurrency,
		limiter:        rate.NewLimiter(limit, concurrency),
	}
}

// FetchRates implements Source.
func (p *Paradex) FetchRates(ctx context.Context) map[string]float64 {
	return p.collect(ctx, p.fetch)
}

type paradexMarketsResponse struct {
	Results []struct {
		Symbol    string `json:"symbol"`
		AssetKind string `json:"asset_kind"`
	} `json:"results"`
}

type paradexSummaryResponse struct {
	Results []struct {
		Symbol      string           `json:"symbol"`
		FundingRate *decimal.Decimal `json:"funding_rate"`
	} `json:"results"`
}

func (p *Paradex) fetch(ctx context.Context) (map[string]float64, error) {
	var listing paradexMarketsResponse
	if err := p.getJSON(ctx, paradexMarketsPath, nil, &listing); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(listing.Results))
	for _, m := range listing.Results {
		if strings.EqualFold(m.AssetKind, paradexOptionKind) || strings.TrimSpace(m.Symbol) == "" {
			continue
		}
		symbols = append(symbols, m.Symbol)
	}

	var mu sync.Mutex
	rates := make(map[string]float64, len(symbols))

	workers := pool.New().WithMaxGoroutines(p.concurrency)
	for _, symbol := range symbols {
		workers.Go(func() {
			fundingRate, err := p.summary(ctx, symbol)
			if err != nil {
				p.drop(symbol, err)
				return
			}
			mu.Lock()
			p.put(rates, symbol, fundingRate, EightHourPeriodsPerYear)
			mu.Unlock()
		})
	}
	workers.Wait()

	return rates, nil
}

func (p *Paradex) summary(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.summaryTimeout)
	defer cancel()

	var summary paradexSummaryResponse
	query := url.Values{"market": []string{symbol}}
	if err := p.getJSON(reqCtx, paradexSummaryPath, query, &summary); err != nil {
		return decimal.Decimal{}, err
	}
	if len(summary.Results) == 0 || summary.Results[0].FundingRate == nil {
		return decimal.Decimal{}, errors.New("summary without funding_rate")
	}
	return *summary.Results[0].FundingRate, nil
}

var _ Source = (*Paradex)(nil)
