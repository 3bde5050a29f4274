package fetcher

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

const (
	dydxDefaultBaseURL = "https://indexer.dydx.trade"
	dydxMarketsPath    = "/v4/perpetualMarkets"
)

// DYDX reads next funding rates from the dYdX v4 indexer. Funding settles hourly.
type DYDX struct {
	httpSource
}

// NewDYDX constructs the dYdX adapter.
func NewDYDX(opts Options, logger zerolog.Logger) *DYDX {
	return &DYDX{httpSource: newHTTPSource(market.DYDX, opts, dydxDefaultBaseURL, logger)}
}

// FetchRates implements Source.
func (d *DYDX) FetchRates(ctx context.Context) map[string]float64 {
	return d.collect(ctx, d.fetch)
}

type dydxMarket struct {
	Ticker          string           `json:"ticker"`
	NextFundingRate *decimal.Decimal `json:"nextFundingRate"`
}

func (d *DYDX) fetch(ctx context.Context) (map[string]float64, error) {
	var payload struct {
		Markets map[string]json.RawMessage `json:"markets"`
	}
	if err := d.getJSON(ctx, dydxMarketsPath, nil, &payload); err != nil {
		return nil, err
	}

	rates := make(map[string]float64, len(payload.Markets))
	for ticker, raw := range payload.Markets {
		var info dydxMarket
		if err := json.Unmarshal(raw, &info); err != nil {
			d.drop(ticker, err)
			continue
		}
		if info.NextFundingRate == nil {
			d.drop(ticker, errors.New("missing nextFundingRate"))
			continue
		}
		d.put(rates, ticker, *info.NextFundingRate, HourlyPeriodsPerYear)
	}
	return rates, nil
}

var _ Source = (*DYDX)(nil)
