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
	extendedDefaultBaseURL = "https://api.extended.exchange"
	extendedMarketsPath    = "/api/v1/info/markets"
)

// Extended reads market stats from Extended Exchange. Funding settles hourly.
type Extended struct {
	httpSource
}

// NewExtended constructs the Extended adapter.
func NewExtended(opts Options, logger zerolog.Logger) *Extended {
	return &Extended{httpSource: newHTTPSource(market.Extended, opts, extendedDefaultBaseURL, logger)}
}

// FetchRates implements Source.
func (e *Extended) FetchRates(ctx context.Context) map[string]float64 {
	return e.collect(ctx, e.fetch)
}

type extendedMarket struct {
	Name        string `json:"name"`
	MarketStats struct {
		FundingRate *decimal.Decimal `json:"fundingRate"`
	} `json:"marketStats"`
}

func (e *Extended) fetch(ctx context.Context) (map[string]float64, error) {
	var payload struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := e.getJSON(ctx, extendedMarketsPath, nil, &payload); err != nil {
		return nil, err
	}

	rates := make(map[string]float64, len(payload.Data))
	for _, raw := range payload.Data {
		var item extendedMarket
		if err := json.Unmarshal(raw, &item); err != nil {
			e.drop("", err)
			continue
		}
		if item.MarketStats.FundingRate == nil {
			e.drop(item.Name, errors.New("missing fundingRate"))
			continue
		}
		e.put(rates, item.Name, *item.MarketStats.FundingRate, HourlyPeriodsPerYear)
	}
	return rates, nil
}

var _ Source = (*Extended)(nil)
