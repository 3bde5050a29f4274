package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

// Source retrieves one venue's annualized funding rates keyed by canonical symbol.
// Implementations never propagate failures: an unreachable venue yields an empty map,
// and symbols that fail validation are dropped individually.
type Source interface {
	Exchange() market.Exchange
	FetchRates(ctx context.Context) map[string]float64
}

// Settlement periods per year for the supported funding cadences.
const (
	HourlyPeriodsPerYear    int64 = 24 * 365
	EightHourPeriodsPerYear int64 = 3 * 365
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "fundings-screener/1.0"
)

var hundred = decimal.NewFromInt(100)

// Annualize projects a per-period funding rate to a yearly percentage.
func Annualize(rate decimal.Decimal, periodsPerYear int64) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(periodsPerYear)).Mul(hundred)
}

// Options parameterise an HTTP-backed source.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}
