package opportunity

import (
	"github.com/shopspring/decimal"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

// DefaultHighSpreadThreshold separates HighSpread from LowSpread, in rate units.
const DefaultHighSpreadThreshold = 100.0

// Type classifies a spread.
type Type string

const (
	Arbitrage  Type = "arbitrage"
	HighSpread Type = "high-spread"
	LowSpread  Type = "low-spread"
)

// Label is the human readable name used in notifications.
func (t Type) Label() string {
	switch t {
	case Arbitrage:
		return "Best Arbitrage"
	case HighSpread:
		return "High Spread"
	default:
		return "Opportunity"
	}
}

// SpreadResult is the widest pair of quotes within a market.
type SpreadResult struct {
	HighSource market.Exchange
	LowSource  market.Exchange
	HighRate   float64
	LowRate    float64
	Spread     float64
}

// SpreadFor evaluates every pair of quotes from the selected sources and keeps the
// one with the largest absolute difference. The first pair wins ties, following the
// market's rate order. ok is false when fewer than two selected sources quote the
// market or when every selected quote is identical.
func SpreadFor(m market.Market, sources []market.Exchange) (SpreadResult, bool) {
	selected := make([]market.SourceRate, 0, len(m.Rates))
	for _, r := range m.Rates {
		if contains(sources, r.Source) {
			selected = append(selected, r)
		}
	}
	if len(selected) < 2 {
		return SpreadResult{}, false
	}

	var (
		best  SpreadResult
		width = decimal.Zero
	)
	for i := 0; i < len(selected); i++ {
		for j := i + 1; j < len(selected); j++ {
			a, b := selected[i], selected[j]
			diff := decimal.NewFromFloat(a.Rate).Sub(decimal.NewFromFloat(b.Rate))
			if !diff.Abs().GreaterThan(width) {
				continue
			}
			width = diff.Abs()
			high, low := a, b
			if diff.IsNegative() {
				high, low = b, a
			}
			best = SpreadResult{
				HighSource: high.Source,
				LowSource:  low.Source,
				HighRate:   high.Rate,
				LowRate:    low.Rate,
				Spread:     width.InexactFloat64(),
			}
		}
	}

	if width.IsZero() {
		return SpreadResult{}, false
	}
	return best, true
}

// Classify applies, in order: opposite-sign extremes are Arbitrage, a spread at or
// above threshold is HighSpread, anything else is LowSpread.
func Classify(r SpreadResult, threshold float64) Type {
	if (r.HighRate > 0 && r.LowRate < 0) || (r.HighRate < 0 && r.LowRate > 0) {
		return Arbitrage
	}
	if r.Spread >= threshold {
		return HighSpread
	}
	return LowSpread
}

func contains(sources []market.Exchange, source market.Exchange) bool {
	for _, s := range sources {
		if s == source {
			return true
		}
	}
	return false
}
