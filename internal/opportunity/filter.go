package opportunity

import (
	"sort"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

// Criteria is a subscriber's filter configuration.
type Criteria struct {
	Sources        []market.Exchange
	MinSpread      float64
	MaxSpread      float64
	ArbitrageOnly  bool
	HighSpreadOnly bool
	// MaxResults <= 0 disables truncation.
	MaxResults int
	// HighSpreadThreshold falls back to DefaultHighSpreadThreshold when zero.
	HighSpreadThreshold float64
}

// Opportunity is one ranked result of Apply.
type Opportunity struct {
	Market market.Market
	Spread SpreadResult
	Type   Type
}

// Apply ranks the markets of snapshot that satisfy c, widest spread first, ties by
// symbol ascending, truncated to c.MaxResults. The snapshot is not modified.
func Apply(snapshot market.Snapshot, c Criteria) []Opportunity {
	threshold := c.HighSpreadThreshold
	if threshold == 0 {
		threshold = DefaultHighSpreadThreshold
	}

	out := make([]Opportunity, 0, len(snapshot.Markets))
	for _, m := range snapshot.Markets {
		spread, ok := SpreadFor(m, c.Sources)
		if !ok {
			continue
		}
		if spread.Spread < c.MinSpread || spread.Spread > c.MaxSpread {
			continue
		}
		kind := Classify(spread, threshold)
		if c.ArbitrageOnly && kind != Arbitrage {
			continue
		}
		if c.HighSpreadOnly && spread.Spread < threshold {
			continue
		}
		out = append(out, Opportunity{Market: m, Spread: spread, Type: kind})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Spread.Spread != out[j].Spread.Spread {
			return out[i].Spread.Spread > out[j].Spread.Spread
		}
		return out[i].Market.Symbol < out[j].Market.Symbol
	})

	if c.MaxResults > 0 && len(out) > c.MaxResults {
		out = out[:c.MaxResults]
	}
	return out
}
