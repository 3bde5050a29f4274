package market

import (
	"strings"
	"time"
)

// Exchange identifies a funding-rate source venue.
type Exchange string

const (
	DYDX        Exchange = "dYdX"
	Hyperliquid Exchange = "Hyperliquid"
	Paradex     Exchange = "Paradex"
	Extended    Exchange = "Extended"
)

// AllExchanges lists the supported venues in canonical iteration order.
var AllExchanges = []Exchange{DYDX, Hyperliquid, Paradex, Extended}

// ParseExchange resolves a venue name case-insensitively.
func ParseExchange(name string) (Exchange, bool) {
	trimmed := strings.TrimSpace(name)
	for _, ex := range AllExchanges {
		if strings.EqualFold(string(ex), trimmed) {
			return ex, true
		}
	}
	return "", false
}

// SourceRate is one venue's annualized funding rate, in percent.
type SourceRate struct {
	Source Exchange
	Rate   float64
}

// Market groups the quotes reported for one canonical symbol.
// Rates keep the order in which sources were merged.
type Market struct {
	Symbol string
	Rates  []SourceRate
}

// RateFor returns the rate reported by source, if any.
func (m Market) RateFor(source Exchange) (float64, bool) {
	for _, r := range m.Rates {
		if r.Source == source {
			return r.Rate, true
		}
	}
	return 0, false
}

// Snapshot is the merged view of all venues at FetchedAt. Treat as read-only.
type Snapshot struct {
	Markets   []Market
	FetchedAt time.Time
}

// IsZero reports whether the snapshot was never populated.
func (s Snapshot) IsZero() bool {
	return s.FetchedAt.IsZero() && len(s.Markets) == 0
}

var symbolSuffixes = []string{"-USD-PERP", "-USD"}

// NormalizeSymbol strips venue-specific quote suffixes to a canonical ticker.
func NormalizeSymbol(raw string) string {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	for _, suffix := range symbolSuffixes {
		if strings.HasSuffix(symbol, suffix) {
			return strings.TrimSuffix(symbol, suffix)
		}
	}
	return symbol
}

// IsCanonicalTicker reports whether raw carries no quote suffix.
func IsCanonicalTicker(raw string) bool {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	return symbol != "" && NormalizeSymbol(raw) == symbol
}
