package market

import "time"

// RatePayload is the published {source, rate} pair.
type RatePayload struct {
	Source string  `json:"source"`
	Rate   float64 `json:"rate"`
}

// MarketPayload is the published view of one market.
type MarketPayload struct {
	Symbol string        `json:"symbol"`
	Market string        `json:"market"`
	Rates  []RatePayload `json:"rates"`
}

// SnapshotPayload is the published snapshot shape consumed by presentation layers.
type SnapshotPayload struct {
	Data         []MarketPayload `json:"data"`
	FetchedAt    time.Time       `json:"fetchedAt"`
	TotalMarkets int             `json:"totalMarkets"`
}

// Publish converts a snapshot into its published shape.
func Publish(s Snapshot) SnapshotPayload {
	data := make([]MarketPayload, 0, len(s.Markets))
	for _, m := range s.Markets {
		rates := make([]RatePayload, 0, len(m.Rates))
		for _, r := range m.Rates {
			rates = append(rates, RatePayload{Source: string(r.Source), Rate: r.Rate})
		}
		data = append(data, MarketPayload{
			Symbol: m.Symbol,
			Market: m.Symbol + "-USD",
			Rates:  rates,
		})
	}
	return SnapshotPayload{
		Data:         data,
		FetchedAt:    s.FetchedAt.UTC(),
		TotalMarkets: len(data),
	}
}
