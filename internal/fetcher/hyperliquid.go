package fetcher

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

const (
	hyperliquidDefaultBaseURL = "https://api.hyperliquid.xyz"
	hyperliquidInfoPath       = "/info"
)

// Hyperliquid reads funding from the metaAndAssetCtxs info call. Funding settles hourly.
type Hyperliquid struct {
	httpSource
}

// NewHyperliquid constructs the Hyperliquid adapter.
func NewHyperliquid(opts Options, logger zerolog.Logger) *Hyperliquid {
	return &Hyperliquid{httpSource: newHTTPSource(market.Hyperliquid, opts, hyperliquidDefaultBaseURL, logger)}
}

// FetchRates implements Source.
func (h *Hyperliquid) FetchRates(ctx context.Context) map[string]float64 {
	return h.collect(ctx, h.fetch)
}

type hyperliquidMeta struct {
	Universe []struct {
		Name       string `json:"name"`
		IsDelisted bool   `json:"isDelisted"`
	} `json:"universe"`
}

type hyperliquidAssetCtx struct {
	Funding *decimal.Decimal `json:"funding"`
}

func (h *Hyperliquid) fetch(ctx context.Context) (map[string]float64, error) {
	var payload []json.RawMessage
	if err := h.postJSON(ctx, hyperliquidInfoPath, map[string]string{"type": "metaAndAssetCtxs"}, &payload); err != nil {
		return nil, err
	}
	if len(payload) < 2 {
		return nil, fmt.Errorf("unexpected metaAndAssetCtxs shape: %d elements", len(payload))
	}

	var meta hyperliquidMeta
	if err := json.Unmarshal(payload[0], &meta); err != nil {
		return nil, fmt.Errorf("decode universe: %w", err)
	}
	var assetCtxs []json.RawMessage
	if err := json.Unmarshal(payload[1], &assetCtxs); err != nil {
		return nil, fmt.Errorf("decode asset contexts: %w", err)
	}

	rates := make(map[string]float64, len(meta.Universe))
	for i, asset := range meta.Universe {
		if i >= len(assetCtxs) {
			h.drop(asset.Name, errors.New("missing asset context"))
			continue
		}
		if asset.IsDelisted {
			continue
		}
		var assetCtx hyperliquidAssetCtx
		if err := json.Unmarshal(assetCtxs[i], &assetCtx); err != nil {
			h.drop(asset.Name, err)
			continue
		}
		if assetCtx.Funding == nil {
			h.drop(asset.Name, errors.New("missing funding"))
			continue
		}
		h.put(rates, asset.Name, *assetCtx.Funding, HourlyPeriodsPerYear)
	}
	return rates, nil
}

var _ Source = (*Hyperliquid)(nil)
