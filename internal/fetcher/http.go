package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

// httpSource carries the plumbing shared by every venue adapter.
type httpSource struct {
	exchange  market.Exchange
	baseURL   string
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
	metrics   *sourceMetrics
}

func newHTTPSource(exchange market.Exchange, opts Options, defaultBaseURL string, logger zerolog.Logger) httpSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}

	return httpSource{
		exchange:  exchange,
		baseURL:   baseURL,
		userAgent: ua,
		client:    &http.Client{Timeout: timeout},
		logger: logger.With().
			Str("component", "fetcher").
			Str("source", string(exchange)).
			Logger(),
		metrics: newSourceMetrics(),
	}
}

// Exchange reports the venue served by the source.
func (h *httpSource) Exchange() market.Exchange {
	return h.exchange
}

// collect runs fetch and converts any transport-level failure into an empty result.
func (h *httpSource) collect(ctx context.Context, fetch func(context.Context) (map[string]float64, error)) map[string]float64 {
	start := time.Now()
	rates, err := fetch(ctx)
	h.metrics.record(ctx, h.exchange, time.Since(start), len(rates), err)

	if err != nil {
		h.logger.Warn().Err(err).Msg("source unavailable; returning no data")
		return map[string]float64{}
	}
	h.logger.Debug().Int("symbols", len(rates)).Dur("elapsed", time.Since(start)).Msg("source fetched")
	return rates
}

// put stores an annualized rate under the canonical symbol, dropping empty tickers.
// A suffixed ticker never replaces a symbol already stored; the bare ticker always does.
func (h *httpSource) put(rates map[string]float64, ticker string, rate decimal.Decimal, periodsPerYear int64) {
	symbol := market.NormalizeSymbol(ticker)
	if symbol == "" {
		h.drop(ticker, fmt.Errorf("empty symbol"))
		return
	}
	if _, seen := rates[symbol]; seen && !market.IsCanonicalTicker(ticker) {
		h.drop(ticker, fmt.Errorf("duplicate of %s", symbol))
		return
	}
	rates[symbol] = Annualize(rate, periodsPerYear).InexactFloat64()
}

func (h *httpSource) drop(ticker string, err error) {
	h.logger.Debug().Err(err).Str("symbol", ticker).Msg("symbol dropped")
}

func (h *httpSource) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := h.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return h.do(req, out)
}

func (h *httpSource) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req, out)
}

func (h *httpSource) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}
