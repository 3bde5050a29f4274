package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dado-hash/fundings-screener/internal/cache"
	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/opportunity"
)

type healthResponse struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	CacheAge  *float64 `json:"cacheAge"`
}

func (s *Server) health(c *gin.Context) {
	now := s.now()
	resp := healthResponse{Status: "healthy", Timestamp: now.UTC().Format(time.RFC3339)}
	if age, ok := s.cache.Age(now); ok {
		seconds := age.Seconds()
		resp.CacheAge = &seconds
	}
	writeJSON(c, http.StatusOK, resp)
}

func (s *Server) fundingRates(c *gin.Context) {
	snap, err := s.cache.Get(c.Request.Context(), s.now())
	if err != nil {
		s.snapshotError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, market.Publish(snap))
}

type opportunityPayload struct {
	Symbol     string  `json:"symbol"`
	Market     string  `json:"market"`
	Spread     float64 `json:"spread"`
	HighSource string  `json:"highSource"`
	HighRate   float64 `json:"highRate"`
	LowSource  string  `json:"lowSource"`
	LowRate    float64 `json:"lowRate"`
	Type       string  `json:"type"`
}

type opportunitiesResponse struct {
	Data      []opportunityPayload `json:"data"`
	FetchedAt time.Time            `json:"fetchedAt"`
	Total     int                  `json:"total"`
}

func (s *Server) opportunities(c *gin.Context) {
	criteria, err := s.parseCriteria(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	snap, err := s.cache.Get(c.Request.Context(), s.now())
	if err != nil {
		s.snapshotError(c, err)
		return
	}

	ops := opportunity.Apply(snap, criteria)
	out := opportunitiesResponse{
		Data:      make([]opportunityPayload, 0, len(ops)),
		FetchedAt: snap.FetchedAt.UTC(),
		Total:     len(ops),
	}
	for _, op := range ops {
		out.Data = append(out.Data, opportunityPayload{
			Symbol:     op.Market.Symbol,
			Market:     op.Market.Symbol + "-USD",
			Spread:     op.Spread.Spread,
			HighSource: string(op.Spread.HighSource),
			HighRate:   op.Spread.HighRate,
			LowSource:  string(op.Spread.LowSource),
			LowRate:    op.Spread.LowRate,
			Type:       string(op.Type),
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (s *Server) snapshotError(c *gin.Context, err error) {
	s.logger.Error().Err(err).Msg("snapshot unavailable")
	status := http.StatusInternalServerError
	if errors.Is(err, cache.ErrColdCache) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(c, status, errorResponse{Error: "funding data unavailable"})
}

func (s *Server) parseCriteria(c *gin.Context) (opportunity.Criteria, error) {
	criteria := opportunity.Criteria{
		Sources:             market.AllExchanges,
		MinSpread:           s.opts.DefaultMinSpread,
		MaxSpread:           s.opts.DefaultMaxSpread,
		MaxResults:          s.opts.DefaultMaxResults,
		HighSpreadThreshold: s.opts.HighSpreadThreshold,
	}
	if criteria.MaxSpread <= 0 {
		criteria.MaxSpread = 500
	}

	if raw := strings.TrimSpace(c.Query("sources")); raw != "" {
		sources := make([]market.Exchange, 0, 4)
		for _, name := range strings.Split(raw, ",") {
			ex, ok := market.ParseExchange(name)
			if !ok {
				return criteria, fmt.Errorf("unknown source %q", strings.TrimSpace(name))
			}
			sources = append(sources, ex)
		}
		if len(sources) < 2 {
			return criteria, errors.New("at least two sources are required")
		}
		criteria.Sources = sources
	}

	var err error
	if criteria.MinSpread, err = floatParam(c, "min_spread", criteria.MinSpread); err != nil {
		return criteria, err
	}
	if criteria.MaxSpread, err = floatParam(c, "max_spread", criteria.MaxSpread); err != nil {
		return criteria, err
	}
	if criteria.MinSpread > criteria.MaxSpread {
		return criteria, errors.New("min_spread exceeds max_spread")
	}
	if criteria.ArbitrageOnly, err = boolParam(c, "arbitrage_only"); err != nil {
		return criteria, err
	}
	if criteria.HighSpreadOnly, err = boolParam(c, "high_spread_only"); err != nil {
		return criteria, err
	}
	if raw := c.Query("max_results"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n <= 0 {
			return criteria, fmt.Errorf("invalid max_results %q", raw)
		}
		criteria.MaxResults = n
	}
	return criteria, nil
}

func floatParam(c *gin.Context, key string, fallback float64) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func boolParam(c *gin.Context, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}
