package fetcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

type sourceMetrics struct {
	duration metric.Float64Histogram
	fetches  metric.Int64Counter
	symbols  metric.Int64Gauge
}

func newSourceMetrics() *sourceMetrics {
	meter := otel.Meter("fundings-screener/fetcher")
	m := &sourceMetrics{}
	m.duration, _ = meter.Float64Histogram("fetcher.source.duration",
		metric.WithDescription("Funding rate fetch duration per source"),
		metric.WithUnit("ms"))
	m.fetches, _ = meter.Int64Counter("fetcher.source.fetches",
		metric.WithDescription("Funding rate fetches per source and result"),
		metric.WithUnit("{fetch}"))
	m.symbols, _ = meter.Int64Gauge("fetcher.source.symbols",
		metric.WithDescription("Symbols returned by the last fetch"),
		metric.WithUnit("{symbol}"))
	return m
}

func (m *sourceMetrics) record(ctx context.Context, source market.Exchange, elapsed time.Duration, symbols int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "unavailable"
	}
	src := attribute.String("source", string(source))
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(src))
	}
	if m.fetches != nil {
		m.fetches.Add(ctx, 1, metric.WithAttributes(src, attribute.String("result", result)))
	}
	if m.symbols != nil {
		m.symbols.Record(ctx, int64(symbols), metric.WithAttributes(src))
	}
}
