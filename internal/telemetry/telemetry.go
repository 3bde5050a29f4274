// Package telemetry wires the OpenTelemetry meter provider used by the
// fetcher, aggregator, cache, scheduler and notification service.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/Dado-hash/fundings-screener/internal/config"
)

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// Init installs the global meter provider. When telemetry is disabled a no-op
// provider is installed and the returned shutdown does nothing.
func Init(ctx context.Context, cfg config.TelemetryConfig, service string, logger zerolog.Logger) (apimetric.MeterProvider, ShutdownFunc, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.OTLPEndpoint) == "" {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, func(context.Context) error { return nil }, nil
	}
	if service == "" {
		service = "fundings-screener"
	}

	host, insecure, err := parseEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))
	if err != nil {
		return nil, nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure || cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	logger.Info().
		Str("component", "telemetry").
		Str("endpoint", host).
		Dur("interval", interval).
		Msg("otlp metric export enabled")

	return mp, mp.Shutdown, nil
}

// parseEndpoint accepts either host:port or a URL. Only https URLs are secure.
func parseEndpoint(raw string) (string, bool, error) {
	if !strings.Contains(raw, "://") {
		return raw, false, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("parse otlp endpoint: missing host in %q", raw)
	}
	return parsed.Host, parsed.Scheme != "https", nil
}
