package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/Dado-hash/fundings-screener/internal/aggregator"
	"github.com/Dado-hash/fundings-screener/internal/market"
)

// ErrColdCache is returned when a refresh fails and no earlier snapshot exists.
// An aggregation that merely yields no qualifying market is not a failure on a
// cold cache: the empty snapshot is published instead.
var ErrColdCache = errors.New("cache: no snapshot available")

// DefaultFreshnessWindow is how long a snapshot is served without refreshing.
const DefaultFreshnessWindow = 180 * time.Second

const flightKey = "snapshot"

// Collector produces a fresh snapshot. aggregator.Aggregator satisfies it.
type Collector interface {
	Collect(ctx context.Context) (market.Snapshot, error)
}

// Options tune cache behaviour.
type Options struct {
	FreshnessWindow time.Duration
	// MaxStaleness raises an alarm whenever a snapshot older than this is served
	// after a failed refresh. Zero disables the alarm.
	MaxStaleness time.Duration
}

// SnapshotCache serves the latest snapshot and coalesces concurrent refreshes.
type SnapshotCache struct {
	collector Collector
	opts      Options
	logger    zerolog.Logger

	mu        sync.RWMutex
	snapshot  market.Snapshot
	fetchedAt time.Time
	populated bool

	group singleflight.Group

	requests metric.Int64Counter
	alarms   metric.Int64Counter
}

// New constructs a SnapshotCache backed by collector.
func New(collector Collector, opts Options, logger zerolog.Logger) *SnapshotCache {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}

	meter := otel.Meter("fundings-screener/cache")
	requests, _ := meter.Int64Counter("cache.requests",
		metric.WithDescription("Snapshot requests by outcome"),
		metric.WithUnit("{request}"))
	alarms, _ := meter.Int64Counter("cache.staleness_alarms",
		metric.WithDescription("Stale snapshots served beyond the configured ceiling"),
		metric.WithUnit("{alarm}"))

	return &SnapshotCache{
		collector: collector,
		opts:      opts,
		logger:    logger.With().Str("component", "cache").Logger(),
		requests:  requests,
		alarms:    alarms,
	}
}

// Get returns the cached snapshot while it is within the freshness window,
// otherwise refreshes it. Concurrent stale callers share one refresh. When the
// refresh fails the previous snapshot is returned unchanged; ErrColdCache is
// returned only if there is none.
func (c *SnapshotCache) Get(ctx context.Context, now time.Time) (market.Snapshot, error) {
	if snap, ok := c.fresh(now); ok {
		c.count(ctx, "hit")
		return snap, nil
	}

	v, err, shared := c.group.Do(flightKey, func() (any, error) {
		if snap, ok := c.fresh(now); ok {
			return snap, nil
		}
		// The flight outlives any single caller.
		return c.refresh(context.WithoutCancel(ctx), now)
	})
	if shared {
		c.logger.Debug().Msg("joined in-flight refresh")
	}
	if err != nil {
		return market.Snapshot{}, err
	}
	return v.(market.Snapshot), nil
}

// Age reports how old the cached snapshot is. ok is false before the first
// successful refresh.
func (c *SnapshotCache) Age(now time.Time) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated {
		return 0, false
	}
	return now.Sub(c.fetchedAt), true
}

func (c *SnapshotCache) warm() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.populated
}

func (c *SnapshotCache) fresh(now time.Time) (market.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated || now.Sub(c.fetchedAt) > c.opts.FreshnessWindow {
		return market.Snapshot{}, false
	}
	return c.snapshot, true
}

func (c *SnapshotCache) refresh(ctx context.Context, now time.Time) (market.Snapshot, error) {
	start := time.Now()
	snap, err := c.collector.Collect(ctx)
	if errors.Is(err, aggregator.ErrNoData) && !c.warm() {
		c.logger.Warn().Err(err).Msg("no market qualifies yet; publishing empty snapshot")
		err = nil
	}
	if err == nil {
		c.mu.Lock()
		c.snapshot = snap
		c.fetchedAt = now
		c.populated = true
		c.mu.Unlock()

		c.count(ctx, "refresh")
		c.logger.Info().
			Int("markets", len(snap.Markets)).
			Dur("elapsed", time.Since(start)).
			Msg("snapshot refreshed")
		return snap, nil
	}

	c.mu.RLock()
	prev, fetchedAt, populated := c.snapshot, c.fetchedAt, c.populated
	c.mu.RUnlock()

	if !populated {
		c.count(ctx, "cold")
		c.logger.Error().Err(err).Msg("refresh failed with no snapshot to fall back on")
		return market.Snapshot{}, fmt.Errorf("%w: %w", ErrColdCache, err)
	}

	age := now.Sub(fetchedAt)
	c.count(ctx, "stale")
	c.logger.Warn().Err(err).Dur("age", age).Msg("refresh failed; serving previous snapshot")

	if c.opts.MaxStaleness > 0 && age > c.opts.MaxStaleness {
		if c.alarms != nil {
			c.alarms.Add(ctx, 1)
		}
		c.logger.Error().
			Dur("age", age).
			Dur("max_staleness", c.opts.MaxStaleness).
			Msg("snapshot exceeds maximum staleness")
	}
	return prev, nil
}

func (c *SnapshotCache) count(ctx context.Context, result string) {
	if c.requests == nil {
		return
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
