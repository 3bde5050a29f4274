package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/Dado-hash/fundings-screener/internal/aggregator"
	"github.com/Dado-hash/fundings-screener/internal/alerting"
	"github.com/Dado-hash/fundings-screener/internal/api"
	"github.com/Dado-hash/fundings-screener/internal/cache"
	"github.com/Dado-hash/fundings-screener/internal/config"
	"github.com/Dado-hash/fundings-screener/internal/fetcher"
	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/opportunity"
	"github.com/Dado-hash/fundings-screener/internal/scheduler"
	"github.com/Dado-hash/fundings-screener/internal/service"
	"github.com/Dado-hash/fundings-screener/internal/storage"
	"github.com/Dado-hash/fundings-screener/internal/telemetry"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newSources() []fetcher.Source {
	src := a.Config.Sources
	opts := func(c config.SourceConfig) fetcher.Options {
		return fetcher.Options{BaseURL: c.BaseURL, Timeout: c.Timeout, UserAgent: src.UserAgent}
	}

	var sources []fetcher.Source
	if src.DYDX.Enabled {
		sources = append(sources, fetcher.NewDYDX(opts(src.DYDX), a.Logger))
	}
	if src.Hyperliquid.Enabled {
		sources = append(sources, fetcher.NewHyperliquid(opts(src.Hyperliquid), a.Logger))
	}
	if src.Paradex.Enabled {
		sources = append(sources, fetcher.NewParadex(fetcher.ParadexOptions{
			Options:           opts(src.Paradex.SourceConfig),
			SummaryTimeout:    src.Paradex.SummaryTimeout,
			RequestsPerSecond: src.Paradex.RequestsPerSecond,
			Concurrency:       src.Paradex.Concurrency,
		}, a.Logger))
	}
	if src.Extended.Enabled {
		sources = append(sources, fetcher.NewExtended(opts(src.Extended), a.Logger))
	}
	return sources
}

func (a *App) newCache() *cache.SnapshotCache {
	agg := aggregator.New(a.newSources(), a.Logger)
	return cache.New(agg, cache.Options{
		FreshnessWindow: a.Config.Cache.FreshnessWindow,
		MaxStaleness:    a.Config.Cache.MaxStaleness,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting.Telegram
	if cfg.Enabled {
		return alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:    cfg.BotToken,
			APIBase:     cfg.APIBase,
			Timeout:     cfg.Timeout,
			MaxAttempts: cfg.MaxAttempts,
		}, a.Logger)
	}
	a.Logger.Warn().Msg("telegram disabled; notifications are only logged")
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newService(sched *scheduler.Scheduler, snapshots service.SnapshotSource, store storage.SubscriptionStore) *service.Service {
	return service.New(service.Options{
		HighSpreadThreshold: a.Config.Filters.HighSpreadThreshold,
		AdvisoryLockKey:     a.Config.Scheduler.AdvisoryLockKey,
	}, sched, snapshots, store, a.newNotifier(), a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pgPool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pgPool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured")
	}
	return store, closeStore, nil
}

// Run executes the long-running service: HTTP API plus notification scheduler.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, shutdownTelemetry, err := telemetry.Init(ctx, a.Config.Telemetry, a.Config.App.Name, a.Logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	if a.Config.Database.DSN != "" && a.Config.Database.AutoMigrate {
		if _, err := storage.Migrate(ctx, a.Config.Database.DSN, a.Logger); err != nil {
			return err
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	if !a.Config.API.Enabled && store == nil {
		return errors.New("nothing to run: api disabled and database not configured")
	}

	snapshots := a.newCache()

	p := pool.New().WithContext(ctx).WithCancelOnError()

	if a.Config.API.Enabled {
		server := api.New(api.Options{
			ListenAddr:          a.Config.API.ListenAddr,
			AllowedOrigin:       a.Config.API.AllowedOrigin,
			Debug:               a.Config.App.Environment == "development" && a.Logger.GetLevel() <= zerolog.DebugLevel,
			HighSpreadThreshold: a.Config.Filters.HighSpreadThreshold,
			DefaultMinSpread:    a.Config.Filters.DefaultMinSpread,
			DefaultMaxSpread:    a.Config.Filters.DefaultMaxSpread,
			DefaultMaxResults:   a.Config.Filters.DefaultMaxResults,
		}, snapshots, a.Logger)
		p.Go(server.Run)
	}

	if store != nil {
		sched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.TickInterval,
			AlignToTick:  a.Config.Scheduler.AlignToTick,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)
		svc := a.newService(sched, snapshots, store)
		p.Go(svc.Run)
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; notification scheduler disabled")
	}

	a.Logger.Info().
		Strs("sources", exchangeNames(a.Config.Sources.Enabled())).
		Bool("api", a.Config.API.Enabled).
		Bool("notifications", store != nil).
		Msg("starting fundings screener")

	err = p.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("fundings screener stopped")
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	res, err := storage.Migrate(ctx, a.Config.Database.DSN, a.Logger)
	if err != nil {
		return err
	}
	state := "up to date"
	if res.Applied {
		state = "applied"
	}
	fmt.Fprintf(a.Out, "schema version %d (%s)\n", res.Version, state)
	return nil
}

// FilterOptions carry the command-line filter flags shared by show and export.
// A nil MinSpread means the flag was not given.
type FilterOptions struct {
	Sources        []string
	MinSpread      *float64
	MaxSpread      float64
	ArbitrageOnly  bool
	HighSpreadOnly bool
	MaxResults     int
}

// Criteria resolves the flags against configured defaults.
func (f FilterOptions) Criteria(cfg *config.Config) (opportunity.Criteria, error) {
	sources, err := parseSources(f.Sources)
	if err != nil {
		return opportunity.Criteria{}, err
	}
	if len(sources) == 0 {
		sources = cfg.Sources.Enabled()
	}
	maxSpread := f.MaxSpread
	if maxSpread <= 0 {
		maxSpread = cfg.Filters.DefaultMaxSpread
	}
	minSpread := cfg.Filters.DefaultMinSpread
	if f.MinSpread != nil {
		minSpread = *f.MinSpread
	}
	if math.IsNaN(minSpread) || math.IsNaN(maxSpread) || minSpread < 0 || minSpread > maxSpread {
		return opportunity.Criteria{}, fmt.Errorf("invalid spread range [%g, %g]", minSpread, maxSpread)
	}
	return opportunity.Criteria{
		Sources:             sources,
		MinSpread:           minSpread,
		MaxSpread:           maxSpread,
		ArbitrageOnly:       f.ArbitrageOnly,
		HighSpreadOnly:      f.HighSpreadOnly,
		MaxResults:          f.MaxResults,
		HighSpreadThreshold: cfg.Filters.HighSpreadThreshold,
	}, nil
}

func parseSources(names []string) ([]market.Exchange, error) {
	var out []market.Exchange
	for _, raw := range names {
		for _, name := range strings.Split(raw, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			ex, ok := market.ParseExchange(name)
			if !ok {
				return nil, fmt.Errorf("unknown source %q", strings.TrimSpace(name))
			}
			out = append(out, ex)
		}
	}
	if len(out) == 1 {
		return nil, errors.New("at least two sources are required")
	}
	return out, nil
}

func exchangeNames(exchanges []market.Exchange) []string {
	out := make([]string, len(exchanges))
	for i, ex := range exchanges {
		out[i] = string(ex)
	}
	return out
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Filter        FilterOptions
	Opportunities bool
}

// ExportOptions configure the export command.
type ExportOptions struct {
	Filter  FilterOptions
	PNGPath string
	CSVPath string
}

// AlertOptions describe a new alert created from the command line.
type AlertOptions struct {
	ChatID   int64
	Username string
	Name     string
	Interval string
	Filter   FilterOptions
}
