package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Dado-hash/fundings-screener/internal/logging"
	"github.com/Dado-hash/fundings-screener/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Filters   FiltersConfig   `mapstructure:"filters"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the notification tick.
type SchedulerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	AlignToTick     bool          `mapstructure:"align_to_tick"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// CacheConfig controls snapshot reuse.
type CacheConfig struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	// MaxStaleness of zero disables the staleness alarm.
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
}

// SourceConfig covers one funding-rate venue.
type SourceConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ParadexConfig adds the per-market summary knobs.
type ParadexConfig struct {
	SourceConfig      `mapstructure:",squash"`
	SummaryTimeout    time.Duration `mapstructure:"summary_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Concurrency       int           `mapstructure:"concurrency"`
}

// SourcesConfig lists the venues.
type SourcesConfig struct {
	UserAgent   string        `mapstructure:"user_agent"`
	DYDX        SourceConfig  `mapstructure:"dydx"`
	Hyperliquid SourceConfig  `mapstructure:"hyperliquid"`
	Paradex     ParadexConfig `mapstructure:"paradex"`
	Extended    SourceConfig  `mapstructure:"extended"`
}

// Enabled returns the enabled venues in canonical order.
func (s SourcesConfig) Enabled() []market.Exchange {
	var out []market.Exchange
	if s.DYDX.Enabled {
		out = append(out, market.DYDX)
	}
	if s.Hyperliquid.Enabled {
		out = append(out, market.Hyperliquid)
	}
	if s.Paradex.Enabled {
		out = append(out, market.Paradex)
	}
	if s.Extended.Enabled {
		out = append(out, market.Extended)
	}
	return out
}

// FiltersConfig holds classification and ad hoc query defaults.
type FiltersConfig struct {
	HighSpreadThreshold float64 `mapstructure:"high_spread_threshold"`
	DefaultMinSpread    float64 `mapstructure:"default_min_spread"`
	DefaultMaxSpread    float64 `mapstructure:"default_max_spread"`
	DefaultMaxResults   int     `mapstructure:"default_max_results"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	APIBase     string        `mapstructure:"api_base"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddr    string `mapstructure:"listen_addr"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
	Insecure     bool          `mapstructure:"insecure"`
	Interval     time.Duration `mapstructure:"interval"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxResults int `mapstructure:"max_results"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FUNDINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fundings-screener")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.pretty", false)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.tick_interval", "60s")
	v.SetDefault("scheduler.align_to_tick", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66756e64))

	v.SetDefault("cache.freshness_window", "180s")
	v.SetDefault("cache.max_staleness", "0s")

	v.SetDefault("sources.user_agent", "fundings-screener/1.0")
	for _, name := range []string{"dydx", "hyperliquid", "paradex", "extended"} {
		v.SetDefault("sources."+name+".enabled", true)
		v.SetDefault("sources."+name+".base_url", "")
		v.SetDefault("sources."+name+".timeout", "10s")
	}
	v.SetDefault("sources.paradex.summary_timeout", "5s")
	v.SetDefault("sources.paradex.requests_per_second", 10.0)
	v.SetDefault("sources.paradex.concurrency", 4)

	v.SetDefault("filters.high_spread_threshold", 100.0)
	v.SetDefault("filters.default_min_spread", 100.0)
	v.SetDefault("filters.default_max_spread", 500.0)
	v.SetDefault("filters.default_max_results", 5)

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.telegram.max_attempts", 3)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.allowed_origin", "*")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.interval", "30s")

	v.SetDefault("export.max_results", 50)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be greater than zero")
	}
	if c.Cache.FreshnessWindow <= 0 {
		return fmt.Errorf("cache.freshness_window must be greater than zero")
	}
	if c.Cache.MaxStaleness < 0 {
		return fmt.Errorf("cache.max_staleness cannot be negative")
	}
	if n := len(c.Sources.Enabled()); n < 2 {
		return fmt.Errorf("at least two sources must be enabled, got %d", n)
	}
	if c.Filters.HighSpreadThreshold <= 0 {
		return fmt.Errorf("filters.high_spread_threshold must be greater than zero")
	}
	if c.Filters.DefaultMinSpread > c.Filters.DefaultMaxSpread {
		return fmt.Errorf("filters.default_min_spread exceeds filters.default_max_spread")
	}
	if c.Filters.DefaultMaxResults <= 0 {
		return fmt.Errorf("filters.default_max_results must be greater than zero")
	}
	if c.Export.MaxResults <= 0 {
		return fmt.Errorf("export.max_results must be greater than zero")
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token 必须配置")
	}
	return nil
}

// ResolveMaxResults returns either the CLI override or config default.
func (c *Config) ResolveMaxResults(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxResults
}
