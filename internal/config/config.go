package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"trm-dispatch-stats/internal/logging"
	"trm-dispatch-stats/internal/trm"
	"trm-dispatch-stats/internal/version"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Rates      RatesConfig      `mapstructure:"rates"`
	Primary    PrimaryConfig    `mapstructure:"primary"`
	Secondary  SecondaryConfig  `mapstructure:"secondary"`
	Statistics StatisticsConfig `mapstructure:"statistics"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
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
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig locates the persistent rate-cache tier.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RatesConfig bounds and caches the reference rate.
type RatesConfig struct {
	MinValid   float64       `mapstructure:"min_valid"`
	MaxValid   float64       `mapstructure:"max_valid"`
	Default    float64       `mapstructure:"default"`
	Timezone   string        `mapstructure:"timezone"`
	PastTTL    time.Duration `mapstructure:"past_ttl"`
	FutureTTL  time.Duration `mapstructure:"future_ttl"`
	MemoryOnly bool          `mapstructure:"memory_only"`
}

// PrimaryConfig covers the official SOAP rate service.
type PrimaryConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Endpoint   string        `mapstructure:"endpoint"`
	SOAPAction string        `mapstructure:"soap_action"`
	Timeout    time.Duration `mapstructure:"timeout"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// SecondaryConfig covers the FX time-series API.
type SecondaryConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	FromSymbol string        `mapstructure:"from_symbol"`
	ToSymbol   string        `mapstructure:"to_symbol"`
	Timeout    time.Duration `mapstructure:"timeout"`
	UserAgent  string        `mapstructure:"user_agent"`
	CacheDir   string        `mapstructure:"cache_dir"`
}

// StatisticsConfig tunes planned-date resolution.
type StatisticsConfig struct {
	PlanningBusinessDays int `mapstructure:"planning_business_days"`
	LookupBufferDays     int `mapstructure:"lookup_buffer_days"`
}

// SchedulerConfig governs the recompute cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	Offset          time.Duration `mapstructure:"offset"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	RecordRates     bool          `mapstructure:"record_rates"`
	RunRetention    time.Duration `mapstructure:"run_retention"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes the prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRMSTATS")
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
	v.SetDefault("app.name", "trmstats")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "trmstats:")

	v.SetDefault("rates.min_valid", 3800.0)
	v.SetDefault("rates.max_valid", 10000.0)
	v.SetDefault("rates.default", 4000.0)
	v.SetDefault("rates.timezone", "America/Bogota")
	v.SetDefault("rates.past_ttl", "720h")
	v.SetDefault("rates.future_ttl", "1h")
	v.SetDefault("rates.memory_only", false)

	v.SetDefault("primary.enabled", true)
	v.SetDefault("primary.endpoint", "https://www.superfinanciera.gov.co/SuperfinancieraWebServiceTRM/TCRMServicesWebService/TCRMServicesWebService")
	v.SetDefault("primary.timeout", "15s")
	v.SetDefault("primary.user_agent", version.UserAgent())

	v.SetDefault("primary.soap_action", "")

	v.SetDefault("secondary.base_url", "https://www.alphavantage.co")
	v.SetDefault("secondary.api_key", "")
	v.SetDefault("secondary.cache_dir", DefaultCacheDir())
	v.SetDefault("secondary.from_symbol", "USD")
	v.SetDefault("secondary.to_symbol", "COP")
	v.SetDefault("secondary.timeout", "10s")
	v.SetDefault("secondary.user_agent", version.UserAgent())

	v.SetDefault("statistics.planning_business_days", 10)
	v.SetDefault("statistics.lookup_buffer_days", 15)

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_start", true)
	v.SetDefault("scheduler.offset", "30m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x54524d53))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.record_rates", true)
	v.SetDefault("scheduler.run_retention", "2160h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.listen_addr", ":9108")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_rows", 3660)
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
	if c.Rates.MinValid <= 0 || c.Rates.MaxValid <= c.Rates.MinValid {
		return fmt.Errorf("rates.min_valid must be positive and below rates.max_valid")
	}
	if c.Rates.Default < c.Rates.MinValid || c.Rates.Default > c.Rates.MaxValid {
		return fmt.Errorf("rates.default must lie within [rates.min_valid, rates.max_valid]")
	}
	if _, err := time.LoadLocation(c.Rates.Timezone); err != nil {
		return fmt.Errorf("rates.timezone: %w", err)
	}
	if c.Rates.PastTTL <= 0 || c.Rates.FutureTTL <= 0 {
		return fmt.Errorf("rates.past_ttl and rates.future_ttl must be greater than zero")
	}
	if c.Primary.Timeout <= 0 || c.Secondary.Timeout <= 0 {
		return fmt.Errorf("primary.timeout and secondary.timeout must be greater than zero")
	}
	if c.Statistics.PlanningBusinessDays <= 0 {
		return fmt.Errorf("statistics.planning_business_days must be greater than zero")
	}
	if c.Statistics.LookupBufferDays <= 0 {
		return fmt.Errorf("statistics.lookup_buffer_days must be greater than zero")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Location returns the configured rate calendar, falling back to time.Local.
func (r RatesConfig) Location() *time.Location {
	if r.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Bounds converts the configured thresholds.
func (r RatesConfig) Bounds() trm.Bounds {
	return trm.Bounds{
		Min:     decimal.NewFromFloat(r.MinValid),
		Max:     decimal.NewFromFloat(r.MaxValid),
		Default: decimal.NewFromFloat(r.Default),
	}
}

// DefaultCacheDir is where the secondary source keeps its daily response file.
func DefaultCacheDir() string {
	return filepath.Join(os.TempDir(), "trmstats")
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
