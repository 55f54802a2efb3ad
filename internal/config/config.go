package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fxwatch/internal/currency"
	"fxwatch/internal/logging"
)

// Storage drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Dispatcher modes. Auto picks twilio when credentials are present.
const (
	DispatchAuto   = "auto"
	DispatchDemo   = "demo"
	DispatchTwilio = "twilio"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Events    EventsConfig    `mapstructure:"events"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DataDir         string        `mapstructure:"data_dir"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Strict turns snapshot write failures into returned errors instead of log lines.
	Strict bool `mapstructure:"strict"`
}

// SchedulerConfig governs the evaluation cadence and the daily digest.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	DigestCron      string        `mapstructure:"digest_cron"`
	// Timezone evaluates DigestCron; empty means the host's local zone.
	Timezone string `mapstructure:"timezone"`
}

// ProvidersConfig lists upstream rate providers in priority order.
type ProvidersConfig struct {
	Timeout   time.Duration    `mapstructure:"timeout"`
	UserAgent string           `mapstructure:"user_agent"`
	Sources   []ProviderConfig `mapstructure:"sources"`
}

// ProviderConfig describes one HTTP provider.
type ProviderConfig struct {
	Name     string            `mapstructure:"name"`
	URL      string            `mapstructure:"url"`
	Format   string            `mapstructure:"format"`
	Headers  map[string]string `mapstructure:"headers"`
	Disabled bool              `mapstructure:"disabled"`
}

// RatesConfig holds the currency set, the fallback table and digest pairs.
type RatesConfig struct {
	Currencies        []string                      `mapstructure:"currencies"`
	Fallback          map[string]map[string]float64 `mapstructure:"fallback"`
	DigestPairs       []string                      `mapstructure:"digest_pairs"`
	WeeklyHighSamples int                           `mapstructure:"weekly_high_samples"`
}

// AlertingConfig selects the notification dispatcher.
type AlertingConfig struct {
	Mode   string       `mapstructure:"mode"`
	Twilio TwilioConfig `mapstructure:"twilio"`
}

// TwilioConfig carries Twilio SMS credentials.
type TwilioConfig struct {
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	FromNumber string        `mapstructure:"from_number"`
	APIBase    string        `mapstructure:"api_base"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Configured reports whether all credentials are present.
func (t TwilioConfig) Configured() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

// EventsConfig configures notification event publishing to Kafka.
type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig configures the HTTP query surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

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

	cfg.normalise()
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

// bindLegacyEnv accepts the plain TWILIO_* variables next to the prefixed ones.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"alerting.twilio.account_sid": "TWILIO_ACCOUNT_SID",
		"alerting.twilio.auth_token":  "TWILIO_AUTH_TOKEN",
		"alerting.twilio.from_number": "TWILIO_PHONE_NUMBER",
	}
	for key, legacy := range bindings {
		prefixed := "FXWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.driver", DriverFile)
	v.SetDefault("storage.data_dir", ".")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 2)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("storage.strict", false)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66787761))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.digest_cron", "0 9 * * *")

	v.SetDefault("providers.timeout", "15s")
	v.SetDefault("providers.user_agent", "CurrencyConverter/1.0")
	v.SetDefault("providers.sources", DefaultProviders())

	v.SetDefault("rates.currencies", currency.DefaultSupported)
	v.SetDefault("rates.digest_pairs", []string{"USD/INR", "EUR/INR", "GBP/INR", "USD/EUR"})
	v.SetDefault("rates.weekly_high_samples", 7)

	v.SetDefault("alerting.mode", DispatchAuto)
	v.SetDefault("alerting.twilio.api_base", "https://api.twilio.com")
	v.SetDefault("alerting.twilio.timeout", "10s")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "fxwatch.notifications")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

// DefaultProviders is the built-in provider chain in priority order.
func DefaultProviders() []map[string]any {
	return []map[string]any{
		{
			"name":    "exchangerate-api",
			"url":     "https://api.exchangerate-api.com/v4/latest/{base}",
			"format":  "rates",
			"headers": map[string]string{"User-Agent": "CurrencyConverter/1.0"},
		},
		{
			"name":   "currencylayer",
			"url":    "https://api.currencylayer.com/live?access_key=free&currencies={quote}&source={base}&format=1",
			"format": "quotes",
		},
		{
			"name":    "exchangerate.host",
			"url":     "https://api.exchangerate.host/latest?base={base}&symbols={quote}",
			"format":  "rates",
			"headers": map[string]string{"User-Agent": "CurrencyConverter/1.0"},
		},
		{
			"name":   "fixer.io",
			"url":    "https://api.fixer.io/latest?base={base}&symbols={quote}",
			"format": "rates",
		},
	}
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

// normalise undoes viper's key lower-casing for currency codes.
func (c *Config) normalise() {
	for i, code := range c.Rates.Currencies {
		c.Rates.Currencies[i] = strings.ToUpper(strings.TrimSpace(code))
	}
	if len(c.Rates.Fallback) > 0 {
		table := make(map[string]map[string]float64, len(c.Rates.Fallback))
		for base, quotes := range c.Rates.Fallback {
			row := make(map[string]float64, len(quotes))
			for quote, rate := range quotes {
				row[strings.ToUpper(quote)] = rate
			}
			table[strings.ToUpper(base)] = row
		}
		c.Rates.Fallback = table
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	c.Alerting.Mode = strings.ToLower(c.Alerting.Mode)
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if strings.TrimSpace(c.Scheduler.DigestCron) == "" {
		return fmt.Errorf("scheduler.digest_cron must be set")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if c.Providers.Timeout <= 0 {
		return fmt.Errorf("providers.timeout must be greater than zero")
	}
	for i, p := range c.Providers.Sources {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("providers.sources[%d] requires name and url", i)
		}
	}
	if len(c.Rates.Currencies) == 0 {
		return fmt.Errorf("rates.currencies cannot be empty")
	}
	if c.Rates.WeeklyHighSamples <= 0 {
		return fmt.Errorf("rates.weekly_high_samples must be greater than zero")
	}
	for _, raw := range c.Rates.DigestPairs {
		if _, err := currency.ParsePair(raw); err != nil {
			return fmt.Errorf("rates.digest_pairs: %w", err)
		}
	}

	switch c.Storage.Driver {
	case DriverFile:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q", DriverFile, DriverPostgres)
	}

	switch c.Alerting.Mode {
	case DispatchAuto, DispatchDemo:
	case DispatchTwilio:
		if !c.Alerting.Twilio.Configured() {
			return fmt.Errorf("alerting.twilio account_sid, auth_token and from_number are required in twilio mode")
		}
	default:
		return fmt.Errorf("alerting.mode must be one of auto, demo, twilio")
	}

	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers must be set when events are enabled")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic must be set when events are enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// DispatchMode resolves auto into a concrete dispatcher mode.
func (c *Config) DispatchMode() string {
	if c.Alerting.Mode == DispatchAuto {
		if c.Alerting.Twilio.Configured() {
			return DispatchTwilio
		}
		return DispatchDemo
	}
	return c.Alerting.Mode
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// DigestPairs parses rates.digest_pairs.
func (c *Config) DigestPairs() []currency.Pair {
	pairs := make([]currency.Pair, 0, len(c.Rates.DigestPairs))
	for _, raw := range c.Rates.DigestPairs {
		if pair, err := currency.ParsePair(strings.ToUpper(raw)); err == nil {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}
