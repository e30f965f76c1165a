// Package config loads runtime configuration from a YAML file plus
// TRADECORE_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BusConfig sizes the event bus.
type BusConfig struct {
	NumWorkers int `mapstructure:"num_workers"`
	BufferSize int `mapstructure:"buffer_size"`
}

// BacktestConfig carries the matched/daily bar intervals and per-contract
// parameters a backtest run needs.
type BacktestConfig struct {
	MatchedInterval     string                    `mapstructure:"matched_interval"`
	DailyUpdateInterval string                    `mapstructure:"daily_update_interval"`
	InitialCash         float64                   `mapstructure:"initial_cash"`
	RiskFreeRate        float64                   `mapstructure:"risk_free_rate"`
	AnnualDays          int                       `mapstructure:"annual_days"`
	Contracts           map[string]ContractConfig `mapstructure:"contracts"`
}

// ContractConfig is one symbol's size/margin-rate/commission parameters.
type ContractConfig struct {
	Size            float64 `mapstructure:"size"`
	MarginRate      float64 `mapstructure:"margin_rate"`
	LongCommission  float64 `mapstructure:"long_commission_rate"`
	ShortCommission float64 `mapstructure:"short_commission_rate"`
}

// HubConfig configures the WebSocket/HTTP command hub.
type HubConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	AccessTTL   time.Duration `mapstructure:"access_ttl"`
	RefreshTTL  time.Duration `mapstructure:"refresh_ttl"`
	UsersDBPath string        `mapstructure:"users_db_path"`
}

// AdapterConfig configures the engine<->hub NATS bridge.
type AdapterConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Development    bool   `mapstructure:"development"`
	LogDir         string `mapstructure:"log_dir"`
	RotationWindow int    `mapstructure:"rotation_window_days"` // rotated files older than this are pruned
}

// Config is the full process configuration.
type Config struct {
	EngineID string         `mapstructure:"engine_id"`
	Bus      BusConfig      `mapstructure:"bus"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Hub      HubConfig      `mapstructure:"hub"`
	Adapter  AdapterConfig  `mapstructure:"adapter"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Default returns a Config with conservative defaults, overridden by
// whatever Load reads on top of it.
func Default() Config {
	return Config{
		EngineID: "CTA1",
		Bus:      BusConfig{NumWorkers: 1, BufferSize: 4096},
		Backtest: BacktestConfig{
			MatchedInterval:     "1m",
			DailyUpdateInterval: "1d",
			InitialCash:         1_000_000,
			RiskFreeRate:        0.02,
			AnnualDays:          240,
		},
		Hub: HubConfig{
			Host: "0.0.0.0", Port: 8765,
			AccessTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour,
			UsersDBPath: "data/users.db",
		},
		Adapter: AdapterConfig{NATSURL: "nats://127.0.0.1:4222"},
		Logging: LoggingConfig{Level: "info", LogDir: "logs", RotationWindow: 30},
	}
}

// Load reads path (a YAML file) on top of Default, with TRADECORE_-
// prefixed environment variables (e.g. TRADECORE_HUB_PORT) overriding
// either.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindDefaults(v, cfg); err != nil {
		return cfg, err
	}

	// A missing config file is fine — defaults plus env overrides apply.
	// With an explicit SetConfigFile path the not-found case surfaces as a
	// fs.PathError, not viper's ConfigFileNotFoundError.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// bindDefaults seeds viper with Default()'s values so env-only overrides
// (no YAML file present) still resolve against sane defaults.
func bindDefaults(v *viper.Viper, cfg Config) error {
	v.SetDefault("engine_id", cfg.EngineID)
	v.SetDefault("bus.num_workers", cfg.Bus.NumWorkers)
	v.SetDefault("bus.buffer_size", cfg.Bus.BufferSize)
	v.SetDefault("backtest.matched_interval", cfg.Backtest.MatchedInterval)
	v.SetDefault("backtest.daily_update_interval", cfg.Backtest.DailyUpdateInterval)
	v.SetDefault("backtest.initial_cash", cfg.Backtest.InitialCash)
	v.SetDefault("backtest.risk_free_rate", cfg.Backtest.RiskFreeRate)
	v.SetDefault("backtest.annual_days", cfg.Backtest.AnnualDays)
	v.SetDefault("hub.host", cfg.Hub.Host)
	v.SetDefault("hub.port", cfg.Hub.Port)
	v.SetDefault("hub.access_ttl", cfg.Hub.AccessTTL)
	v.SetDefault("hub.refresh_ttl", cfg.Hub.RefreshTTL)
	v.SetDefault("hub.users_db_path", cfg.Hub.UsersDBPath)
	v.SetDefault("adapter.nats_url", cfg.Adapter.NATSURL)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.log_dir", cfg.Logging.LogDir)
	v.SetDefault("logging.rotation_window_days", cfg.Logging.RotationWindow)
	return nil
}
