// Package config loads application configuration from file and
// environment and owns global logger setup.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig   `yaml:"store" mapstructure:"store"`
	PriceCharting VendorConfig  `yaml:"pricecharting" mapstructure:"pricecharting"`
	CardLadder    VendorConfig  `yaml:"cardladder" mapstructure:"cardladder"`
	GemRate       VendorConfig  `yaml:"gemrate" mapstructure:"gemrate"`
	Sync          SyncConfig    `yaml:"sync" mapstructure:"sync"`
	Matcher       MatcherConfig `yaml:"matcher" mapstructure:"matcher"`
	Server        ServerConfig  `yaml:"server" mapstructure:"server"`
	Log           LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// VendorConfig holds one provider's credentials and rate budget.
type VendorConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RateRPS   float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	Enabled   bool    `yaml:"enabled" mapstructure:"enabled"`
}

// SyncConfig sizes one sync run.
type SyncConfig struct {
	SetsPerRun     int    `yaml:"sets_per_run" mapstructure:"sets_per_run"`
	PageLimit      int    `yaml:"page_limit" mapstructure:"page_limit"`
	Workers        int    `yaml:"workers" mapstructure:"workers"`
	ChunkSize      int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	TimeBudgetSecs int    `yaml:"time_budget_secs" mapstructure:"time_budget_secs"`
	Job            string `yaml:"job" mapstructure:"job"`
}

// MatcherConfig configures set-matcher scoring.
type MatcherConfig struct {
	// TuningFile overrides the embedded scoring tuning when non-empty.
	TuningFile string `yaml:"tuning_file" mapstructure:"tuning_file"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// Token is the shared secret required on trigger requests.
	Token string `yaml:"token" mapstructure:"token"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("pricecharting.base_url", "https://www.pricecharting.com")
	v.SetDefault("pricecharting.rate_rps", 5.0)
	v.SetDefault("pricecharting.rate_burst", 5)
	v.SetDefault("pricecharting.enabled", true)
	v.SetDefault("cardladder.base_url", "https://api.cardladder.com")
	v.SetDefault("cardladder.rate_rps", 2.0)
	v.SetDefault("cardladder.rate_burst", 2)
	v.SetDefault("cardladder.enabled", true)
	v.SetDefault("gemrate.base_url", "https://api.gemrate.com")
	v.SetDefault("gemrate.rate_rps", 2.0)
	v.SetDefault("gemrate.rate_burst", 2)
	v.SetDefault("gemrate.enabled", true)
	v.SetDefault("sync.sets_per_run", 5)
	v.SetDefault("sync.page_limit", 100)
	v.SetDefault("sync.workers", 1)
	v.SetDefault("sync.chunk_size", 200)
	v.SetDefault("sync.time_budget_secs", 120)
	v.SetDefault("sync.job", "prices")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that everything a sync run needs is present. Called
// before any unit runs so auth failures are fatal up front, never after a
// partial cursor update.
func (c *Config) Validate() error {
	var missing []string
	if c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	for name, vendor := range map[string]VendorConfig{
		"pricecharting": c.PriceCharting,
		"cardladder":    c.CardLadder,
		"gemrate":       c.GemRate,
	} {
		if vendor.Enabled && vendor.Key == "" {
			missing = append(missing, name+".key")
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
