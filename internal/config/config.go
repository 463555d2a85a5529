package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// STEPWISE_STORE_DRIVER.
const EnvPrefix = "STEPWISE"

// Config holds the configuration for the stepwise binary.
type Config struct {
	Store struct {
		Driver   string `mapstructure:"driver"`
		DSN      string `mapstructure:"dsn"`
		Database string `mapstructure:"database"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"store"`
	Worker struct {
		Count        int           `mapstructure:"count"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	} `mapstructure:"worker"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Planner struct {
		Origin   string        `mapstructure:"origin"`
		Currency string        `mapstructure:"currency"`
		Hold     time.Duration `mapstructure:"hold"`
	} `mapstructure:"planner"`
}

var drivers = []string{"memory", "sqlite", "postgres", "mongo", "redis"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "stepwise.db")
	v.SetDefault("store.database", "stepwise")
	v.SetDefault("store.prefix", "stepwise:")
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.poll_interval", 500*time.Millisecond)
	v.SetDefault("worker.error_backoff", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("planner.origin", "HEL")
	v.SetDefault("planner.currency", "EUR")
	v.SetDefault("planner.hold", time.Duration(0))
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. With an empty path Load
// looks for config.yaml in . and ./config and tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the binary cannot run with.
func (c *Config) Validate() error {
	known := false
	for _, d := range drivers {
		if c.Store.Driver == d {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown store driver %q (want one of %s)", c.Store.Driver, strings.Join(drivers, ", "))
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.ErrorBackoff <= 0 {
		return errors.New("worker intervals must be positive")
	}
	if c.Planner.Hold < 0 {
		return errors.New("planner.hold must not be negative")
	}
	return nil
}
