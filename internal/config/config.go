// Package config loads the street directory configuration from an optional
// config.yaml and STREETDIR_* environment variables, and sets up logging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/street-directory/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Overpass   OverpassConfig   `yaml:"overpass" mapstructure:"overpass"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// OverpassConfig configures the geodata query service client.
type OverpassConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
	// RatePerSecond and Burst limit outgoing queries.
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	// ClientGrace is added to the server timeout to form the client deadline.
	ClientGrace time.Duration `yaml:"client_grace" mapstructure:"client_grace"`
	// TimeoutTolerance widens the window in which an empty result counts as a
	// server timeout.
	TimeoutTolerance time.Duration `yaml:"timeout_tolerance" mapstructure:"timeout_tolerance"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// ExtractionConfig configures the server-side time budget of queries.
type ExtractionConfig struct {
	ServerTimeout time.Duration `yaml:"server_timeout" mapstructure:"server_timeout"`
	// Per-kind overrides; zero means ServerTimeout.
	PostalcodeTimeout time.Duration `yaml:"postalcode_timeout" mapstructure:"postalcode_timeout"`
	StreetTimeout     time.Duration `yaml:"street_timeout" mapstructure:"street_timeout"`
}

// TimeoutFor returns the server timeout for kind.
func (c ExtractionConfig) TimeoutFor(kind model.EntityKind) time.Duration {
	switch {
	case kind == model.KindPostalcodes && c.PostalcodeTimeout > 0:
		return c.PostalcodeTimeout
	case kind == model.KindStreets && c.StreetTimeout > 0:
		return c.StreetTimeout
	default:
		return c.ServerTimeout
	}
}

// LockConfig selects the keyed lock implementation.
type LockConfig struct {
	Driver string        `yaml:"driver" mapstructure:"driver"`
	TTL    time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// RedisConfig holds the Redis connection used by the distributed lock.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// ScheduleConfig configures periodic populate runs. Empty cron specs disable
// the corresponding job.
type ScheduleConfig struct {
	Postalcodes string  `yaml:"postalcodes" mapstructure:"postalcodes"`
	Streets     string  `yaml:"streets" mapstructure:"streets"`
	AreaIDs     []int64 `yaml:"area_ids" mapstructure:"area_ids"`
}

// ServerConfig configures the trigger HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run-log health checks and alerting. Alerts are
// only sent when WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckInterval        time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackWindow       time.Duration `yaml:"lookback_window" mapstructure:"lookback_window"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// StuckAfter is how long a run may stay running before it is reported.
	StuckAfter time.Duration `yaml:"stuck_after" mapstructure:"stuck_after"`
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
	v.SetEnvPrefix("STREETDIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "street-directory.db")
	v.SetDefault("overpass.base_url", "https://overpass-api.de/api")
	v.SetDefault("overpass.user_agent", "street-directory/1.0")
	v.SetDefault("overpass.rate_per_second", 1.0)
	v.SetDefault("overpass.burst", 1)
	v.SetDefault("overpass.client_grace", "30s")
	v.SetDefault("overpass.timeout_tolerance", "0s")
	v.SetDefault("overpass.max_attempts", 3)
	v.SetDefault("overpass.initial_backoff", "2s")
	v.SetDefault("overpass.max_backoff", "60s")
	v.SetDefault("overpass.breaker_threshold", 5)
	v.SetDefault("overpass.breaker_reset", "2m")
	v.SetDefault("extraction.server_timeout", "180s")
	v.SetDefault("extraction.postalcode_timeout", "0s")
	v.SetDefault("extraction.street_timeout", "0s")
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.lookback_window", "24h")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_after", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode needs: "store" for direct
// directory access, "populate" for extraction runs, and "serve" and
// "schedule" for the long-running triggers. All problems are reported at once.
func (c *Config) Validate(mode string) error {
	var problems []string
	switch mode {
	case "store":
		problems = c.validateStore()
	case "populate":
		problems = append(c.validateStore(), c.validateExtraction()...)
	case "serve":
		problems = append(c.validateStore(), c.validateExtraction()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
		}
		problems = append(problems, c.validateMonitoring()...)
	case "schedule":
		problems = append(c.validateStore(), c.validateExtraction()...)
		if c.Schedule.Postalcodes == "" && c.Schedule.Streets == "" {
			problems = append(problems, "schedule.postalcodes or schedule.streets is required")
		}
		if len(c.Schedule.AreaIDs) == 0 {
			problems = append(problems, "schedule.area_ids is required")
		}
		problems = append(problems, c.validateMonitoring()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var problems []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	return problems
}

func (c *Config) validateExtraction() []string {
	var problems []string
	if c.Overpass.BaseURL == "" {
		problems = append(problems, "overpass.base_url is required")
	}
	if c.Extraction.ServerTimeout <= 0 {
		problems = append(problems, "extraction.server_timeout must be > 0")
	}
	if c.Extraction.PostalcodeTimeout < 0 || c.Extraction.StreetTimeout < 0 {
		problems = append(problems, "extraction per-kind timeouts must be >= 0")
	}
	if c.Overpass.TimeoutTolerance < 0 {
		problems = append(problems, "overpass.timeout_tolerance must be >= 0")
	} else if c.Extraction.ServerTimeout > 0 {
		// The tolerance must stay below the timeout each extractor actually uses.
		for _, kind := range []model.EntityKind{model.KindPostalcodes, model.KindStreets} {
			if timeout := c.Extraction.TimeoutFor(kind); c.Overpass.TimeoutTolerance >= timeout {
				problems = append(problems, fmt.Sprintf(
					"overpass.timeout_tolerance (%s) must be below the %s server timeout (%s)",
					c.Overpass.TimeoutTolerance, kind, timeout))
			}
		}
	}
	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Redis.URL == "" {
			problems = append(problems, "redis.url is required when lock.driver is redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("lock.driver must be local or redis, got %q", c.Lock.Driver))
	}
	return problems
}

func (c *Config) validateMonitoring() []string {
	if c.Monitoring.WebhookURL == "" {
		return nil
	}
	var problems []string
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if c.Monitoring.LookbackWindow <= 0 {
		problems = append(problems, "monitoring.lookback_window must be > 0")
	}
	return problems
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
