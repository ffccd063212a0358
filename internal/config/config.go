package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/variant-optimizer/internal/statecodec"
	"github.com/sells-group/variant-optimizer/internal/strategy"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Crypto     CryptoConfig     `yaml:"crypto" mapstructure:"crypto"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Optimizer  OptimizerConfig  `yaml:"optimizer" mapstructure:"optimizer"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Cleanup    CleanupConfig    `yaml:"cleanup" mapstructure:"cleanup"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxConns        int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32         `yaml:"min_conns" mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" mapstructure:"max_conn_lifetime"`
}

// CryptoConfig holds the key material for persisted optimizer state.
type CryptoConfig struct {
	StateSecret string `yaml:"state_secret" mapstructure:"state_secret"`
	Iterations  int    `yaml:"iterations" mapstructure:"iterations"`
}

// SessionConfig configures funnel session storage.
type SessionConfig struct {
	Backend      string        `yaml:"backend" mapstructure:"backend"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval" mapstructure:"reap_interval"`
	RedisAddr    string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPrefix  string        `yaml:"redis_prefix" mapstructure:"redis_prefix"`

	// ConnectAttempts bounds the startup ping retries against Redis.
	ConnectAttempts int           `yaml:"connect_attempts" mapstructure:"connect_attempts"`
	BreakerFailures int           `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// OptimizerConfig holds the service-wide strategy defaults. Experiment
// config maps override them per experiment.
type OptimizerConfig struct {
	MinSamples          int     `yaml:"min_samples" mapstructure:"min_samples"`
	LearningRate        float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	ExplorationRate     float64 `yaml:"exploration_rate" mapstructure:"exploration_rate"`
	ExplorationDecay    float64 `yaml:"exploration_decay" mapstructure:"exploration_decay"`
	MinExploration      float64 `yaml:"min_exploration" mapstructure:"min_exploration"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	SwitchInterval      int     `yaml:"switch_interval" mapstructure:"switch_interval"`
	LowTrafficThreshold int     `yaml:"low_traffic_threshold" mapstructure:"low_traffic_threshold"`
	ProbabilityDraws    int     `yaml:"probability_draws" mapstructure:"probability_draws"`
}

// Params converts the section into strategy parameters.
func (c OptimizerConfig) Params() strategy.Params {
	return strategy.Params{
		MinSamples:          c.MinSamples,
		LearningRate:        c.LearningRate,
		ExplorationRate:     c.ExplorationRate,
		Decay:               c.ExplorationDecay,
		MinExploration:      c.MinExploration,
		ConfidenceThreshold: c.ConfidenceThreshold,
		SwitchInterval:      c.SwitchInterval,
		LowTrafficThreshold: c.LowTrafficThreshold,
	}
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst" mapstructure:"rate_burst"`
	CORSOrigins    []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CleanupConfig configures the retention sweep.
type CleanupConfig struct {
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`
}

// MonitoringConfig configures the background health checker.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	StarvedShare        float64 `yaml:"starved_share" mapstructure:"starved_share"`
	MinAllocations      int64   `yaml:"min_allocations" mapstructure:"min_allocations"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPTIMIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("crypto.state_secret", "ALGORITHM_STATE_SECRET", "OPTIMIZER_CRYPTO_STATE_SECRET"); err != nil {
		return nil, eris.Wrap(err, "config: bind state secret")
	}
	if err := v.BindEnv("store.database_url", "DATABASE_URL", "OPTIMIZER_STORE_DATABASE_URL"); err != nil {
		return nil, eris.Wrap(err, "config: bind database url")
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("store.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("crypto.iterations", statecodec.MinIterations)
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.reap_interval", time.Minute)
	v.SetDefault("session.redis_prefix", "optimizer:session:")
	v.SetDefault("session.connect_attempts", 3)
	v.SetDefault("session.breaker_failures", 5)
	v.SetDefault("session.breaker_reset", 30*time.Second)
	defaults := strategy.DefaultParams()
	v.SetDefault("optimizer.min_samples", defaults.MinSamples)
	v.SetDefault("optimizer.learning_rate", defaults.LearningRate)
	v.SetDefault("optimizer.exploration_rate", defaults.ExplorationRate)
	v.SetDefault("optimizer.exploration_decay", defaults.Decay)
	v.SetDefault("optimizer.min_exploration", defaults.MinExploration)
	v.SetDefault("optimizer.confidence_threshold", defaults.ConfidenceThreshold)
	v.SetDefault("optimizer.switch_interval", defaults.SwitchInterval)
	v.SetDefault("optimizer.low_traffic_threshold", defaults.LowTrafficThreshold)
	v.SetDefault("optimizer.probability_draws", 10000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 200)
	v.SetDefault("server.rate_burst", 400)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("cleanup.retention", 90*24*time.Hour)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.starved_share", 0.02)
	v.SetDefault("monitoring.min_allocations", 500)

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

// Validate checks the settings a command needs before it starts. mode is
// one of serve, migrate, cleanup or experiment.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (set DATABASE_URL)")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url must name the sqlite file")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not postgres or sqlite", c.Store.Driver))
	}

	if c.Crypto.StateSecret == "" {
		errs = append(errs, "crypto.state_secret is required (set ALGORITHM_STATE_SECRET)")
	} else if len(c.Crypto.StateSecret) < statecodec.MinSecretLength {
		errs = append(errs, fmt.Sprintf("crypto.state_secret must be at least %d characters", statecodec.MinSecretLength))
	}

	switch mode {
	case "migrate", "cleanup":
	case "experiment":
		if err := c.Optimizer.Params().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
			errs = append(errs, "server.rate_limit and server.rate_burst must be >= 0")
		}
		switch c.Session.Backend {
		case "memory":
		case "redis":
			if c.Session.RedisAddr == "" {
				errs = append(errs, "session.redis_addr is required for the redis backend")
			}
		default:
			errs = append(errs, fmt.Sprintf("session.backend %q is not memory or redis", c.Session.Backend))
		}
		if err := c.Optimizer.Params().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if c.Optimizer.ProbabilityDraws <= 0 {
			errs = append(errs, "optimizer.probability_draws must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger. Every entry passes through
// the vocabulary filter before reaching a sink.
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

	logger, err := zapCfg.Build(zap.WrapCore(vocab.NewCore))
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
