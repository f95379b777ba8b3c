package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ARConfig holds the application configuration
type ARConfig struct {
	Database struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		Name         string `mapstructure:"name"`
		SSLMode      string `mapstructure:"sslmode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
	} `mapstructure:"database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Queue struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Executor struct {
		Concurrency          int `mapstructure:"concurrency"`
		StoreWriteAttempts   int `mapstructure:"store_write_attempts"`
		StoreWriteBackoffMs  int `mapstructure:"store_write_backoff_ms"`
		MaxDurationSec       int `mapstructure:"max_duration_sec"`
		HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec"`
		WaitTimeoutSec       int `mapstructure:"wait_timeout_sec"`
	} `mapstructure:"executor"`

	Agent struct {
		BaseURL              string `mapstructure:"base_url"`
		TimeoutSec           int    `mapstructure:"timeout_sec"`
		DefaultModel         string `mapstructure:"default_model"`
		DefaultThinkingLevel string `mapstructure:"default_thinking_level"`
	} `mapstructure:"agent"`

	Launcher struct {
		HistoryLimit int `mapstructure:"history_limit"`
	} `mapstructure:"launcher"`

	Reconciler struct {
		Cron          string `mapstructure:"cron"`
		StaleAfterSec int    `mapstructure:"stale_after_sec"`
	} `mapstructure:"reconciler"`

	Approval struct {
		TokenTTLSec int `mapstructure:"token_ttl_sec"`
	} `mapstructure:"approval"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	Usage struct {
		DailyTokenLimit int64 `mapstructure:"daily_token_limit"` // 0 is unlimited
	} `mapstructure:"usage"`

	Metrics struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"metrics"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables. When no config file can
// be found, the defaults and the AR_* environment variables are used.
func LoadConfig(configPaths ...string) (*ARConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("AR_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		return unmarshal(v)
	}
	return config, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "agentrunner")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	// Executor defaults
	v.SetDefault("executor.concurrency", 4)
	v.SetDefault("executor.store_write_attempts", 3)
	v.SetDefault("executor.store_write_backoff_ms", 500)
	v.SetDefault("executor.max_duration_sec", 1800) // 30 minutes
	v.SetDefault("executor.heartbeat_interval_sec", 60)
	v.SetDefault("executor.wait_timeout_sec", 300)

	v.SetDefault("agent.base_url", "http://localhost:8000")
	v.SetDefault("agent.timeout_sec", 180)
	v.SetDefault("agent.default_model", "gemini-2.5-flash")
	v.SetDefault("agent.default_thinking_level", "high")

	v.SetDefault("launcher.history_limit", 20)

	v.SetDefault("reconciler.cron", "@every 1m")
	v.SetDefault("reconciler.stale_after_sec", 900)

	v.SetDefault("approval.token_ttl_sec", 3600)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("usage.daily_token_limit", 0)

	v.SetDefault("metrics.port", 9100)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("AR")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*ARConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	config, err := unmarshal(v)
	if err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}
	return config, nil
}

func unmarshal(v *viper.Viper) (*ARConfig, error) {
	var config ARConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *ARConfig) validate() error {
	var errs []error
	if c.Executor.Concurrency < 1 {
		errs = append(errs, errors.New("executor.concurrency must be at least 1"))
	}
	if c.Executor.StoreWriteAttempts < 1 {
		errs = append(errs, errors.New("executor.store_write_attempts must be at least 1"))
	}
	if c.Executor.WaitTimeoutSec < 1 {
		errs = append(errs, errors.New("executor.wait_timeout_sec must be positive"))
	}
	if c.Reconciler.StaleAfterSec < 1 {
		errs = append(errs, errors.New("reconciler.stale_after_sec must be positive"))
	}
	if c.Usage.DailyTokenLimit < 0 {
		errs = append(errs, errors.New("usage.daily_token_limit must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// GetDatabaseURL returns a formatted database connection string
func (c *ARConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Level is the zerolog level named by log_level
func (c *ARConfig) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (c *ARConfig) StoreWriteBackoff() time.Duration {
	return time.Duration(c.Executor.StoreWriteBackoffMs) * time.Millisecond
}

func (c *ARConfig) MaxDuration() time.Duration {
	return time.Duration(c.Executor.MaxDurationSec) * time.Second
}

func (c *ARConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Executor.HeartbeatIntervalSec) * time.Second
}

func (c *ARConfig) WaitTimeout() time.Duration {
	return time.Duration(c.Executor.WaitTimeoutSec) * time.Second
}

func (c *ARConfig) StaleAfter() time.Duration {
	return time.Duration(c.Reconciler.StaleAfterSec) * time.Second
}

func (c *ARConfig) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSec) * time.Second
}

func (c *ARConfig) TokenTTL() time.Duration {
	return time.Duration(c.Approval.TokenTTLSec) * time.Second
}
