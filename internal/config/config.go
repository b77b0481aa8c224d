// Package config loads lobby server settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"os"
	"time"

	jlconfig "github.com/JeremyLoy/config"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every tunable of the lobby server. Durations are configured
// in whole seconds.
type Config struct {
	ListenAddr string `yaml:"listen_addr" config:"LISTEN_ADDR"`

	RedisAddr     string `yaml:"redis_addr" config:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" config:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" config:"REDIS_DB"`

	LogLevel  string `yaml:"log_level" config:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" config:"LOG_FORMAT"`

	MaxPlayers       int    `yaml:"max_players" config:"MAX_PLAYERS"`
	FanoutScope      string `yaml:"fanout_scope" config:"FANOUT_SCOPE"`
	ChatHistoryLimit int    `yaml:"chat_history_limit" config:"CHAT_HISTORY_LIMIT"`
	ChatRetention    int    `yaml:"chat_retention" config:"CHAT_RETENTION"`

	MaxConns              int `yaml:"max_conns" config:"MAX_CONNS"`
	IdleTimeoutSeconds    int `yaml:"idle_timeout_seconds" config:"IDLE_TIMEOUT_SECONDS"`
	ConnRateLimit         int `yaml:"conn_rate_limit" config:"CONN_RATE_LIMIT"`
	ConnRateWindowSeconds int `yaml:"conn_rate_window_seconds" config:"CONN_RATE_WINDOW_SECONDS"`

	PersistQueueSize int `yaml:"persist_queue_size" config:"PERSIST_QUEUE_SIZE"`
}

// Default returns the built-in settings: in-memory storage, JSON logs at
// info level and no connection limits.
func Default() Config {
	return Config{
		ListenAddr:            ":9002",
		LogLevel:              "info",
		LogFormat:             "json",
		MaxPlayers:            4,
		FanoutScope:           "global",
		ChatHistoryLimit:      50,
		ChatRetention:         500,
		ConnRateWindowSeconds: 60,
		PersistQueueSize:      1024,
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped
// when path is empty) and then the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, eris.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, eris.Wrapf(err, "parse config file %s", path)
		}
	}

	if err := jlconfig.FromEnv().To(&cfg); err != nil {
		return Config{}, eris.Wrap(err, "read config from environment")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return eris.Wrap(ErrInvalid, "LISTEN_ADDR must be set")
	case c.MaxPlayers <= 0:
		return eris.Wrapf(ErrInvalid, "MAX_PLAYERS must be positive, got %d", c.MaxPlayers)
	case c.FanoutScope != "global" && c.FanoutScope != "room":
		return eris.Wrapf(ErrInvalid, "FANOUT_SCOPE must be global or room, got %q", c.FanoutScope)
	case c.LogFormat != "json" && c.LogFormat != "console":
		return eris.Wrapf(ErrInvalid, "LOG_FORMAT must be json or console, got %q", c.LogFormat)
	case c.ChatHistoryLimit <= 0:
		return eris.Wrapf(ErrInvalid, "CHAT_HISTORY_LIMIT must be positive, got %d", c.ChatHistoryLimit)
	case c.ChatRetention <= 0:
		return eris.Wrapf(ErrInvalid, "CHAT_RETENTION must be positive, got %d", c.ChatRetention)
	case c.MaxConns < 0:
		return eris.Wrapf(ErrInvalid, "MAX_CONNS must not be negative, got %d", c.MaxConns)
	case c.IdleTimeoutSeconds < 0:
		return eris.Wrapf(ErrInvalid, "IDLE_TIMEOUT_SECONDS must not be negative, got %d", c.IdleTimeoutSeconds)
	case c.ConnRateLimit < 0:
		return eris.Wrapf(ErrInvalid, "CONN_RATE_LIMIT must not be negative, got %d", c.ConnRateLimit)
	case c.ConnRateLimit > 0 && c.ConnRateWindowSeconds <= 0:
		return eris.Wrapf(ErrInvalid, "CONN_RATE_WINDOW_SECONDS must be positive, got %d", c.ConnRateWindowSeconds)
	case c.PersistQueueSize <= 0:
		return eris.Wrapf(ErrInvalid, "PERSIST_QUEUE_SIZE must be positive, got %d", c.PersistQueueSize)
	case c.RedisDB < 0:
		return eris.Wrapf(ErrInvalid, "REDIS_DB must not be negative, got %d", c.RedisDB)
	}
	if c.LogLevel == "" {
		return eris.Wrap(ErrInvalid, "LOG_LEVEL must be set")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return eris.Wrapf(ErrInvalid, "LOG_LEVEL %q: %v", c.LogLevel, err)
	}
	return nil
}

// Level returns the parsed log level. It assumes Validate passed.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// IdleTimeout returns IdleTimeoutSeconds as a duration; zero disables reaping.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ConnRateWindow returns ConnRateWindowSeconds as a duration.
func (c Config) ConnRateWindow() time.Duration {
	return time.Duration(c.ConnRateWindowSeconds) * time.Second
}
