// Package config loads maestro's optional configuration file. The core
// never reads environment variables; everything tunable arrives through
// this struct with sensible defaults.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable consumed by the core components.
type Config struct {
	// Codex child process invocation.
	CodexCommand string   `mapstructure:"codex_command"`
	CodexArgs    []string `mapstructure:"codex_args"`

	// Agent defaults.
	DefaultModel string `mapstructure:"default_model"`

	// Adapter call deadline (upper bound per downstream call).
	CallDeadline time.Duration `mapstructure:"call_deadline"`

	// Dispatcher per-call timeout.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`

	// Mission engine.
	VerifyTimeout    time.Duration `mapstructure:"verify_timeout"`
	AwaitPoll        time.Duration `mapstructure:"await_poll"`
	AwaitTimeout     time.Duration `mapstructure:"await_timeout"`
	MissionRetention time.Duration `mapstructure:"mission_retention"`

	// Comms service.
	CommsHost string `mapstructure:"comms_host"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CodexCommand:     "codex",
		CodexArgs:        []string{"mcp-server"},
		DefaultModel:     "gpt-5.3-codex",
		CallDeadline:     3 * time.Hour,
		DispatchTimeout:  30 * time.Minute,
		VerifyTimeout:    10 * time.Minute,
		AwaitPoll:        3 * time.Second,
		AwaitTimeout:     60 * time.Minute,
		MissionRetention: 30 * time.Minute,
		CommsHost:        "127.0.0.1",
		LogLevel:         "info",
	}
}

// Load reads the config file at path, or the default locations when path is
// empty. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(".maestro")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}

	v.SetDefault("codex_command", cfg.CodexCommand)
	v.SetDefault("codex_args", cfg.CodexArgs)
	v.SetDefault("default_model", cfg.DefaultModel)
	v.SetDefault("call_deadline", cfg.CallDeadline)
	v.SetDefault("dispatch_timeout", cfg.DispatchTimeout)
	v.SetDefault("verify_timeout", cfg.VerifyTimeout)
	v.SetDefault("await_poll", cfg.AwaitPoll)
	v.SetDefault("await_timeout", cfg.AwaitTimeout)
	v.SetDefault("mission_retention", cfg.MissionRetention)
	v.SetDefault("comms_host", cfg.CommsHost)
	v.SetDefault("log_level", cfg.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && path != "" {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
