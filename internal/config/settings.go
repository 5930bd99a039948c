// Package config loads the orchestrator's runtime settings. These are
// operator knobs (timeouts, backoff, log level), distinct from the
// deployment declaration handled by internal/descriptor.
//
// Settings come from an optional stackctl.yaml in the working directory
// or ~/.config/stackctl/, overridable through STACKCTL_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings are the orchestrator's runtime knobs.
type Settings struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	StopGraceTimeout   time.Duration `mapstructure:"stop_grace_timeout"`
	RestartBackoffBase time.Duration `mapstructure:"restart_backoff_base"`
	RestartBackoffCap  time.Duration `mapstructure:"restart_backoff_cap"`
	MaxRestarts        int           `mapstructure:"max_restarts"`
}

// Load reads settings from file and environment. A missing config file
// is fine; defaults apply.
func Load() (Settings, error) {
	v := viper.New()
	v.SetConfigName("stackctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/stackctl")

	v.SetEnvPrefix("STACKCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("stop_grace_timeout", 10*time.Second)
	v.SetDefault("restart_backoff_base", time.Second)
	v.SetDefault("restart_backoff_cap", 30*time.Second)
	v.SetDefault("max_restarts", 5)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	return s, nil
}
