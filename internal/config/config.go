package config

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon's own settings. The automatic-update policy flags
// are deliberately not part of this struct: they live in a separate key=value
// file that is re-read on every refresh cycle (see UpdatePolicy).
type Config struct {
	ServerURL            string `mapstructure:"server_url"`
	LogLevel             string `mapstructure:"log_level"`
	LogFormat            string `mapstructure:"log_format"`
	UpdatePolicyPath     string `mapstructure:"update_policy_path"`
	QueryTimeoutSeconds  int    `mapstructure:"query_timeout_seconds"`
	RefreshPeriodSeconds int    `mapstructure:"refresh_period_seconds"`
	StartupDelaySeconds  int    `mapstructure:"startup_delay_seconds"`
}

func Default() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		UpdatePolicyPath:     filepath.Join(configDir(), "update-policy.conf"),
		QueryTimeoutSeconds:  5,
		RefreshPeriodSeconds: int((24 * time.Hour).Seconds()),
		StartupDelaySeconds:  60,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("guest-pkgd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GUEST_PKGD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

func (c *Config) RefreshPeriod() time.Duration {
	return time.Duration(c.RefreshPeriodSeconds) * time.Second
}

func (c *Config) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelaySeconds) * time.Second
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join("C:\\ProgramData", "GuestPkgd")
	default:
		return "/etc/guest-pkgd"
	}
}
