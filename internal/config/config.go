package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SettingsFile is the optional settings file name inside the state directory.
const SettingsFile = "settings.yaml"

// Config holds supervisor settings. Values come from, in increasing
// precedence: defaults, <state_dir>/settings.yaml, TROUPE_* environment
// variables and command-line flags.
type Config struct {
	StateDir        string        `mapstructure:"state_dir"`
	ServicesFile    string        `mapstructure:"services"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	LaunchGrace     time.Duration `mapstructure:"launch_grace"`
	ReclaimGrace    time.Duration `mapstructure:"reclaim_grace"`
	ForceReclaim    bool          `mapstructure:"force_reclaim"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	LogMaxSizeMB    int           `mapstructure:"log_max_size_mb"`
	LogMaxBackups   int           `mapstructure:"log_max_backups"`
	LogMaxAgeDays   int           `mapstructure:"log_max_age_days"`
	LogCompress     bool          `mapstructure:"log_compress"`
}

// DefaultStateDir returns ~/.troupe.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".troupe"
	}
	return filepath.Join(home, ".troupe")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir())
	v.SetDefault("services", "troupe.yaml")
	v.SetDefault("monitor_interval", 2*time.Second)
	v.SetDefault("stop_grace", 10*time.Second)
	v.SetDefault("launch_grace", 500*time.Millisecond)
	v.SetDefault("reclaim_grace", 5*time.Second)
	v.SetDefault("force_reclaim", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 14)
	v.SetDefault("log_compress", false)
}

// flagKeys maps command-line flag names to setting keys.
var flagKeys = map[string]string{
	"state-dir":        "state_dir",
	"services":         "services",
	"monitor-interval": "monitor_interval",
	"stop-grace":       "stop_grace",
	"launch-grace":     "launch_grace",
	"reclaim-grace":    "reclaim_grace",
	"force-reclaim":    "force_reclaim",
	"metrics-addr":     "metrics_addr",
	"log-level":        "log_level",
	"log-format":       "log_format",
}

// Load resolves settings. flags may be nil; flags it does contain are bound
// only when set, so defaults of the flag set never mask the settings file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TROUPE")
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag --%s: %w", name, err)
			}
		}
	}

	stateDir := expandHome(v.GetString("state_dir"))
	settings := filepath.Join(stateDir, SettingsFile)
	if _, err := os.Stat(settings); err == nil {
		v.SetConfigFile(settings)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings %s: %w", settings, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking settings %s: %w", settings, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	// The state dir decides where settings live, so the file cannot move it.
	cfg.StateDir = stateDir
	cfg.ServicesFile = expandHome(cfg.ServicesFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail later in confusing ways.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive, got %s", c.MonitorInterval)
	}
	if c.StopGrace <= 0 {
		return fmt.Errorf("stop_grace must be positive, got %s", c.StopGrace)
	}
	if c.LaunchGrace < 0 || c.ReclaimGrace < 0 {
		return fmt.Errorf("launch_grace and reclaim_grace must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
