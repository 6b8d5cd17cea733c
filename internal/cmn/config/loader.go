package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Loader reads and merges configuration from the config file and
// environment variables.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// LoaderOption defines a functional option for configuring a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit config file path.
func WithConfigFile(file string) LoaderOption {
	return func(l *Loader) { l.configFile = file }
}

// NewLoader creates a Loader with the given options.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{v: viper.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the configuration. A config file missing from the default
// search paths is not an error; defaults and environment variables still
// apply. An explicit config file that cannot be read is an error.
// TMT_REBOOT_TIMEOUT (whole seconds) overrides the reboot timeout.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix("TMX")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(filepath.Join(xdg.ConfigHome, "tmx"))
		l.v.AddConfigPath("/etc/tmx")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && l.configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Paths: PathsConfig{
			RunsDir:     l.v.GetString("paths.runs-dir"),
			LastRunFile: l.v.GetString("paths.last-run-file"),
		},
		Context:        l.v.GetStringMapString("context"),
		RebootTimeout:  l.v.GetDuration("reboot-timeout"),
		Debug:          l.v.GetBool("debug"),
		TracebackLevel: l.v.GetInt("show-traceback"),
	}
	if raw := os.Getenv("TMT_REBOOT_TIMEOUT"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("invalid TMT_REBOOT_TIMEOUT %q: expected a positive number of seconds", raw)
		}
		cfg.RebootTimeout = time.Duration(seconds) * time.Second
	}
	if cfg.RebootTimeout <= 0 {
		cfg.RebootTimeout = DefaultRebootTimeout
	}
	return cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("paths.runs-dir", filepath.Join("/var/tmp", "tmx"))
	l.v.SetDefault("paths.last-run-file", filepath.Join(xdg.DataHome, "tmx", "last-run"))
	l.v.SetDefault("reboot-timeout", 600*time.Second)
	l.v.SetDefault("show-traceback", 0)
}

// Load loads the configuration with default options.
func Load(opts ...LoaderOption) (*Config, error) {
	return NewLoader(opts...).Load()
}
