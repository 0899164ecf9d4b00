// Package config handles configuration for the bulk blocking tool: runtime
// settings, the target-list file, and the session cookie jar.
//
// Configuration is loaded with the following precedence (highest wins):
//  1. Command-line flags
//  2. Environment variables (BULKBLOCK_ prefix, plus the legacy path variables)
//  3. Configuration file (~/.bulkblock.yaml or ./.bulkblock.yaml)
//  4. Default values
//
// The legacy path variables TWITTER_COOKIES_PATH, TWITTER_USERS_FILE,
// TWITTER_BLOCK_DB and CACHE_DIR are honored for compatibility with
// existing deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ErrConfig marks fatal configuration problems: missing or malformed cookie
// jar, target list, or an unusable persistence path. Callers test for it
// with errors.Is and exit non-zero.
var ErrConfig = errors.New("configuration error")

// Pipeline defaults referenced outside the loader.
const (
	// DefaultBatchSize is the per-batch target count, matching the
	// upstream's batched-lookup ceiling.
	DefaultBatchSize = 50

	// DefaultTestLimit is how many targets a plain run processes before
	// the operator opts into the full list.
	DefaultTestLimit = 5
)

// Config holds every runtime setting of the tool. It is constructed once at
// startup and threaded explicitly through the components; there is no
// package-level mutable state.
type Config struct {
	// CookiesPath is the path of the session cookie jar file.
	CookiesPath string `mapstructure:"cookies_path"`

	// TargetsPath is the path of the target-list file.
	TargetsPath string `mapstructure:"targets_path"`

	// DBPath is the path of the outcome history datastore.
	DBPath string `mapstructure:"db_path"`

	// CacheDir is the root directory of the three cache tiers.
	CacheDir string `mapstructure:"cache_dir"`

	// Delay is the cooperative sleep between block calls.
	Delay time.Duration `mapstructure:"delay"`

	// BatchSize is the number of targets handled per pipeline batch.
	BatchSize int `mapstructure:"batch_size"`

	// MaxTargets limits how many targets one run processes. Zero means all.
	MaxTargets int `mapstructure:"max_targets"`

	// AutoRetry runs the retry pass automatically after the primary pass.
	AutoRetry bool `mapstructure:"auto_retry"`

	// EnableForwardedFor turns on the regional forwarding header.
	EnableForwardedFor bool `mapstructure:"enable_forwarded_for"`

	// DisableHeaderEnhancement turns off the per-request transaction-id
	// header for emergency parity with minimal requests.
	DisableHeaderEnhancement bool `mapstructure:"disable_header_enhancement"`

	// Debug enables verbose logging of API responses.
	Debug bool `mapstructure:"debug"`

	// Throttle tunes the empty-body 403 cool-down circuit.
	Throttle ThrottleConfig `mapstructure:"throttle"`

	// Logging configures the global logger.
	Logging LoggingConfig `mapstructure:"logging"`
}

// ThrottleConfig tunes the local circuit that reacts to undocumented
// upstream throttling (consecutive empty-body 403 responses).
type ThrottleConfig struct {
	// Threshold is the number of consecutive empty-body 403s that trips
	// the circuit.
	Threshold int `mapstructure:"threshold"`

	// Window is how far back consecutive failures are counted.
	Window time.Duration `mapstructure:"window"`

	// CoolDown is how long dispatch stays suspended once tripped.
	CoolDown time.Duration `mapstructure:"cool_down"`
}

// LoggingConfig mirrors common.LoggerConfig for viper unmarshalling.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Loader reads configuration from file, environment and defaults.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a configuration loader with the BULKBLOCK_ env prefix
// and the standard defaults applied.
func NewLoader() *Loader {
	l := &Loader{v: viper.New()}
	l.setDefaults()
	return l
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("cookies_path", "cookies.json")
	l.v.SetDefault("targets_path", "targets.json")
	l.v.SetDefault("db_path", "block_history.db")
	l.v.SetDefault("cache_dir", "cache")
	l.v.SetDefault("delay", "1s")
	l.v.SetDefault("batch_size", 50)
	l.v.SetDefault("max_targets", 0)
	l.v.SetDefault("auto_retry", false)
	l.v.SetDefault("enable_forwarded_for", false)
	l.v.SetDefault("disable_header_enhancement", false)
	l.v.SetDefault("debug", false)

	l.v.SetDefault("throttle.threshold", 5)
	l.v.SetDefault("throttle.window", "5m")
	l.v.SetDefault("throttle.cool_down", "30m")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Viper exposes the underlying viper instance so the CLI can bind flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the optional config file, merges environment variables and
// unmarshals the result. If cfgFile is empty, .bulkblock.yaml is searched in
// the home and working directories.
func (l *Loader) Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			l.v.AddConfigPath(home)
		}
		l.v.AddConfigPath(".")
		l.v.SetConfigType("yaml")
		l.v.SetConfigName(".bulkblock")
	}

	// A file that is absent from the search path is fine; a file that exists
	// but cannot be read or parsed is not, whichever way it was named.
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: reading config file: %v", ErrConfig, err)
		}
	}

	l.v.SetEnvPrefix("BULKBLOCK")
	l.v.AutomaticEnv()
	l.bindLegacyEnv()

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding config: %v", ErrConfig, err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindLegacyEnv maps the documented path variables onto the config keys.
// Flag and BULKBLOCK_ values take precedence because viper resolves
// explicit bindings after flags.
func (l *Loader) bindLegacyEnv() {
	legacy := map[string]string{
		"cookies_path": "TWITTER_COOKIES_PATH",
		"targets_path": "TWITTER_USERS_FILE",
		"db_path":      "TWITTER_BLOCK_DB",
		"cache_dir":    "CACHE_DIR",
	}
	for key, env := range legacy {
		if val, ok := os.LookupEnv(env); ok && val != "" {
			l.v.SetDefault(key, val)
		}
	}
}

// resolvePaths expands ~ in all path settings.
func (c *Config) resolvePaths() error {
	for _, p := range []*string{&c.CookiesPath, &c.TargetsPath, &c.DBPath, &c.CacheDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("%w: expanding path %q: %v", ErrConfig, *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfig, c.BatchSize)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: delay must not be negative, got %s", ErrConfig, c.Delay)
	}
	if c.MaxTargets < 0 {
		return fmt.Errorf("%w: max targets must not be negative, got %d", ErrConfig, c.MaxTargets)
	}
	if c.Throttle.Threshold < 1 {
		return fmt.Errorf("%w: throttle threshold must be positive, got %d", ErrConfig, c.Throttle.Threshold)
	}
	return nil
}
