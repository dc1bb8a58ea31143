// Package config loads server settings from defaults, an optional YAML file,
// a .env file and BROWSERD_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/polzovatel/browser-session-server/internal/browser"
)

const EnvPrefix = "BROWSERD"

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits"`
	Logs     LogsConfig     `mapstructure:"logs" yaml:"logs"`
	Command  CommandConfig  `mapstructure:"command" yaml:"command"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Reaper   ReaperConfig   `mapstructure:"reaper" yaml:"reaper"`
	Vision   VisionConfig   `mapstructure:"vision" yaml:"vision"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// CreateRate caps session creations per second; CreateBurst allows short bursts.
	CreateRate  float64 `mapstructure:"create_rate" yaml:"create_rate"`
	CreateBurst int     `mapstructure:"create_burst" yaml:"create_burst"`
}

type LimitsConfig struct {
	MaxSessions        int `mapstructure:"max_sessions" yaml:"max_sessions"`
	MaxPagesPerSession int `mapstructure:"max_pages_per_session" yaml:"max_pages_per_session"`
	QueueDepth         int `mapstructure:"queue_depth" yaml:"queue_depth"`
}

type LogsConfig struct {
	ConsoleCapacity int `mapstructure:"console_capacity" yaml:"console_capacity"`
	NetworkCapacity int `mapstructure:"network_capacity" yaml:"network_capacity"`
}

type CommandConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
}

type ResolverConfig struct {
	MaxDepth int `mapstructure:"max_depth" yaml:"max_depth"`
}

type BrowserConfig struct {
	Kind           string   `mapstructure:"kind" yaml:"kind"`
	Headless       bool     `mapstructure:"headless" yaml:"headless"`
	Args           []string `mapstructure:"args" yaml:"args"`
	ViewportWidth  int      `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int      `mapstructure:"viewport_height" yaml:"viewport_height"`
	// Install downloads browser binaries on startup.
	Install bool `mapstructure:"install" yaml:"install"`
}

// Viewport returns the configured default viewport.
func (b BrowserConfig) Viewport() browser.Viewport {
	return browser.Viewport{Width: b.ViewportWidth, Height: b.ViewportHeight}
}

type ReaperConfig struct {
	IdleTTL  time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type VisionConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	Model  string `mapstructure:"model" yaml:"model"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SetDefaults registers every key so env overrides apply to all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "6m")
	v.SetDefault("server.create_rate", 2.0)
	v.SetDefault("server.create_burst", 5)

	v.SetDefault("limits.max_sessions", 10)
	v.SetDefault("limits.max_pages_per_session", 10)
	v.SetDefault("limits.queue_depth", 64)

	v.SetDefault("logs.console_capacity", 1000)
	v.SetDefault("logs.network_capacity", 500)

	v.SetDefault("command.default_timeout", "30s")
	v.SetDefault("command.max_timeout", "5m")

	v.SetDefault("resolver.max_depth", 50)

	v.SetDefault("browser.kind", string(browser.Chromium))
	v.SetDefault("browser.headless", browser.DefaultHeadless(true))
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.install", false)

	v.SetDefault("reaper.idle_ttl", "0s")
	v.SetDefault("reaper.interval", "1m")

	v.SetDefault("vision.api_key", "")
	v.SetDefault("vision.model", "gemini-2.5-flash")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// Load reads configuration into v and decodes it. file may be empty, in
// which case ./browserd.yaml is used when present.
func Load(v *viper.Viper, file string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("browserd")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Vision keys are commonly exported without the prefix.
	_ = v.BindEnv("vision.api_key", EnvPrefix+"_VISION_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"limits.max_sessions":          c.Limits.MaxSessions,
		"limits.max_pages_per_session": c.Limits.MaxPagesPerSession,
		"limits.queue_depth":           c.Limits.QueueDepth,
		"logs.console_capacity":        c.Logs.ConsoleCapacity,
		"logs.network_capacity":        c.Logs.NetworkCapacity,
		"resolver.max_depth":           c.Resolver.MaxDepth,
		"browser.viewport_width":       c.Browser.ViewportWidth,
		"browser.viewport_height":      c.Browser.ViewportHeight,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, positive[key]))
		}
	}
	if c.Command.DefaultTimeout <= 0 || c.Command.MaxTimeout <= 0 {
		errs = append(errs, errors.New("command timeouts must be positive"))
	} else if c.Command.DefaultTimeout > c.Command.MaxTimeout {
		errs = append(errs, fmt.Errorf("command.default_timeout %s exceeds command.max_timeout %s",
			c.Command.DefaultTimeout, c.Command.MaxTimeout))
	}
	if _, err := browser.ParseKind(c.Browser.Kind); err != nil {
		errs = append(errs, fmt.Errorf("browser.kind: %w", err))
	}
	if c.Reaper.IdleTTL < 0 {
		errs = append(errs, errors.New("reaper.idle_ttl must not be negative"))
	}
	if c.Server.CreateRate < 0 || c.Server.CreateBurst < 0 {
		errs = append(errs, errors.New("server.create_rate and server.create_burst must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
