package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-session-server/internal/browser"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BROWSERD_HEADLESS", "")
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Limits.MaxSessions)
	assert.Equal(t, 10, cfg.Limits.MaxPagesPerSession)
	assert.Equal(t, 64, cfg.Limits.QueueDepth)
	assert.Equal(t, 1000, cfg.Logs.ConsoleCapacity)
	assert.Equal(t, 500, cfg.Logs.NetworkCapacity)
	assert.Equal(t, 30*time.Second, cfg.Command.DefaultTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Command.MaxTimeout)
	assert.Equal(t, 50, cfg.Resolver.MaxDepth)
	assert.Equal(t, "chromium", cfg.Browser.Kind)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, browser.Viewport{Width: 1280, Height: 720}, cfg.Browser.Viewport())
	assert.Zero(t, cfg.Reaper.IdleTTL)
	assert.Equal(t, time.Minute, cfg.Reaper.Interval)
	assert.Equal(t, "gemini-2.5-flash", cfg.Vision.Model)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "browserd.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  addr: 127.0.0.1:9000
limits:
  max_sessions: 4
browser:
  kind: firefox
  args: ["--lang=en"]
reaper:
  idle_ttl: 15m
`), 0o600))

	t.Setenv("BROWSERD_LIMITS_MAX_SESSIONS", "3")
	t.Setenv("BROWSERD_BROWSER_HEADLESS", "false")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Limits.MaxSessions)
	assert.Equal(t, "firefox", cfg.Browser.Kind)
	assert.Equal(t, []string{"--lang=en"}, cfg.Browser.Args)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 15*time.Minute, cfg.Reaper.IdleTTL)
	assert.Equal(t, "test-key", cfg.Vision.APIKey)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(viper.New(), "")
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(*Config){
		"zero sessions":       func(c *Config) { c.Limits.MaxSessions = 0 },
		"negative capacity":   func(c *Config) { c.Logs.ConsoleCapacity = -1 },
		"zero depth":          func(c *Config) { c.Resolver.MaxDepth = 0 },
		"default above max":   func(c *Config) { c.Command.DefaultTimeout = time.Hour },
		"zero timeout":        func(c *Config) { c.Command.MaxTimeout = 0 },
		"unknown browser":     func(c *Config) { c.Browser.Kind = "mosaic" },
		"negative idle ttl":   func(c *Config) { c.Reaper.IdleTTL = -time.Second },
		"zero viewport width": func(c *Config) { c.Browser.ViewportWidth = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, valid().Validate())
}
