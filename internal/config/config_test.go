package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, opts ...func(*Loader)) *Config {
	t.Helper()
	l := NewLoader()
	for _, opt := range opts {
		opt(l)
	}
	cfg, err := l.Load()
	require.NoError(t, err)
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := load(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8844", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.Equal(t, "abstain", cfg.Governance.DefaultVoteDecision)
	assert.Equal(t, 10*time.Minute, cfg.Governance.VoteTimeout)
	assert.Equal(t, "drop_oldest", cfg.Agent.TrimStrategy)
	assert.Equal(t, 3200, cfg.Agent.TokenBudget)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.AssignInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval)
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ARRANGER_SERVER_PORT", "9100")
	t.Setenv("ARRANGER_STORE_BACKEND", "memory")
	t.Setenv("ARRANGER_LLM_PROVIDER", "openai_compatible")
	t.Setenv("ARRANGER_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("ARRANGER_LLM_API_KEY", "sk-test")

	cfg := load(t)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "openai_compatible", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	require.NoError(t, cfg.Validate())
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arranger.yaml")
	body := "server:\n  port: 9200\nagent:\n  ids: [dev-1, qa-1]\n  trim_strategy: summarize\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg := load(t, func(l *Loader) { l.WithConfigFile(path) })
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, []string{"dev-1", "qa-1"}, cfg.Agent.IDs)
	assert.Equal(t, "summarize", cfg.Agent.TrimStrategy)
	// Untouched fields keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestExplicitMissingConfigFileFails(t *testing.T) {
	l := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := l.Load()
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "bard" }},
		{"claude without model", func(c *Config) { c.LLM.Model = "" }},
		{"bad vote decision", func(c *Config) { c.Governance.DefaultVoteDecision = "maybe" }},
		{"bad trim strategy", func(c *Config) { c.Agent.TrimStrategy = "compress" }},
		{"zero assign interval", func(c *Config) { c.Scheduler.AssignInterval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := load(t)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
