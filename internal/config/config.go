// Package config defines the typed configuration tree and its loader.
// Sources, in precedence order: CLI flags bound into viper, ARRANGER_*
// environment variables, an explicit or discovered config file, defaults.
package config

import (
	"fmt"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
)

// Config is the full configuration tree.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `mapstructure:"backend"`
	// Path is the sqlite database file. Ignored by the memory backend.
	Path string `mapstructure:"path"`
}

// LLMConfig configures the model provider shared by the agent runtimes.
type LLMConfig struct {
	// Provider is "claude", "openai_compatible" or "scripted".
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

// GovernanceConfig tunes votes and approvals.
type GovernanceConfig struct {
	// DefaultVoteDecision is cast when a model verdict cannot be parsed:
	// approve, reject or abstain. Never defaults to approve.
	DefaultVoteDecision string        `mapstructure:"default_vote_decision"`
	VoteTimeout         time.Duration `mapstructure:"vote_timeout"`
	TakeoverEnabled     bool          `mapstructure:"takeover_enabled"`
}

// AgentConfig tunes the agent runtimes. IDs names the agents to start;
// each must already exist in the store.
type AgentConfig struct {
	IDs           []string      `mapstructure:"ids"`
	TrimStrategy  string        `mapstructure:"trim_strategy"`
	TokenBudget   int           `mapstructure:"token_budget"`
	MaxIterations int           `mapstructure:"max_iterations"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
	Poll          time.Duration `mapstructure:"poll"`
}

// SchedulerConfig tunes the scheduler loops.
type SchedulerConfig struct {
	AssignInterval time.Duration `mapstructure:"assign_interval"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// TemplatesConfig locates workflow templates.
type TemplatesConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// WorkspaceConfig locates the workspace the orchestrator coordinates.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate checks cross-field invariants. Called after loading; a failed
// validation is a configuration error (exit code 2 at the CLI).
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return core.NewValidationFailed(fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return core.NewValidationFailed("store.path is required for the sqlite backend")
		}
	case "memory":
	default:
		return core.NewValidationFailed("store.backend must be sqlite or memory, got " + c.Store.Backend)
	}
	switch c.LLM.Provider {
	case string(core.ProviderClaude), string(core.ProviderOpenAICompatible):
		if c.LLM.Model == "" {
			return core.NewValidationFailed("llm.model is required for provider " + c.LLM.Provider)
		}
	case string(core.ProviderScripted):
	default:
		return core.NewValidationFailed("llm.provider must be claude, openai_compatible or scripted, got " + c.LLM.Provider)
	}
	switch core.VoteDecision(c.Governance.DefaultVoteDecision) {
	case core.VoteApprove, core.VoteReject, core.VoteAbstain:
	default:
		return core.NewValidationFailed("governance.default_vote_decision must be approve, reject or abstain, got " + c.Governance.DefaultVoteDecision)
	}
	switch c.Agent.TrimStrategy {
	case "drop_oldest", "summarize":
	default:
		return core.NewValidationFailed("agent.trim_strategy must be drop_oldest or summarize, got " + c.Agent.TrimStrategy)
	}
	if c.Scheduler.AssignInterval <= 0 || c.Scheduler.SweepInterval <= 0 {
		return core.NewValidationFailed("scheduler intervals must be positive")
	}
	return nil
}
