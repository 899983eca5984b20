package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Loader reads the configuration tree from its sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a loader with a fresh viper instance.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader on an existing viper instance so CLI
// flag bindings participate in precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "ARRANGER"}
}

// WithConfigFile pins an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads defaults, config file and environment, in ascending
// precedence, and returns the validated-shape (but not yet Validate()d)
// configuration.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".arranger")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "arranger"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8844)
	l.v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})

	l.v.SetDefault("store.backend", "sqlite")
	l.v.SetDefault("store.path", "arranger.db")

	l.v.SetDefault("llm.provider", "claude")
	l.v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	l.v.SetDefault("llm.api_key", "")
	l.v.SetDefault("llm.base_url", "")
	l.v.SetDefault("llm.max_tokens", 4096)
	l.v.SetDefault("llm.temperature", 0.2)

	l.v.SetDefault("governance.default_vote_decision", "abstain")
	l.v.SetDefault("governance.vote_timeout", 10*time.Minute)
	l.v.SetDefault("governance.takeover_enabled", true)

	l.v.SetDefault("agent.ids", []string{})
	l.v.SetDefault("agent.trim_strategy", "drop_oldest")
	l.v.SetDefault("agent.token_budget", 3200)
	l.v.SetDefault("agent.max_iterations", 20)
	l.v.SetDefault("agent.heartbeat", 30*time.Second)
	l.v.SetDefault("agent.poll", 30*time.Second)

	l.v.SetDefault("scheduler.assign_interval", 2*time.Second)
	l.v.SetDefault("scheduler.sweep_interval", 30*time.Second)

	l.v.SetDefault("templates.dir", "")
	l.v.SetDefault("templates.watch", true)

	l.v.SetDefault("workspace.root", ".")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "auto")

	l.v.SetDefault("metrics.enabled", true)
}
