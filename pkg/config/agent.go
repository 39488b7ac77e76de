package config

import (
	"fmt"
	"sort"
	"time"
)

// AgentProviderConfig configures one agent CLI provider.
type AgentProviderConfig struct {
	Enabled bool `yaml:"enabled"`

	// Model overrides the provider's default model when set.
	Model string `yaml:"model"`

	// Timeout bounds one agent invocation. Zero inherits AgentConfig.Timeout.
	Timeout Duration `yaml:"timeout"`

	// MaxTurns bounds the agent's tool-use loop. Zero inherits the global.
	MaxTurns int `yaml:"max_turns"`

	// AllowedTools restricts the agent's tool set (provider-specific flags).
	AllowedTools []string `yaml:"allowed_tools"`
}

// AgentConfig configures provider selection and invocation limits.
type AgentConfig struct {
	// Default is the provider used when neither the task nor the
	// matched rule requests one.
	Default string `yaml:"default"`

	// Timeout is the global per-invocation deadline.
	Timeout Duration `yaml:"timeout"`

	// MaxTurns is the global tool-use turn budget.
	MaxTurns int `yaml:"max_turns"`

	// StdoutLimitBytes bounds the captured agent transcript.
	StdoutLimitBytes int64 `yaml:"stdout_limit_bytes"`

	// Providers maps provider name to its settings.
	Providers map[string]AgentProviderConfig `yaml:"providers"`

	// Routing maps matched rule id to a provider name.
	Routing map[string]string `yaml:"routing"`
}

// ProviderTimeout resolves the effective timeout for a provider.
func (a *AgentConfig) ProviderTimeout(name string) time.Duration {
	if p, ok := a.Providers[name]; ok && p.Timeout > 0 {
		return p.Timeout.D()
	}
	return a.Timeout.D()
}

// ProviderMaxTurns resolves the effective turn budget for a provider.
func (a *AgentConfig) ProviderMaxTurns(name string) int {
	if p, ok := a.Providers[name]; ok && p.MaxTurns > 0 {
		return p.MaxTurns
	}
	return a.MaxTurns
}

// EnabledProviders returns provider names marked enabled, in a
// deterministic order: the default first, then lexicographic.
func (a *AgentConfig) EnabledProviders() []string {
	names := make([]string, 0, len(a.Providers))
	if p, ok := a.Providers[a.Default]; ok && p.Enabled {
		names = append(names, a.Default)
	}
	rest := make([]string, 0, len(a.Providers))
	for name, p := range a.Providers {
		if name == a.Default || !p.Enabled {
			continue
		}
		rest = append(rest, name)
	}
	sort.Strings(rest)
	return append(names, rest...)
}

func (a *AgentConfig) validate() error {
	if a.Default == "" {
		return fmt.Errorf("agent.default must not be empty")
	}
	if _, ok := a.Providers[a.Default]; !ok {
		return fmt.Errorf("agent.default %q has no providers entry", a.Default)
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	for rule, provider := range a.Routing {
		if _, ok := a.Providers[provider]; !ok {
			return fmt.Errorf("agent.routing[%s] references unknown provider %q", rule, provider)
		}
	}
	return nil
}
