package agent

import (
	"fmt"
	"log/slog"

	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/models"
)

// Registry holds the configured providers and resolves which one runs
// a given task.
type Registry struct {
	cfg     config.AgentConfig
	runners map[string]Runner
	logger  *slog.Logger
}

// NewRegistry builds the registry with the built-in providers.
func NewRegistry(cfg config.AgentConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		cfg:     cfg,
		runners: make(map[string]Runner),
		logger:  logger.With("component", "agent_registry"),
	}
	for _, runner := range []Runner{NewClaudeCode(logger), NewCodex(logger)} {
		r.runners[runner.Name()] = runner
	}
	return r
}

// register replaces a provider. Used by tests to inject fakes.
func (r *Registry) register(runner Runner) {
	r.runners[runner.Name()] = runner
}

// Select resolves the provider for a task. Order: the task's requested
// agent, the routing entry for the matched rule, then the configured
// default. A resolved provider that is disabled or not installed falls
// through to the first enabled and available provider; if none exists
// the task fails as AgentUnavailable.
func (r *Registry) Select(requestedAgent, matchedRuleID string) (Runner, RunOptions, error) {
	candidates := make([]string, 0, 3+len(r.cfg.Providers))
	if requestedAgent != "" {
		candidates = append(candidates, requestedAgent)
	}
	if routed, ok := r.cfg.Routing[matchedRuleID]; ok {
		candidates = append(candidates, routed)
	}
	candidates = append(candidates, r.cfg.Default)
	candidates = append(candidates, r.cfg.EnabledProviders()...)

	seen := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		if seen[name] {
			continue
		}
		seen[name] = true

		p, ok := r.cfg.Providers[name]
		if !ok || !p.Enabled {
			if name == requestedAgent {
				r.logger.Warn("requested agent is not enabled, falling back", "agent", name)
			}
			continue
		}
		runner, ok := r.runners[name]
		if !ok {
			r.logger.Warn("configured agent has no runner", "agent", name)
			continue
		}
		if _, ok := runner.Available(); !ok {
			r.logger.Warn("agent CLI not responding, falling back", "agent", name)
			continue
		}
		return runner, r.options(name, p), nil
	}

	return nil, RunOptions{}, models.NewFailure(models.FailAgentUnavailable,
		"no enabled agent provider is installed")
}

func (r *Registry) options(name string, p config.AgentProviderConfig) RunOptions {
	return RunOptions{
		Model:        p.Model,
		MaxTurns:     r.cfg.ProviderMaxTurns(name),
		AllowedTools: p.AllowedTools,
		Timeout:      r.cfg.ProviderTimeout(name),
		StdoutLimit:  r.cfg.StdoutLimitBytes,
	}
}

// ProviderStatus is one provider's readiness as seen by Probe.
type ProviderStatus struct {
	Available bool
	Version   string
}

// Probe checks each configured provider's CLI and reports whether it
// answers, and with which version, for the health surface.
func (r *Registry) Probe() map[string]ProviderStatus {
	out := make(map[string]ProviderStatus, len(r.cfg.Providers))
	for name, p := range r.cfg.Providers {
		if !p.Enabled {
			out[name] = ProviderStatus{}
			continue
		}
		runner, ok := r.runners[name]
		if !ok {
			out[name] = ProviderStatus{}
			continue
		}
		version, ok := runner.Available()
		out[name] = ProviderStatus{Available: ok, Version: version}
	}
	return out
}

// Describe returns a one-line summary for startup logging.
func (r *Registry) Describe() string {
	return fmt.Sprintf("default=%s enabled=%v", r.cfg.Default, r.cfg.EnabledProviders())
}
