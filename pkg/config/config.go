// Package config loads and validates the jarvis.yaml configuration.
//
// Configuration comes from three layers, lowest precedence first:
// built-in defaults, jarvis.yaml in the config directory, and
// environment variables (secrets only, loaded from .env by the caller).
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the fully merged and validated service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Rules     RulesConfig     `yaml:"rules"`
	Extract   ExtractConfig   `yaml:"extract"`
	Agent     AgentConfig     `yaml:"agent"`
	Queue     QueueConfig     `yaml:"queue"`
	Retention RetentionConfig `yaml:"retention"`
	Notify    NotifyConfig    `yaml:"notify"`
	Tracker   TrackerConfig   `yaml:"tracker"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// APIKey enables bearer authorization on mutating endpoints when set.
	// Populated from the JARVIS_API_KEY environment variable, not yaml.
	APIKey string `yaml:"-"`

	// AllowedWSOrigins restricts websocket upgrades. Empty = same-origin only.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// StorageConfig holds filesystem layout settings.
type StorageConfig struct {
	// WorkspaceDir is the root under which per-task workspaces are created.
	WorkspaceDir string `yaml:"workspace_dir"`

	// ArtifactBaseURL is the support-desk download endpoint for token
	// artifacts. Empty disables token resolution; path and upload
	// artifacts still work.
	ArtifactBaseURL string `yaml:"artifact_base_url"`

	// CodeRepoPath is an optional checkout mounted read-only into
	// workspaces of rules with needs_code. Advisory: analysis proceeds
	// without it when unset or missing.
	CodeRepoPath string `yaml:"code_repo_path"`

	// MaxEntryBytes rejects any single archive entry larger than this.
	MaxEntryBytes int64 `yaml:"max_entry_bytes"`

	// MaxTotalBytes caps the total uncompressed size per task.
	MaxTotalBytes int64 `yaml:"max_total_bytes"`
}

// RulesConfig holds rule catalog settings.
type RulesConfig struct {
	// Dir is the rule file directory. Files outside it are ignored.
	Dir string `yaml:"dir"`

	// Watch enables fsnotify-driven hot reload of the catalog.
	Watch bool `yaml:"watch"`
}

// ExtractConfig bounds the log pre-extractor.
type ExtractConfig struct {
	// MaxLinesPerPattern caps collected lines per pre-extract pattern.
	MaxLinesPerPattern int `yaml:"max_lines_per_pattern"`

	// PatternTimeout is the soft deadline per pattern across all files.
	PatternTimeout Duration `yaml:"pattern_timeout"`

	// MaxPromptMatches caps the matches embedded into the agent prompt
	// per pattern (the full set is still written to the workspace).
	MaxPromptMatches int `yaml:"max_prompt_matches"`
}

// NotifyConfig holds outbound notification settings.
type NotifyConfig struct {
	// ChatWebhookURL receives escalation cards. Empty disables escalation.
	ChatWebhookURL string `yaml:"chat_webhook_url"`

	// CallbackTimeout bounds outbound webhook POSTs.
	CallbackTimeout Duration `yaml:"callback_timeout"`
}

// TrackerConfig holds project-tracker webhook settings.
type TrackerConfig struct {
	// APIURL is the tracker's API endpoint for posting comments.
	APIURL string `yaml:"api_url"`

	// APIKeyEnv names the environment variable carrying the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// WebhookSecret verifies inbound webhook signatures when set.
	// Populated from TRACKER_WEBHOOK_SECRET, not yaml.
	WebhookSecret string `yaml:"-"`

	// TriggerKeyword in a comment or issue body starts an analysis.
	TriggerKeyword string `yaml:"trigger_keyword"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := Default()

	path := filepath.Join(configDir, "jarvis.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No jarvis.yaml found, using built-in defaults")
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		expanded := expandEnv(data)
		user := &Config{}
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(user); err != nil {
			// Unknown keys are a warning, not an error: re-parse leniently.
			user = &Config{}
			if lerr := yaml.Unmarshal(expanded, user); lerr != nil {
				return nil, fmt.Errorf("parse %s: %w", path, lerr)
			}
			log.Warn("Configuration contains unknown keys", "path", path, "error", err)
		}
		// User values override defaults.
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge configuration: %w", err)
		}
	}

	cfg.Server.APIKey = os.Getenv("JARVIS_API_KEY")
	cfg.Tracker.WebhookSecret = os.Getenv("TRACKER_WEBHOOK_SECRET")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"workspace_dir", cfg.Storage.WorkspaceDir,
		"rules_dir", cfg.Rules.Dir,
		"workers", cfg.Queue.WorkerCount,
		"default_agent", cfg.Agent.Default)
	return cfg, nil
}

// Validate checks the merged configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Storage.WorkspaceDir == "" {
		return fmt.Errorf("storage.workspace_dir must not be empty")
	}
	if c.Storage.MaxEntryBytes <= 0 || c.Storage.MaxTotalBytes <= 0 {
		return fmt.Errorf("storage size caps must be positive")
	}
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("queue.worker_count must be at least 1, got %d", c.Queue.WorkerCount)
	}
	if c.Extract.MaxLinesPerPattern < 1 {
		return fmt.Errorf("extract.max_lines_per_pattern must be at least 1")
	}
	if err := c.Agent.validate(); err != nil {
		return err
	}
	return nil
}

// expandEnv substitutes ${VAR} references in raw yaml before parsing,
// so secrets can be referenced from the environment.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	}))
}
