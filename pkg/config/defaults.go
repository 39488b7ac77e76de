package config

import "time"

// Default returns the built-in configuration. User yaml overrides it
// field by field.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			WorkspaceDir:  "./workspaces",
			MaxEntryBytes: 512 << 20, // 512 MB per archive entry
			MaxTotalBytes: 2 << 30,   // 2 GB uncompressed per task
		},
		Rules: RulesConfig{
			Dir:   "./rules",
			Watch: true,
		},
		Extract: ExtractConfig{
			MaxLinesPerPattern: 200,
			PatternTimeout:     Duration(30 * time.Second),
			MaxPromptMatches:   20,
		},
		Agent: AgentConfig{
			Default:          "claude_code",
			Timeout:          Duration(5 * time.Minute),
			MaxTurns:         25,
			StdoutLimitBytes: 16 << 20,
			Providers: map[string]AgentProviderConfig{
				"claude_code": {Enabled: true},
				"codex":       {Enabled: false},
			},
		},
		Queue: QueueConfig{
			WorkerCount:             3,
			PollInterval:            Duration(1 * time.Second),
			PollIntervalJitter:      Duration(250 * time.Millisecond),
			TaskTimeout:             Duration(10 * time.Minute),
			GracefulShutdownTimeout: Duration(10 * time.Minute),
			HeartbeatInterval:       Duration(15 * time.Second),
			StaleThreshold:          Duration(10 * time.Minute),
			StaleSweepInterval:      Duration(5 * time.Minute),
		},
		Retention: RetentionConfig{
			WorkspaceRetentionDays: 7,
			IssueRetentionDays:     90,
			CleanupInterval:        Duration(1 * time.Hour),
		},
		Notify: NotifyConfig{
			CallbackTimeout: Duration(30 * time.Second),
		},
		Tracker: TrackerConfig{
			TriggerKeyword: "@ai-agent",
			APIKeyEnv:      "TRACKER_API_KEY",
		},
	}
}
