package config

// RetentionConfig controls the cleanup service.
type RetentionConfig struct {
	// WorkspaceRetentionDays is how long terminal-task workspaces
	// (including failure snapshots) are kept on disk.
	WorkspaceRetentionDays int `yaml:"workspace_retention_days"`

	// IssueRetentionDays is how long soft-deleted issues stay queryable
	// before being purged.
	IssueRetentionDays int `yaml:"issue_retention_days"`

	// CleanupInterval is how often the sweeps run.
	CleanupInterval Duration `yaml:"cleanup_interval"`
}
