package config

// QueueConfig contains queue and worker pool configuration.
// These values control how tasks are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines.
	WorkerCount int `yaml:"worker_count"`

	// PollInterval is the base interval for checking queued tasks.
	PollInterval Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	PollIntervalJitter Duration `yaml:"poll_interval_jitter"`

	// TaskTimeout is the maximum wall-clock time for one task.
	TaskTimeout Duration `yaml:"task_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active tasks
	// to finish during shutdown.
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`

	// HeartbeatInterval is how often a worker bumps its task's
	// updated_at so recovery can tell live tasks from stale ones.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// StaleThreshold is how old a non-terminal task's updated_at may be
	// before recovery fails it with ServerRestart.
	StaleThreshold Duration `yaml:"stale_threshold"`

	// StaleSweepInterval is how often the background stale sweep runs.
	StaleSweepInterval Duration `yaml:"stale_sweep_interval"`
}
