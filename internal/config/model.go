// Package config defines the configuration model for the orchestrator.
package config

// Config defines the full configuration surface consumed at startup.
type Config struct {
	DataDir                string          `yaml:"data_dir"`
	PollingIntervalMinutes int             `yaml:"polling_interval_minutes"`
	Schedule               ScheduleConfig  `yaml:"schedule"`
	Agent                  AgentConfig     `yaml:"agent"`
	Limits                 LimitsConfig    `yaml:"limits"`
	Workspace              WorkspaceConfig `yaml:"workspace"`
	Tracker                TrackerConfig   `yaml:"tracker"`
}

// ScheduleConfig controls the night processing window.
type ScheduleConfig struct {
	NightWindowStart int    `yaml:"night_window_start"`
	NightWindowEnd   int    `yaml:"night_window_end"`
	Timezone         string `yaml:"timezone"`
}

// AgentConfig controls bounded invocations of the coding agent CLI.
type AgentConfig struct {
	Command        []string      `yaml:"command"`
	Model          string        `yaml:"model"`
	TimeoutMinutes int           `yaml:"timeout_minutes"`
	MaxTurns       int           `yaml:"max_turns"`
	Verdicts       VerdictConfig `yaml:"verdicts"`
}

// VerdictConfig holds the regex patterns classifying agent output.
type VerdictConfig struct {
	Advance        string `yaml:"advance"`
	RequestChanges string `yaml:"request_changes"`
	Reject         string `yaml:"reject"`
}

// LimitsConfig defines the safety limits enforced per task and per day.
type LimitsConfig struct {
	MaxTasksPerDay        int `yaml:"max_tasks_per_day"`
	MaxReviewCycles       int `yaml:"max_review_cycles"`
	MaxQACycles           int `yaml:"max_qa_cycles"`
	StageIterationCeiling int `yaml:"stage_iteration_ceiling"`
	StaleDays             int `yaml:"stale_days"`
}

// WorkspaceConfig controls where repository clones and worktrees live.
type WorkspaceConfig struct {
	Root           string `yaml:"root"`
	RemoteTemplate string `yaml:"remote_template"`
}

// TrackerConfig identifies the issue tracker surface and responsible human.
type TrackerConfig struct {
	TaskRepo string `yaml:"task_repo"`
	Human    string `yaml:"human"`
}
