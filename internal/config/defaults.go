// Package config provides default configuration handling.
package config

import "strings"

const (
	defaultDataDir                = "data"
	defaultPollingIntervalMinutes = 5
	defaultNightWindowStart       = 2
	defaultNightWindowEnd         = 8
	defaultTimezone               = "UTC"
	defaultAgentModel             = "sonnet"
	defaultAgentTimeoutMinutes    = 30
	defaultAgentMaxTurns          = 50
	defaultMaxTasksPerDay         = 10
	defaultMaxReviewCycles        = 3
	defaultMaxQACycles            = 2
	defaultIterationCeiling       = 20
	defaultStaleDays              = 14
	defaultWorkspaceRoot          = "work"
	defaultRemoteTemplate         = "https://github.com/{repo}.git"
)

// Defaults returns the documented configuration defaults.
func Defaults() Config {
	return Config{
		DataDir:                defaultDataDir,
		PollingIntervalMinutes: defaultPollingIntervalMinutes,
		Schedule: ScheduleConfig{
			NightWindowStart: defaultNightWindowStart,
			NightWindowEnd:   defaultNightWindowEnd,
			Timezone:         defaultTimezone,
		},
		Agent: AgentConfig{
			Command: []string{
				"claude",
				"--dangerously-skip-permissions",
				"--print",
				"--model", "{model}",
				"--max-turns", "{max_turns}",
				"--system-prompt", "{system_prompt}",
				"-p", "{prompt}",
			},
			Model:          defaultAgentModel,
			TimeoutMinutes: defaultAgentTimeoutMinutes,
			MaxTurns:       defaultAgentMaxTurns,
			Verdicts: VerdictConfig{
				Advance:        `(?im)^\s*(?:QA_)?VERDICT:\s*(?:READY|APPROVED|PASS)\b`,
				RequestChanges: `(?im)^\s*(?:QA_)?VERDICT:\s*(?:NEEDS_CLARIFICATION|CHANGES_REQUESTED|FAIL)\b`,
				Reject:         `(?im)^\s*(?:QA_)?VERDICT:\s*REJECT(?:ED)?\b`,
			},
		},
		Limits: LimitsConfig{
			MaxTasksPerDay:        defaultMaxTasksPerDay,
			MaxReviewCycles:       defaultMaxReviewCycles,
			MaxQACycles:           defaultMaxQACycles,
			StageIterationCeiling: defaultIterationCeiling,
			StaleDays:             defaultStaleDays,
		},
		Workspace: WorkspaceConfig{
			Root:           defaultWorkspaceRoot,
			RemoteTemplate: defaultRemoteTemplate,
		},
		Tracker: TrackerConfig{},
	}
}

// ApplyDefaults fills missing or invalid values with documented defaults.
func ApplyDefaults(cfg Config, warn func(string)) Config {
	defaults := Defaults()

	cfg.DataDir = normalizeString(cfg.DataDir, defaults.DataDir, "data_dir", warn)
	cfg.PollingIntervalMinutes = normalizePositiveInt(
		cfg.PollingIntervalMinutes,
		defaults.PollingIntervalMinutes,
		"polling_interval_minutes",
		warn,
	)

	cfg.Schedule.NightWindowStart = normalizeHour(
		cfg.Schedule.NightWindowStart,
		defaults.Schedule.NightWindowStart,
		"schedule.night_window_start",
		warn,
	)
	cfg.Schedule.NightWindowEnd = normalizeHour(
		cfg.Schedule.NightWindowEnd,
		defaults.Schedule.NightWindowEnd,
		"schedule.night_window_end",
		warn,
	)
	cfg.Schedule.Timezone = normalizeString(
		cfg.Schedule.Timezone,
		defaults.Schedule.Timezone,
		"schedule.timezone",
		warn,
	)

	if len(cfg.Agent.Command) == 0 {
		cfg.Agent.Command = cloneStrings(defaults.Agent.Command)
	} else {
		cfg.Agent.Command = cloneStrings(cfg.Agent.Command)
	}
	cfg.Agent.Model = normalizeString(cfg.Agent.Model, defaults.Agent.Model, "agent.model", warn)
	cfg.Agent.TimeoutMinutes = normalizePositiveInt(
		cfg.Agent.TimeoutMinutes,
		defaults.Agent.TimeoutMinutes,
		"agent.timeout_minutes",
		warn,
	)
	cfg.Agent.MaxTurns = normalizePositiveInt(
		cfg.Agent.MaxTurns,
		defaults.Agent.MaxTurns,
		"agent.max_turns",
		warn,
	)
	cfg.Agent.Verdicts.Advance = normalizeString(
		cfg.Agent.Verdicts.Advance,
		defaults.Agent.Verdicts.Advance,
		"agent.verdicts.advance",
		warn,
	)
	cfg.Agent.Verdicts.RequestChanges = normalizeString(
		cfg.Agent.Verdicts.RequestChanges,
		defaults.Agent.Verdicts.RequestChanges,
		"agent.verdicts.request_changes",
		warn,
	)
	cfg.Agent.Verdicts.Reject = normalizeString(
		cfg.Agent.Verdicts.Reject,
		defaults.Agent.Verdicts.Reject,
		"agent.verdicts.reject",
		warn,
	)

	cfg.Limits.MaxTasksPerDay = normalizePositiveInt(
		cfg.Limits.MaxTasksPerDay,
		defaults.Limits.MaxTasksPerDay,
		"limits.max_tasks_per_day",
		warn,
	)
	cfg.Limits.MaxReviewCycles = normalizePositiveInt(
		cfg.Limits.MaxReviewCycles,
		defaults.Limits.MaxReviewCycles,
		"limits.max_review_cycles",
		warn,
	)
	cfg.Limits.MaxQACycles = normalizePositiveInt(
		cfg.Limits.MaxQACycles,
		defaults.Limits.MaxQACycles,
		"limits.max_qa_cycles",
		warn,
	)
	cfg.Limits.StageIterationCeiling = normalizePositiveInt(
		cfg.Limits.StageIterationCeiling,
		defaults.Limits.StageIterationCeiling,
		"limits.stage_iteration_ceiling",
		warn,
	)
	cfg.Limits.StaleDays = normalizePositiveInt(
		cfg.Limits.StaleDays,
		defaults.Limits.StaleDays,
		"limits.stale_days",
		warn,
	)

	cfg.Workspace.Root = normalizeString(cfg.Workspace.Root, defaults.Workspace.Root, "workspace.root", warn)
	cfg.Workspace.RemoteTemplate = normalizeRemoteTemplate(
		cfg.Workspace.RemoteTemplate,
		defaults.Workspace.RemoteTemplate,
		warn,
	)

	return cfg
}

// normalizeString defaults empty values.
func normalizeString(value string, fallback string, key string, warn func(string)) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return trimmed
}

// normalizePositiveInt defaults non-positive values.
func normalizePositiveInt(value int, fallback int, key string, warn func(string)) int {
	if value <= 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// normalizeHour defaults values outside the 0-23 range. Zero is a valid hour,
// so only out-of-range values warn.
func normalizeHour(value int, fallback int, key string, warn func(string)) int {
	if value < 0 || value > 23 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// normalizeRemoteTemplate ensures the template includes the {repo} token.
func normalizeRemoteTemplate(value string, fallback string, warn func(string)) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	if !strings.Contains(trimmed, "{repo}") {
		emitWarning(warn, "invalid workspace.remote_template; must contain {repo}")
		return fallback
	}
	return trimmed
}

// cloneStrings copies a string slice to avoid shared references.
func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

// emitWarning forwards warnings to the provided sink.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
