// Package task defines the task data model parsed from tracker issue records.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/nightshift-dev/nightshift/internal/stage"
)

// DefaultBranchPrefix prefixes task branches when the record does not set one.
const DefaultBranchPrefix = "claude"

// Priority orders tasks for selection.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Order ranks the priority for deterministic selection; lower runs first.
func (p Priority) Order() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// IsValid reports whether the priority is one of the enumerated values.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Schedule names how often a task recurs.
type Schedule string

const (
	ScheduleOnce    Schedule = "once"
	ScheduleDaily   Schedule = "daily"
	ScheduleWeekly  Schedule = "weekly"
	ScheduleMonthly Schedule = "monthly"
)

// IsValid reports whether the schedule is one of the enumerated kinds.
func (s Schedule) IsValid() bool {
	switch s {
	case ScheduleOnce, ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
		return true
	default:
		return false
	}
}

// Recurring reports whether the schedule spawns follow-up instances.
func (s Schedule) Recurring() bool {
	return s.IsValid() && s != ScheduleOnce
}

// Task is a unit of work tracked through the lifecycle, one per tracker issue.
// The stage state machine owns every mutation.
type Task struct {
	ID           string
	Title        string
	Repo         string
	NewRepo      bool
	RepoDesc     string
	Private      bool
	Priority     Priority
	Schedule     Schedule
	NightOnly    bool
	HumanReview  bool
	Group        string
	DependsOn    []string
	BranchPrefix string

	Stage           stage.Stage
	EscalatedFrom   stage.Stage
	ReviewCycles    int
	QACycles        int
	StageIterations int

	TaskSection        string
	ContextSection     string
	AcceptanceCriteria string
	RawBody            string

	EligibleAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the invariants a task must satisfy before it is stored.
func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(t.Repo) == "" {
		return fmt.Errorf("task %s: repo is required", t.ID)
	}
	if !t.Stage.IsValid() {
		return fmt.Errorf("task %s: invalid stage %q", t.ID, t.Stage)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	if !t.Schedule.IsValid() {
		return fmt.Errorf("task %s: invalid schedule %q", t.ID, t.Schedule)
	}
	return nil
}

// BranchName returns the task branch within its repository clone. Task IDs are
// unique, so branch names never collide between tasks on the same repository.
func (t Task) BranchName() string {
	prefix := strings.TrimSpace(t.BranchPrefix)
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	return prefix + "/" + t.ID
}

// RepoOwner extracts the owner from an owner/name repository coordinate.
func (t Task) RepoOwner() string {
	if owner, _, ok := strings.Cut(t.Repo, "/"); ok {
		return owner
	}
	return ""
}

// RepoName extracts the repository name from an owner/name coordinate.
func (t Task) RepoName() string {
	if _, name, ok := strings.Cut(t.Repo, "/"); ok {
		return name
	}
	return t.Repo
}

// Prompt assembles the task body sections into a single persona prompt.
func (t Task) Prompt() string {
	var parts []string
	if t.TaskSection != "" {
		parts = append(parts, "## Task\n"+t.TaskSection)
	}
	if t.ContextSection != "" {
		parts = append(parts, "## Context\n"+t.ContextSection)
	}
	if t.AcceptanceCriteria != "" {
		parts = append(parts, "## Acceptance Criteria\n"+t.AcceptanceCriteria)
	}
	if len(parts) == 0 {
		return t.RawBody
	}
	return strings.Join(parts, "\n\n")
}

// Clone returns a deep copy with its own depends_on slice.
func (t Task) Clone() Task {
	clone := t
	if len(t.DependsOn) > 0 {
		clone.DependsOn = make([]string, len(t.DependsOn))
		copy(clone.DependsOn, t.DependsOn)
	}
	return clone
}
