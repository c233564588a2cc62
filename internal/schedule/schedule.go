// Package schedule decides which tasks may start work on a given tick:
// dependency gating, the night-only window, and deterministic ordering.
package schedule

import (
	"sort"
	"time"

	"github.com/nightshift-dev/nightshift/internal/config"
	"github.com/nightshift-dev/nightshift/internal/stage"
	"github.com/nightshift-dev/nightshift/internal/task"
)

// Selector evaluates eligibility against the configured schedule settings.
type Selector struct {
	settings config.ScheduleConfig
	location *time.Location
	now      func() time.Time
}

// NewSelector builds a selector for the given schedule settings.
func NewSelector(settings config.ScheduleConfig, location *time.Location) Selector {
	if location == nil {
		location = time.UTC
	}
	return Selector{settings: settings, location: location, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (selector *Selector) SetClock(now func() time.Time) {
	if now != nil {
		selector.now = now
	}
}

// InNightWindow reports whether the current local hour falls inside the
// configured window. The window is half-open: the start hour is included, the
// end hour is not. A window whose start exceeds its end wraps past midnight.
func (selector Selector) InNightWindow() bool {
	hour := selector.now().In(selector.location).Hour()
	start := selector.settings.NightWindowStart
	end := selector.settings.NightWindowEnd
	if start == end {
		return false
	}
	if start < end {
		return start <= hour && hour < end
	}
	return hour >= start || hour < end
}

// NightGateOpen reports whether the task may start right now. Tasks without a
// night restriction pass unconditionally. The gate only applies to starting
// work; tasks already past the ready stage keep running after the window
// closes.
func (selector Selector) NightGateOpen(t task.Task) bool {
	if !t.NightOnly {
		return true
	}
	return selector.InNightWindow()
}

// DependenciesSatisfied reports whether every dependency has reached done.
// Unknown dependency ids count as unsatisfied so a task never outruns a
// dependency that has not been imported yet. Dependencies that failed or were
// escalated keep their dependents pinned.
func DependenciesSatisfied(t task.Task, stageOf func(id string) (stage.Stage, bool)) bool {
	for _, id := range t.DependsOn {
		dependencyStage, found := stageOf(id)
		if !found || dependencyStage != stage.StageDone {
			return false
		}
	}
	return true
}

// Order sorts tasks into dispatch order: priority first, then creation time,
// then id as the stable tiebreaker. The slice is sorted in place.
func Order(tasks []task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		left, right := tasks[i], tasks[j]
		if left.Priority.Order() != right.Priority.Order() {
			return left.Priority.Order() < right.Priority.Order()
		}
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.Before(right.CreatedAt)
		}
		return left.ID < right.ID
	})
}
