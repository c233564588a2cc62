// Package recurring schedules follow-up instances of repeating tasks. When a
// recurring task reaches done, a fresh instance is spawned whose eligibility
// is deferred until the next interval boundary.
package recurring

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nightshift-dev/nightshift/internal/stage"
	"github.com/nightshift-dev/nightshift/internal/store"
	"github.com/nightshift-dev/nightshift/internal/task"
)

// Tracker spawns and gates recurring task instances.
type Tracker struct {
	store *store.Store
	now   func() time.Time
}

// NewTracker builds a tracker over the given store.
func NewTracker(taskStore *store.Store) (Tracker, error) {
	if taskStore == nil {
		return Tracker{}, fmt.Errorf("store is required")
	}
	return Tracker{store: taskStore, now: time.Now}, nil
}

// SetClock overrides the time source. Intended for tests.
func (tracker *Tracker) SetClock(now func() time.Time) {
	if now != nil {
		tracker.now = now
	}
}

// NextEligible computes the earliest start for the next instance after a run
// completing at the given time. Once-off schedules never recur and return the
// zero time.
func NextEligible(schedule task.Schedule, completedAt time.Time) time.Time {
	switch schedule {
	case task.ScheduleDaily:
		return completedAt.Add(24 * time.Hour)
	case task.ScheduleWeekly:
		return completedAt.Add(7 * 24 * time.Hour)
	case task.ScheduleMonthly:
		return addCalendarMonth(completedAt)
	default:
		return time.Time{}
	}
}

// addCalendarMonth advances by one calendar month, clamping the day to the
// target month's length so Jan 31 lands on Feb 28 rather than Mar 3.
func addCalendarMonth(from time.Time) time.Time {
	year, month, day := from.Date()
	hour, minute, second := from.Clock()
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, from.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day,
		hour, minute, second, from.Nanosecond(), from.Location())
}

// Key identifies the recurrence chain a task belongs to. Grouped tasks share
// a chain so swarm members do not each spawn their own successor.
func Key(t task.Task) string {
	if group := strings.TrimSpace(t.Group); group != "" {
		return group + ":" + string(t.Schedule)
	}
	return t.ID
}

// OnTaskDone records the completed run and, for recurring schedules, spawns
// the next instance in a single transaction. The new instance starts over at
// the beginning of the lifecycle with fresh counters and no dependencies and
// stays ineligible until the interval elapses. Already-spawned chains are left
// alone so repeated completions within one interval do not double-spawn.
func (tracker Tracker) OnTaskDone(finished task.Task) (task.Task, bool, error) {
	if !finished.Schedule.Recurring() {
		return task.Task{}, false, nil
	}

	completedAt := tracker.now().UTC()
	key := Key(finished)
	record, found, err := tracker.store.GetRecurring(key)
	if err != nil {
		return task.Task{}, false, fmt.Errorf("load recurring record %s: %w", key, err)
	}
	if found && record.NextEligibleAt.After(completedAt) {
		return task.Task{}, false, nil
	}

	next := NextEligible(finished.Schedule, completedAt)
	clone := finished.Clone()
	clone.ID = finished.ID + "-" + uuid.NewString()[:8]
	clone.Stage = stage.StageReady
	clone.EscalatedFrom = ""
	clone.ReviewCycles = 0
	clone.QACycles = 0
	clone.StageIterations = 0
	clone.DependsOn = nil
	clone.EligibleAt = next
	clone.CreatedAt = completedAt
	clone.UpdatedAt = completedAt

	record = store.Recurring{
		Key:            key,
		Schedule:       finished.Schedule,
		LastRunAt:      completedAt,
		NextEligibleAt: next,
	}
	if err := tracker.store.SpawnRecurring(clone, record); err != nil {
		return task.Task{}, false, fmt.Errorf("spawn recurring instance of %s: %w", finished.ID, err)
	}
	return clone, true, nil
}

// Eligible reports whether a task's deferred start has arrived. Tasks without
// a deferral are always eligible.
func (tracker Tracker) Eligible(t task.Task) bool {
	if t.EligibleAt.IsZero() {
		return true
	}
	return !tracker.now().Before(t.EligibleAt)
}
