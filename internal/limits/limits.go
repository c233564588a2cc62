// Package limits enforces the safety ceilings that keep an unattended run
// from consuming the day's budget or looping forever inside a stage.
package limits

import (
	"errors"
	"fmt"
	"time"

	"github.com/nightshift-dev/nightshift/internal/config"
	"github.com/nightshift-dev/nightshift/internal/store"
)

// ErrAdmissionDenied indicates the daily task cap is exhausted. Callers treat
// it as a wait condition, not a failure.
var ErrAdmissionDenied = errors.New("daily task limit reached")

// dayFormat is the stored-day key used for cap resets. Comparing formatted
// dates instead of durations makes the midnight boundary exact in the
// configured timezone.
const dayFormat = "2006-01-02"

// Enforcer applies admission and cycle limits against persisted counters.
type Enforcer struct {
	store    *store.Store
	limits   config.LimitsConfig
	location *time.Location
	now      func() time.Time
}

// NewEnforcer builds an enforcer over the given store and limit settings.
func NewEnforcer(taskStore *store.Store, limits config.LimitsConfig, location *time.Location) (Enforcer, error) {
	if taskStore == nil {
		return Enforcer{}, fmt.Errorf("store is required")
	}
	if location == nil {
		location = time.UTC
	}
	return Enforcer{
		store:    taskStore,
		limits:   limits,
		location: location,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (enforcer *Enforcer) SetClock(now func() time.Time) {
	if now != nil {
		enforcer.now = now
	}
}

// Admit consumes one slot of the daily task budget. It resets the counter when
// the stored day differs from today in the configured timezone, then admits
// the task if the cap still has room. A denied admission returns
// ErrAdmissionDenied and leaves the counter untouched.
func (enforcer Enforcer) Admit() error {
	today := enforcer.now().In(enforcer.location).Format(dayFormat)
	_, err := enforcer.store.UpdateCounters(func(counters *store.Counters) error {
		if counters.Day != today {
			counters.Day = today
			counters.TasksStarted = 0
		}
		if counters.TasksStarted >= enforcer.limits.MaxTasksPerDay {
			return fmt.Errorf("%d of %d tasks started today: %w",
				counters.TasksStarted, enforcer.limits.MaxTasksPerDay, ErrAdmissionDenied)
		}
		counters.TasksStarted++
		return nil
	})
	return err
}

// Remaining reports how many admissions are left today without consuming one.
func (enforcer Enforcer) Remaining() (int, error) {
	counters, err := enforcer.store.LoadCounters()
	if err != nil {
		return 0, fmt.Errorf("load counters: %w", err)
	}
	today := enforcer.now().In(enforcer.location).Format(dayFormat)
	if counters.Day != today {
		return enforcer.limits.MaxTasksPerDay, nil
	}
	remaining := enforcer.limits.MaxTasksPerDay - counters.TasksStarted
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ReviewCycleExceeded reports whether another review rejection would pass the
// configured cap.
func (enforcer Enforcer) ReviewCycleExceeded(cycles int) bool {
	return cycles >= enforcer.limits.MaxReviewCycles
}

// QACycleExceeded reports whether another failed verification would pass the
// configured cap.
func (enforcer Enforcer) QACycleExceeded(cycles int) bool {
	return cycles >= enforcer.limits.MaxQACycles
}

// IterationCeilingReached reports whether a task has spent its per-stage
// iteration budget and must be escalated before another dispatch.
func (enforcer Enforcer) IterationCeilingReached(iterations int) bool {
	return iterations >= enforcer.limits.StageIterationCeiling
}
