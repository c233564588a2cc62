// Package store provides atomic access to the process-wide safety counters.
package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Counters is the process-wide daily admission state. Day is the calendar
// date (in the configured timezone) of the last reset, formatted 2006-01-02.
type Counters struct {
	Day          string
	TasksStarted int
}

// LoadCounters reads the current safety counters; absent rows read as zero.
func (store *Store) LoadCounters() (Counters, error) {
	var counters Counters
	err := store.db.QueryRow(`SELECT day, tasks_started FROM safety_counters WHERE id = 1`).
		Scan(&counters.Day, &counters.TasksStarted)
	if errors.Is(err, sql.ErrNoRows) {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, fmt.Errorf("load safety counters: %w", err)
	}
	return counters, nil
}

// UpdateCounters applies fn to the counters inside a single transaction,
// giving callers an atomic read-modify-write. fn returning an error rolls
// the transaction back.
func (store *Store) UpdateCounters(fn func(*Counters) error) (Counters, error) {
	if fn == nil {
		return Counters{}, errors.New("counter update function is required")
	}
	tx, err := store.db.Begin()
	if err != nil {
		return Counters{}, fmt.Errorf("begin counter update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var counters Counters
	err = tx.QueryRow(`SELECT day, tasks_started FROM safety_counters WHERE id = 1`).
		Scan(&counters.Day, &counters.TasksStarted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Counters{}, fmt.Errorf("load safety counters: %w", err)
	}

	if err := fn(&counters); err != nil {
		return Counters{}, err
	}

	_, err = tx.Exec(`
		INSERT INTO safety_counters (id, day, tasks_started) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET day = excluded.day, tasks_started = excluded.tasks_started`,
		counters.Day, counters.TasksStarted,
	)
	if err != nil {
		return Counters{}, fmt.Errorf("save safety counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Counters{}, fmt.Errorf("commit safety counters: %w", err)
	}
	return counters, nil
}
