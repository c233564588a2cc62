// Package store provides recurring-record persistence.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nightshift-dev/nightshift/internal/task"
)

// Recurring records when a recurring task group last ran and when the next
// instance becomes eligible.
type Recurring struct {
	Key            string
	Schedule       task.Schedule
	LastRunAt      time.Time
	NextEligibleAt time.Time
}

// GetRecurring loads the recurring record for the provided key.
func (store *Store) GetRecurring(key string) (Recurring, bool, error) {
	if strings.TrimSpace(key) == "" {
		return Recurring{}, false, errors.New("recurring key is required")
	}
	var (
		record            Recurring
		schedule          string
		lastRun, eligible string
	)
	err := store.db.QueryRow(
		`SELECT key, schedule, last_run_at, next_eligible_at FROM recurring_records WHERE key = ?`, key,
	).Scan(&record.Key, &schedule, &lastRun, &eligible)
	if errors.Is(err, sql.ErrNoRows) {
		return Recurring{}, false, nil
	}
	if err != nil {
		return Recurring{}, false, fmt.Errorf("load recurring record %s: %w", key, err)
	}
	record.Schedule = task.Schedule(schedule)
	if record.LastRunAt, err = decodeTime(lastRun); err != nil {
		return Recurring{}, false, fmt.Errorf("decode last_run_at for %s: %w", key, err)
	}
	if record.NextEligibleAt, err = decodeTime(eligible); err != nil {
		return Recurring{}, false, fmt.Errorf("decode next_eligible_at for %s: %w", key, err)
	}
	return record, true, nil
}

// PutRecurring upserts a recurring record.
func (store *Store) PutRecurring(record Recurring) error {
	if strings.TrimSpace(record.Key) == "" {
		return errors.New("recurring key is required")
	}
	_, err := store.db.Exec(`
		INSERT INTO recurring_records (key, schedule, last_run_at, next_eligible_at)
		VALUES (?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			schedule = excluded.schedule,
			last_run_at = excluded.last_run_at,
			next_eligible_at = excluded.next_eligible_at`,
		record.Key, string(record.Schedule), encodeTime(record.LastRunAt), encodeTime(record.NextEligibleAt),
	)
	if err != nil {
		return fmt.Errorf("save recurring record %s: %w", record.Key, err)
	}
	return nil
}

// SpawnRecurring inserts the cloned task instance and the updated recurring
// record in one transaction, so a crash never records a run without its
// follow-up instance.
func (store *Store) SpawnRecurring(clone task.Task, record Recurring) error {
	if err := clone.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(record.Key) == "" {
		return errors.New("recurring key is required")
	}

	tx, err := store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin recurring spawn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := store.now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now

	dependsOn, err := encodeDepends(clone.DependsOn)
	if err != nil {
		return fmt.Errorf("encode depends_on for task %s: %w", clone.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		clone.ID, clone.Title, clone.Repo, boolToInt(clone.NewRepo), clone.RepoDesc, boolToInt(clone.Private),
		string(clone.Priority), string(clone.Schedule), boolToInt(clone.NightOnly), boolToInt(clone.HumanReview),
		clone.Group, dependsOn, clone.BranchPrefix, string(clone.Stage),
		string(clone.EscalatedFrom), clone.ReviewCycles, clone.QACycles, clone.StageIterations,
		clone.TaskSection, clone.ContextSection, clone.AcceptanceCriteria, clone.RawBody,
		encodeTime(clone.EligibleAt), encodeTime(clone.CreatedAt), encodeTime(clone.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert recurring instance %s: %w", clone.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO recurring_records (key, schedule, last_run_at, next_eligible_at)
		VALUES (?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			schedule = excluded.schedule,
			last_run_at = excluded.last_run_at,
			next_eligible_at = excluded.next_eligible_at`,
		record.Key, string(record.Schedule), encodeTime(record.LastRunAt), encodeTime(record.NextEligibleAt),
	)
	if err != nil {
		return fmt.Errorf("save recurring record %s: %w", record.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recurring spawn: %w", err)
	}
	return nil
}

// encodeDepends renders the depends_on set for storage.
func encodeDepends(values []string) (string, error) {
	data, err := json.Marshal(dependsOrEmpty(values))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
