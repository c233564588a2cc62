// Package store persists tasks, safety counters, and recurring records in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nightshift-dev/nightshift/internal/stage"
	"github.com/nightshift-dev/nightshift/internal/task"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	title               TEXT NOT NULL DEFAULT '',
	repo                TEXT NOT NULL,
	new_repo            INTEGER NOT NULL DEFAULT 0,
	repo_desc           TEXT NOT NULL DEFAULT '',
	private             INTEGER NOT NULL DEFAULT 0,
	priority            TEXT NOT NULL DEFAULT 'medium',
	schedule            TEXT NOT NULL DEFAULT 'once',
	night_only          INTEGER NOT NULL DEFAULT 0,
	human_review        INTEGER NOT NULL DEFAULT 0,
	task_group          TEXT NOT NULL DEFAULT '',
	depends_on          TEXT NOT NULL DEFAULT '[]',
	branch_prefix       TEXT NOT NULL DEFAULT 'claude',
	stage               TEXT NOT NULL,
	escalated_from      TEXT NOT NULL DEFAULT '',
	review_cycles       INTEGER NOT NULL DEFAULT 0,
	qa_cycles           INTEGER NOT NULL DEFAULT 0,
	stage_iterations    INTEGER NOT NULL DEFAULT 0,
	task_section        TEXT NOT NULL DEFAULT '',
	context_section     TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '',
	raw_body            TEXT NOT NULL DEFAULT '',
	eligible_at         TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS safety_counters (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	day           TEXT NOT NULL,
	tasks_started INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS recurring_records (
	key              TEXT PRIMARY KEY,
	schedule         TEXT NOT NULL,
	last_run_at      TEXT NOT NULL,
	next_eligible_at TEXT NOT NULL
);
`

// Store persists orchestrator state in a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (store *Store) Close() error { return store.db.Close() }

// SetClock overrides the wall clock, for tests.
func (store *Store) SetClock(now func() time.Time) {
	if now != nil {
		store.now = now
	}
}

const taskColumns = `id, title, repo, new_repo, repo_desc, private, priority, schedule,
	night_only, human_review, task_group, depends_on, branch_prefix, stage,
	escalated_from, review_cycles, qa_cycles, stage_iterations, task_section,
	context_section, acceptance_criteria, raw_body, eligible_at, created_at, updated_at`

// CreateTask inserts a new task. The caller owns stage and counter values.
func (store *Store) CreateTask(t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := store.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	dependsOn, err := json.Marshal(dependsOrEmpty(t.DependsOn))
	if err != nil {
		return fmt.Errorf("encode depends_on for task %s: %w", t.ID, err)
	}

	_, err = store.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Repo, boolToInt(t.NewRepo), t.RepoDesc, boolToInt(t.Private),
		string(t.Priority), string(t.Schedule), boolToInt(t.NightOnly), boolToInt(t.HumanReview),
		t.Group, string(dependsOn), t.BranchPrefix, string(t.Stage),
		string(t.EscalatedFrom), t.ReviewCycles, t.QACycles, t.StageIterations,
		t.TaskSection, t.ContextSection, t.AcceptanceCriteria, t.RawBody,
		encodeTime(t.EligibleAt), encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by identity.
func (store *Store) GetTask(id string) (task.Task, error) {
	if strings.TrimSpace(id) == "" {
		return task.Task{}, errors.New("task id is required")
	}
	row := store.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, nil
}

// HasTask reports whether a task exists without loading it.
func (store *Store) HasTask(id string) (bool, error) {
	var count int
	if err := store.db.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("count task %s: %w", id, err)
	}
	return count > 0, nil
}

// ListTasks returns every task ordered by creation time then identity.
func (store *Store) ListTasks() ([]task.Task, error) {
	rows, err := store.db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// SaveTransition persists a task's stage and counters. The single UPDATE makes
// the stage, the cycle counters, and the iteration counter visible together,
// never partially.
func (store *Store) SaveTransition(t task.Task) error {
	if !t.Stage.IsValid() {
		return fmt.Errorf("task %s: invalid stage %q", t.ID, t.Stage)
	}
	result, err := store.db.Exec(`
		UPDATE tasks
		SET stage = ?, escalated_from = ?, review_cycles = ?, qa_cycles = ?,
		    stage_iterations = ?, eligible_at = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Stage), string(t.EscalatedFrom), t.ReviewCycles, t.QACycles,
		t.StageIterations, encodeTime(t.EligibleAt), encodeTime(store.now().UTC()), t.ID,
	)
	if err != nil {
		return fmt.Errorf("save transition for task %s: %w", t.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save transition for task %s: %w", t.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for task scanning.
type scanner interface {
	Scan(dest ...any) error
}

// scanTask decodes a task row.
func scanTask(row scanner) (task.Task, error) {
	var (
		t                                 task.Task
		newRepo, private, night, human    int
		priority, schedule, st, escalated string
		dependsOn                         string
		eligibleAt, createdAt, updatedAt  string
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Repo, &newRepo, &t.RepoDesc, &private, &priority, &schedule,
		&night, &human, &t.Group, &dependsOn, &t.BranchPrefix, &st,
		&escalated, &t.ReviewCycles, &t.QACycles, &t.StageIterations, &t.TaskSection,
		&t.ContextSection, &t.AcceptanceCriteria, &t.RawBody, &eligibleAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return task.Task{}, err
	}
	t.NewRepo = newRepo != 0
	t.Private = private != 0
	t.NightOnly = night != 0
	t.HumanReview = human != 0
	t.Priority = task.Priority(priority)
	t.Schedule = task.Schedule(schedule)
	t.Stage = stage.Stage(st)
	t.EscalatedFrom = stage.Stage(escalated)
	if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
		return task.Task{}, fmt.Errorf("decode depends_on: %w", err)
	}
	if t.EligibleAt, err = decodeTime(eligibleAt); err != nil {
		return task.Task{}, fmt.Errorf("decode eligible_at: %w", err)
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return task.Task{}, fmt.Errorf("decode created_at: %w", err)
	}
	if t.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return task.Task{}, fmt.Errorf("decode updated_at: %w", err)
	}
	return t, nil
}

// encodeTime renders a timestamp as RFC3339 UTC; zero times encode empty.
func encodeTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

// decodeTime parses an RFC3339 timestamp; empty decodes to the zero time.
func decodeTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

// dependsOrEmpty keeps depends_on encoding stable for empty sets.
func dependsOrEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// boolToInt encodes a bool for SQLite storage.
func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
