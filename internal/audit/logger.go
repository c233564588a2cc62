// Package audit provides append-only audit logging for orchestrator runs.
// Every consequential action lands here as one logfmt line, so an operator
// can reconstruct what happened to any task overnight.
package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// auditLogFileName is the filename used for audit logging.
	auditLogFileName = "audit.log"
	// auditLogFileMode defines the permissions for the audit log file.
	auditLogFileMode = 0o644
	// auditLogDirMode defines the permissions for the audit log directory.
	auditLogDirMode = 0o755
)

const (
	// EventStageTransition records a task moving between stages.
	EventStageTransition = "stage.transition"
	// EventTaskEscalate records a task handed to a human.
	EventTaskEscalate = "task.escalate"
	// EventTaskRelease records a human releasing an escalated task.
	EventTaskRelease = "task.release"
	// EventTaskFail records a task parked in the failed terminal stage.
	EventTaskFail = "task.fail"
	// EventDispatchInvoke records an agent dispatch starting.
	EventDispatchInvoke = "dispatch.invoke"
	// EventDispatchOutcome records an agent dispatch finishing.
	EventDispatchOutcome = "dispatch.outcome"
	// EventWorkspaceCreate records workspace provisioning.
	EventWorkspaceCreate = "workspace.create"
	// EventWorkspaceRelease records workspace teardown.
	EventWorkspaceRelease = "workspace.release"
	// EventLimitDenied records an admission refused by the daily cap.
	EventLimitDenied = "limit.denied"
	// EventRecurringSpawn records a recurring task spawning its successor.
	EventRecurringSpawn = "recurring.spawn"
	// EventTaskStale records a stale task flagged for attention.
	EventTaskStale = "task.stale"
)

// Logger appends audit entries to a log file under the data directory.
type Logger struct {
	path     string
	warnings io.Writer
	now      func() time.Time
	mu       sync.Mutex
}

// Field represents a logfmt key/value pair.
type Field struct {
	Key   string
	Value string
}

// Entry captures the required audit log fields and any optional fields.
type Entry struct {
	TaskID string
	Stage  string
	Event  string
	Fields []Field
}

// NewLogger builds an audit logger writing under the data directory.
func NewLogger(dataDir string, warnings io.Writer) (*Logger, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("data directory is required")
	}
	if warnings == nil {
		warnings = os.Stderr
	}
	return &Logger{
		path:     filepath.Join(dataDir, auditLogFileName),
		warnings: warnings,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (logger *Logger) SetClock(now func() time.Time) {
	if now != nil {
		logger.now = now
	}
}

// Log writes a generic audit entry to the log file.
func (logger *Logger) Log(entry Entry) error {
	if logger == nil {
		return errors.New("audit logger is nil")
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()

	line, err := logger.formatEntry(entry)
	if err != nil {
		logger.warnf("audit log entry rejected: %v", err)
		return err
	}
	if err := logger.appendLine(line); err != nil {
		logger.warnf("audit log write failed for %s: %v", logger.path, err)
		return err
	}
	return nil
}

// LogStageTransition records a task moving from one stage to another.
func (logger *Logger) LogStageTransition(taskID string, from string, to string, outcome string) error {
	if from == "" || to == "" {
		return fmt.Errorf("stage transition requires from and to stages")
	}
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  from,
		Event:  EventStageTransition,
		Fields: []Field{
			{Key: "to", Value: to},
			{Key: "outcome", Value: outcome},
		},
	})
}

// LogTaskEscalate records a task handed to a human with the reason.
func (logger *Logger) LogTaskEscalate(taskID string, fromStage string, reason string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  fromStage,
		Event:  EventTaskEscalate,
		Fields: []Field{
			{Key: "reason", Value: reason},
		},
	})
}

// LogTaskRelease records a human releasing an escalated task back to work.
func (logger *Logger) LogTaskRelease(taskID string, resumedStage string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  resumedStage,
		Event:  EventTaskRelease,
	})
}

// LogTaskFail records an unrecoverable failure ending the task.
func (logger *Logger) LogTaskFail(taskID string, fromStage string, reason string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  fromStage,
		Event:  EventTaskFail,
		Fields: []Field{
			{Key: "reason", Value: reason},
		},
	})
}

// LogDispatchInvoke records an agent dispatch starting.
func (logger *Logger) LogDispatchInvoke(taskID string, currentStage string, role string, iteration int) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  currentStage,
		Event:  EventDispatchInvoke,
		Fields: []Field{
			{Key: "role", Value: role},
			{Key: "iteration", Value: strconv.Itoa(iteration)},
		},
	})
}

// LogDispatchOutcome records an agent dispatch finishing.
func (logger *Logger) LogDispatchOutcome(taskID string, currentStage string, role string, outcome string, exitCode int, transcript string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  currentStage,
		Event:  EventDispatchOutcome,
		Fields: []Field{
			{Key: "role", Value: role},
			{Key: "outcome", Value: outcome},
			{Key: "exit_code", Value: strconv.Itoa(exitCode)},
			{Key: "transcript", Value: transcript},
		},
	})
}

// LogWorkspaceCreate records workspace provisioning.
func (logger *Logger) LogWorkspaceCreate(taskID string, currentStage string, path string, branch string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  currentStage,
		Event:  EventWorkspaceCreate,
		Fields: []Field{
			{Key: "path", Value: path},
			{Key: "branch", Value: branch},
		},
	})
}

// LogWorkspaceRelease records workspace teardown and how it was released.
func (logger *Logger) LogWorkspaceRelease(taskID string, currentStage string, mode string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  currentStage,
		Event:  EventWorkspaceRelease,
		Fields: []Field{
			{Key: "mode", Value: mode},
		},
	})
}

// LogLimitDenied records an admission refused by the daily cap.
func (logger *Logger) LogLimitDenied(taskID string, limit string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  "ready",
		Event:  EventLimitDenied,
		Fields: []Field{
			{Key: "limit", Value: limit},
		},
	})
}

// LogRecurringSpawn records a recurring chain producing its next instance.
func (logger *Logger) LogRecurringSpawn(taskID string, spawnedID string, eligibleAt time.Time) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  "done",
		Event:  EventRecurringSpawn,
		Fields: []Field{
			{Key: "spawned_id", Value: spawnedID},
			{Key: "eligible_at", Value: eligibleAt.UTC().Format(time.RFC3339)},
		},
	})
}

// LogTaskStale records a stale task flagged for human attention.
func (logger *Logger) LogTaskStale(taskID string, currentStage string, idleDays int) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Stage:  currentStage,
		Event:  EventTaskStale,
		Fields: []Field{
			{Key: "idle_days", Value: strconv.Itoa(idleDays)},
		},
	})
}

// formatEntry renders an audit entry in logfmt-style order.
func (logger *Logger) formatEntry(entry Entry) (string, error) {
	if entry.TaskID == "" {
		return "", errors.New("task id is required")
	}
	if entry.Event == "" {
		return "", errors.New("event is required")
	}
	now := logger.now
	if now == nil {
		now = time.Now
	}

	ts := now().UTC().Format(time.RFC3339)
	fields := []string{
		formatField("ts", ts),
		formatField("task_id", entry.TaskID),
	}
	if entry.Stage != "" {
		fields = append(fields, formatField("stage", entry.Stage))
	}
	fields = append(fields, formatField("event", entry.Event))

	for _, field := range entry.Fields {
		if field.Value == "" {
			continue
		}
		if field.Key == "" {
			return "", errors.New("field key is required")
		}
		fields = append(fields, formatField(field.Key, field.Value))
	}
	return strings.Join(fields, " "), nil
}

// formatField encodes a logfmt key/value pair.
func formatField(key string, value string) string {
	encoded := sanitizeValue(value)
	if needsQuoting(encoded) {
		return fmt.Sprintf(`%s="%s"`, key, escapeLogfmt(encoded))
	}
	return fmt.Sprintf("%s=%s", key, encoded)
}

// sanitizeValue ensures values stay single-line.
func sanitizeValue(value string) string {
	value = strings.ReplaceAll(value, "\n", `\n`)
	return strings.ReplaceAll(value, "\r", `\r`)
}

// needsQuoting reports whether the value needs logfmt quoting.
func needsQuoting(value string) bool {
	if value == "" {
		return true
	}
	for _, r := range value {
		if r == ' ' || r == '\t' || r == '\n' || r == '=' || r == '"' {
			return true
		}
	}
	return false
}

// escapeLogfmt escapes characters that must be quoted in logfmt values.
func escapeLogfmt(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

// appendLine writes the log entry to the audit log file.
func (logger *Logger) appendLine(line string) error {
	if logger.path == "" {
		return errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(logger.path), auditLogDirMode); err != nil {
		return fmt.Errorf("create audit log directory %s: %w", filepath.Dir(logger.path), err)
	}
	file, err := os.OpenFile(logger.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", logger.path, err)
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return fmt.Errorf("write audit log %s: %w", logger.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audit log %s: %w", logger.path, err)
	}
	return nil
}

// warnf writes a warning message to the configured warnings writer.
func (logger *Logger) warnf(format string, args ...any) {
	if logger == nil || logger.warnings == nil {
		return
	}
	_, _ = fmt.Fprintf(logger.warnings, format+"\n", args...)
}
