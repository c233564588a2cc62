// Package tracker projects task state onto the external issue tracker. The
// database remains the source of truth; tracker updates are best-effort
// signals for humans watching the board.
package tracker

import "context"

// Tracker receives lifecycle projections for a task.
type Tracker interface {
	// SetStageLabel replaces the task's stage label on the tracker.
	SetStageLabel(ctx context.Context, taskID string, label string) error
	// PostComment attaches a progress note to the task.
	PostComment(ctx context.Context, taskID string, body string) error
	// TagHuman asks the configured human to look at the task.
	TagHuman(ctx context.Context, taskID string, reason string) error
	// CloseTask marks the tracker issue finished.
	CloseTask(ctx context.Context, taskID string) error
}

// Nop is a tracker that discards every projection. Used when no tracker is
// configured.
type Nop struct{}

func (Nop) SetStageLabel(context.Context, string, string) error { return nil }
func (Nop) PostComment(context.Context, string, string) error   { return nil }
func (Nop) TagHuman(context.Context, string, string) error      { return nil }
func (Nop) CloseTask(context.Context, string) error             { return nil }
