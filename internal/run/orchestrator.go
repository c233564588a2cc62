// Package run drives tasks through the lifecycle. Each tick enumerates
// eligible tasks, dispatches at most one persona per task, applies the
// transition table, and persists the result before moving on.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nightshift-dev/nightshift/internal/audit"
	"github.com/nightshift-dev/nightshift/internal/config"
	"github.com/nightshift-dev/nightshift/internal/limits"
	"github.com/nightshift-dev/nightshift/internal/persona"
	"github.com/nightshift-dev/nightshift/internal/recurring"
	"github.com/nightshift-dev/nightshift/internal/schedule"
	"github.com/nightshift-dev/nightshift/internal/stage"
	"github.com/nightshift-dev/nightshift/internal/store"
	"github.com/nightshift-dev/nightshift/internal/task"
	"github.com/nightshift-dev/nightshift/internal/tracker"
	"github.com/nightshift-dev/nightshift/internal/workspace"
)

// ErrStorageUnavailable indicates the database failed mid-run. The poll loop
// treats it as fatal; continuing without durable state would lose task
// history.
var ErrStorageUnavailable = errors.New("storage unavailable")

// WorkspaceManager is the slice of workspace behavior the orchestrator needs.
type WorkspaceManager interface {
	Acquire(ctx context.Context, t task.Task) (workspace.Workspace, error)
	Release(ctx context.Context, taskID string, mode workspace.ReleaseMode) error
	Active(taskID string) (workspace.Workspace, bool)
}

// Orchestrator owns one tick of the lifecycle for every known task.
type Orchestrator struct {
	store      *store.Store
	enforcer   limits.Enforcer
	recurrence recurring.Tracker
	selector   schedule.Selector
	workspaces WorkspaceManager
	invoker    persona.Invoker
	board      tracker.Tracker
	auditor    *audit.Logger
	limits     config.LimitsConfig
	human      string
	now        func() time.Time
	stdout     io.Writer
	stderr     io.Writer
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store      *store.Store
	Enforcer   limits.Enforcer
	Recurrence recurring.Tracker
	Selector   schedule.Selector
	Workspaces WorkspaceManager
	Invoker    persona.Invoker
	Board      tracker.Tracker
	Auditor    *audit.Logger
	Limits     config.LimitsConfig
	Human      string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Summary reports what a single tick did.
type Summary struct {
	Examined    int
	Dispatched  int
	Transitions int
	Escalated   int
	Failed      int
	Denied      int
	Spawned     int
}

// NewOrchestrator validates the wiring and builds an orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("persona invoker is required")
	}
	if opts.Auditor == nil {
		return nil, errors.New("audit logger is required")
	}
	if opts.Board == nil {
		opts.Board = tracker.Nop{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Orchestrator{
		store:      opts.Store,
		enforcer:   opts.Enforcer,
		recurrence: opts.Recurrence,
		selector:   opts.Selector,
		workspaces: opts.Workspaces,
		invoker:    opts.Invoker,
		board:      opts.Board,
		auditor:    opts.Auditor,
		limits:     opts.Limits,
		human:      opts.Human,
		now:        time.Now,
		stdout:     opts.Stdout,
		stderr:     opts.Stderr,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (orchestrator *Orchestrator) SetClock(now func() time.Time) {
	if now != nil {
		orchestrator.now = now
	}
}

// Tick processes every task once. A cancelled context stops between tasks and
// leaves the remaining tasks for the next tick; a storage failure aborts the
// tick with ErrStorageUnavailable.
func (orchestrator *Orchestrator) Tick(ctx context.Context) (Summary, error) {
	tasks, err := orchestrator.store.ListTasks()
	if err != nil {
		return Summary{}, fmt.Errorf("%w: list tasks: %w", ErrStorageUnavailable, err)
	}
	schedule.Order(tasks)

	stages := make(map[string]stage.Stage, len(tasks))
	for _, t := range tasks {
		stages[t.ID] = t.Stage
	}
	stageOf := func(id string) (stage.Stage, bool) {
		s, ok := stages[id]
		return s, ok
	}

	var summary Summary
	admissionClosed := false
	for _, t := range tasks {
		if ctx.Err() != nil {
			return summary, nil
		}
		if t.Stage.IsTerminal() || t.Stage.IsSuspended() {
			continue
		}
		summary.Examined++

		if orchestrator.isStale(t) {
			if err := orchestrator.escalateStale(ctx, t); err != nil {
				return summary, err
			}
			summary.Escalated++
			continue
		}
		if !orchestrator.selector.NightGateOpen(t) {
			// Night-only tasks pause at whatever stage they are in until
			// the window opens again.
			continue
		}

		if t.Stage == stage.StageReady {
			admitted, denied, err := orchestrator.admit(ctx, t, stageOf, &admissionClosed)
			if err != nil {
				return summary, err
			}
			if admitted {
				summary.Transitions++
			}
			if denied {
				summary.Denied++
			}
			continue
		}

		stepped, err := orchestrator.step(ctx, t, &summary)
		if err != nil {
			return summary, err
		}
		if !stepped {
			// Shutdown interrupted the dispatch; stage is unchanged.
			return summary, nil
		}
	}
	return summary, nil
}

// admit moves an eligible ready task into triage, consuming one slot of the
// daily budget. It reports whether the task was admitted or denied by the cap.
func (orchestrator *Orchestrator) admit(ctx context.Context, t task.Task, stageOf func(string) (stage.Stage, bool), closed *bool) (bool, bool, error) {
	if !orchestrator.recurrence.Eligible(t) {
		return false, false, nil
	}
	if !schedule.DependenciesSatisfied(t, stageOf) {
		return false, false, nil
	}
	if *closed {
		return false, true, nil
	}

	if err := orchestrator.enforcer.Admit(); err != nil {
		if errors.Is(err, limits.ErrAdmissionDenied) {
			*closed = true
			if auditErr := orchestrator.auditor.LogLimitDenied(t.ID, "max_tasks_per_day"); auditErr != nil {
				fmt.Fprintf(orchestrator.stderr, "audit limit denial for task %s: %v\n", t.ID, auditErr)
			}
			return false, true, nil
		}
		return false, false, fmt.Errorf("%w: admit task %s: %w", ErrStorageUnavailable, t.ID, err)
	}

	from := t.Stage
	t.Stage = stage.StageTriage
	t.StageIterations = 0
	if err := orchestrator.persist(t, from, "admit"); err != nil {
		return false, false, err
	}
	orchestrator.project(ctx, t)
	return true, false, nil
}

// step runs one persona dispatch for a task in a working stage and applies
// the outcome. It returns false when shutdown aborted the dispatch.
func (orchestrator *Orchestrator) step(ctx context.Context, t task.Task, summary *Summary) (bool, error) {
	current := t.Stage

	if orchestrator.enforcer.IterationCeilingReached(t.StageIterations) {
		if err := orchestrator.escalate(ctx, t, "stage iteration ceiling reached"); err != nil {
			return true, err
		}
		summary.Escalated++
		return true, nil
	}

	workDir := ""
	if current.RequiresWorkspace() {
		acquired, err := orchestrator.workspaces.Acquire(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			fmt.Fprintf(orchestrator.stderr, "workspace for task %s: %v\n", t.ID, err)
			if errors.Is(err, workspace.ErrUnavailable) {
				// The repository itself cannot be provisioned; no persona
				// run will change that.
				if err := orchestrator.markFailed(ctx, t, "workspace unavailable"); err != nil {
					return true, err
				}
				summary.Failed++
				return true, nil
			}
			if err := orchestrator.escalate(ctx, t, "workspace setup failed"); err != nil {
				return true, err
			}
			summary.Escalated++
			return true, nil
		}
		workDir = acquired.Path
		if err := orchestrator.auditor.LogWorkspaceCreate(t.ID, string(current), acquired.Path, acquired.Branch); err != nil {
			fmt.Fprintf(orchestrator.stderr, "audit workspace create for task %s: %v\n", t.ID, err)
		}
	}

	role, err := persona.RoleFor(current)
	if err != nil {
		return true, orchestrator.escalate(ctx, t, err.Error())
	}

	t.StageIterations++
	if err := orchestrator.auditor.LogDispatchInvoke(t.ID, string(current), string(role), t.StageIterations); err != nil {
		fmt.Fprintf(orchestrator.stderr, "audit dispatch invoke for task %s: %v\n", t.ID, err)
	}

	result, err := orchestrator.invoker.Invoke(ctx, t, role, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		fmt.Fprintf(orchestrator.stderr, "dispatch for task %s: %v\n", t.ID, err)
		if err := orchestrator.escalate(ctx, t, "dispatch failed"); err != nil {
			return true, err
		}
		summary.Escalated++
		return true, nil
	}
	summary.Dispatched++
	if err := orchestrator.auditor.LogDispatchOutcome(t.ID, string(current), string(role), string(result.Outcome), result.ExitCode, result.TranscriptPath); err != nil {
		fmt.Fprintf(orchestrator.stderr, "audit dispatch outcome for task %s: %v\n", t.ID, err)
	}
	comment := fmt.Sprintf("%s: %s", role, result.Outcome)
	if err := orchestrator.board.PostComment(ctx, t.ID, comment); err != nil {
		fmt.Fprintf(orchestrator.stderr, "post comment for task %s: %v\n", t.ID, err)
	}

	return true, orchestrator.apply(ctx, t, result.Outcome, summary)
}

// apply resolves the transition for a dispatch outcome, enforces cycle caps,
// and persists the new state.
func (orchestrator *Orchestrator) apply(ctx context.Context, t task.Task, outcome stage.Outcome, summary *Summary) error {
	current := t.Stage
	transition, err := stage.Apply(current, outcome)
	if err != nil {
		if escErr := orchestrator.escalate(ctx, t, err.Error()); escErr != nil {
			return escErr
		}
		summary.Escalated++
		return nil
	}

	switch transition.Cycle {
	case stage.CycleReview:
		if orchestrator.enforcer.ReviewCycleExceeded(t.ReviewCycles) {
			if err := orchestrator.escalate(ctx, t, "review cycle cap reached"); err != nil {
				return err
			}
			summary.Escalated++
			return nil
		}
		t.ReviewCycles++
	case stage.CycleQA:
		if orchestrator.enforcer.QACycleExceeded(t.QACycles) {
			if err := orchestrator.escalate(ctx, t, "qa cycle cap reached"); err != nil {
				return err
			}
			summary.Escalated++
			return nil
		}
		t.QACycles++
	}

	next := transition.Next
	if next == stage.StageDone && t.HumanReview {
		// The task owner asked for a final look before completion.
		t.EscalatedFrom = stage.StageDone
		if err := orchestrator.moveTo(ctx, t, stage.StageAwaitingHuman, string(outcome)); err != nil {
			return err
		}
		if err := orchestrator.notifyHuman(ctx, t, "human review requested"); err != nil {
			fmt.Fprintf(orchestrator.stderr, "tag human for task %s: %v\n", t.ID, err)
		}
		summary.Escalated++
		return nil
	}
	if next == stage.StageAwaitingHuman {
		t.EscalatedFrom = current
		if err := orchestrator.auditor.LogTaskEscalate(t.ID, string(current), string(outcome)); err != nil {
			fmt.Fprintf(orchestrator.stderr, "audit escalate for task %s: %v\n", t.ID, err)
		}
		if err := orchestrator.moveTo(ctx, t, next, string(outcome)); err != nil {
			return err
		}
		if err := orchestrator.notifyHuman(ctx, t, string(outcome)); err != nil {
			fmt.Fprintf(orchestrator.stderr, "tag human for task %s: %v\n", t.ID, err)
		}
		summary.Escalated++
		return nil
	}

	if err := orchestrator.moveTo(ctx, t, next, string(outcome)); err != nil {
		return err
	}
	summary.Transitions++
	if next == stage.StageDone {
		return orchestrator.finish(ctx, t, summary)
	}
	return nil
}

// moveTo persists a stage change, destroys the workspace when the task leaves
// the stages that need one, and projects the new stage onto the tracker. A
// human_review task entering awaiting-human keeps its workspace registered so
// the human can inspect the tree; it is reclaimed when the task is released.
func (orchestrator *Orchestrator) moveTo(ctx context.Context, t task.Task, next stage.Stage, outcome string) error {
	from := t.Stage
	if next != from {
		t.StageIterations = 0
	}
	t.Stage = next
	if err := orchestrator.persist(t, from, outcome); err != nil {
		return err
	}

	if !next.RequiresWorkspace() {
		retain := next == stage.StageAwaitingHuman && t.HumanReview
		if !retain {
			orchestrator.releaseWorkspace(ctx, t.ID, next, workspace.Discard)
		}
	}

	orchestrator.project(ctx, t)
	return nil
}

// releaseWorkspace frees the task's workspace if one is registered.
func (orchestrator *Orchestrator) releaseWorkspace(ctx context.Context, taskID string, current stage.Stage, mode workspace.ReleaseMode) {
	if _, ok := orchestrator.workspaces.Active(taskID); !ok {
		return
	}
	if err := orchestrator.workspaces.Release(ctx, taskID, mode); err != nil {
		fmt.Fprintf(orchestrator.stderr, "release workspace for task %s: %v\n", taskID, err)
		return
	}
	if err := orchestrator.auditor.LogWorkspaceRelease(taskID, string(current), string(mode)); err != nil {
		fmt.Fprintf(orchestrator.stderr, "audit workspace release for task %s: %v\n", taskID, err)
	}
}

// persist saves the transition and writes its audit entry.
func (orchestrator *Orchestrator) persist(t task.Task, from stage.Stage, outcome string) error {
	t.UpdatedAt = orchestrator.now().UTC()
	if err := orchestrator.store.SaveTransition(t); err != nil {
		return fmt.Errorf("%w: save task %s: %w", ErrStorageUnavailable, t.ID, err)
	}
	if err := orchestrator.auditor.LogStageTransition(t.ID, string(from), string(t.Stage), outcome); err != nil {
		fmt.Fprintf(orchestrator.stderr, "audit transition for task %s: %v\n", t.ID, err)
	}
	return nil
}

// finish runs the completion side effects: close the tracker issue and spawn
// the next recurring instance when the schedule calls for one.
func (orchestrator *Orchestrator) finish(ctx context.Context, t task.Task, summary *Summary) error {
	if err := orchestrator.board.CloseTask(ctx, t.ID); err != nil {
		fmt.Fprintf(orchestrator.stderr, "close tracker issue for task %s: %v\n", t.ID, err)
	}
	spawned, ok, err := orchestrator.recurrence.OnTaskDone(t)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if ok {
		summary.Spawned++
		if err := orchestrator.auditor.LogRecurringSpawn(t.ID, spawned.ID, spawned.EligibleAt); err != nil {
			fmt.Fprintf(orchestrator.stderr, "audit recurring spawn for task %s: %v\n", t.ID, err)
		}
	}
	return nil
}

// escalate hands a task to a human outside the normal transition table.
func (orchestrator *Orchestrator) escalate(ctx context.Context, t task.Task, reason string) error {
	if err := orchestrator.auditor.LogTaskEscalate(t.ID, string(t.Stage), reason); err != nil {
		fmt.Fprintf(orchestrator.stderr, "audit escalate for task %s: %v\n", t.ID, err)
	}
	t.EscalatedFrom = t.Stage
	if err := orchestrator.moveTo(ctx, t, stage.StageAwaitingHuman, reason); err != nil {
		return err
	}
	return orchestrator.notifyHuman(ctx, t, reason)
}

// markFailed parks a task in the failed terminal stage. Reserved for
// unrecoverable repository-level failures that no human release can resume.
func (orchestrator *Orchestrator) markFailed(ctx context.Context, t task.Task, reason string) error {
	if err := orchestrator.auditor.LogTaskFail(t.ID, string(t.Stage), reason); err != nil {
		fmt.Fprintf(orchestrator.stderr, "audit failure for task %s: %v\n", t.ID, err)
	}
	if err := orchestrator.moveTo(ctx, t, stage.StageFailed, reason); err != nil {
		return err
	}
	return orchestrator.notifyHuman(ctx, t, reason)
}

// escalateStale flags a long-idle task and hands it to a human.
func (orchestrator *Orchestrator) escalateStale(ctx context.Context, t task.Task) error {
	idleDays := int(orchestrator.now().Sub(t.UpdatedAt).Hours() / 24)
	if err := orchestrator.auditor.LogTaskStale(t.ID, string(t.Stage), idleDays); err != nil {
		fmt.Fprintf(orchestrator.stderr, "audit stale task %s: %v\n", t.ID, err)
	}
	return orchestrator.escalate(ctx, t, fmt.Sprintf("idle for %d days", idleDays))
}

// isStale reports whether a task has sat untouched past the stale threshold.
func (orchestrator *Orchestrator) isStale(t task.Task) bool {
	if orchestrator.limits.StaleDays <= 0 || t.UpdatedAt.IsZero() {
		return false
	}
	threshold := time.Duration(orchestrator.limits.StaleDays) * 24 * time.Hour
	return orchestrator.now().Sub(t.UpdatedAt) > threshold
}

// notifyHuman tags the configured human on the tracker, best effort.
func (orchestrator *Orchestrator) notifyHuman(ctx context.Context, t task.Task, reason string) error {
	if orchestrator.human == "" {
		return nil
	}
	return orchestrator.board.TagHuman(ctx, t.ID, fmt.Sprintf("@%s: %s", orchestrator.human, reason))
}

// project mirrors the task's stage onto the tracker, best effort.
func (orchestrator *Orchestrator) project(ctx context.Context, t task.Task) {
	if err := orchestrator.board.SetStageLabel(ctx, t.ID, t.Stage.Label()); err != nil {
		fmt.Fprintf(orchestrator.stderr, "set stage label for task %s: %v\n", t.ID, err)
	}
}

// ReleaseTask resumes an escalated task at the stage it was escalated from,
// counters preserved. Releasing into done runs the completion side effects.
func (orchestrator *Orchestrator) ReleaseTask(ctx context.Context, taskID string) (task.Task, error) {
	t, err := orchestrator.store.GetTask(taskID)
	if err != nil {
		return task.Task{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.Stage != stage.StageAwaitingHuman {
		return task.Task{}, fmt.Errorf("task %s is %s, not awaiting-human", taskID, t.Stage)
	}
	resumed := t.EscalatedFrom
	if resumed == "" || !resumed.IsValid() {
		resumed = stage.StageTriage
	}

	t.EscalatedFrom = ""
	t.StageIterations = 0
	from := t.Stage
	t.Stage = resumed
	if err := orchestrator.persist(t, from, "release"); err != nil {
		return task.Task{}, err
	}
	if err := orchestrator.auditor.LogTaskRelease(t.ID, string(resumed)); err != nil {
		fmt.Fprintf(orchestrator.stderr, "audit release for task %s: %v\n", t.ID, err)
	}
	orchestrator.project(ctx, t)
	if !resumed.RequiresWorkspace() {
		orchestrator.releaseWorkspace(ctx, t.ID, resumed, workspace.Discard)
	}

	if resumed == stage.StageDone {
		var summary Summary
		if err := orchestrator.finish(ctx, t, &summary); err != nil {
			return task.Task{}, err
		}
	}
	return t, nil
}
