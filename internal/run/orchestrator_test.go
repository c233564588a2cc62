// Tests for the lifecycle orchestrator using a scripted agent stand-in.
package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
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
	"github.com/nightshift-dev/nightshift/internal/workspace"
)

// scriptedInvoker replays a fixed outcome sequence per task.
type scriptedInvoker struct {
	outcomes map[string][]stage.Outcome
	calls    []string
	abort    func(taskID string) bool
}

func (invoker *scriptedInvoker) Invoke(ctx context.Context, t task.Task, role persona.Role, workDir string) (persona.Result, error) {
	invoker.calls = append(invoker.calls, fmt.Sprintf("%s:%s", t.ID, role))
	if invoker.abort != nil && invoker.abort(t.ID) {
		return persona.Result{}, fmt.Errorf("dispatch for task %s aborted: %w", t.ID, context.Canceled)
	}
	queue := invoker.outcomes[t.ID]
	if len(queue) == 0 {
		return persona.Result{Outcome: stage.OutcomeAdvance}, nil
	}
	next := queue[0]
	invoker.outcomes[t.ID] = queue[1:]
	return persona.Result{Outcome: next}, nil
}

// fakeWorkspaces provisions in-memory workspaces without touching git.
type fakeWorkspaces struct {
	fail     bool
	acquired []string
	active   map[string]workspace.Workspace
	released []string
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{active: make(map[string]workspace.Workspace)}
}

func (fake *fakeWorkspaces) Acquire(ctx context.Context, t task.Task) (workspace.Workspace, error) {
	if fake.fail {
		return workspace.Workspace{}, fmt.Errorf("task %s: %w: clone failed", t.ID, workspace.ErrUnavailable)
	}
	fake.acquired = append(fake.acquired, t.ID)
	ws := workspace.Workspace{TaskID: t.ID, Repo: t.Repo, Branch: t.BranchName(), Path: "/tmp/trees/" + t.ID}
	fake.active[t.ID] = ws
	return ws, nil
}

func (fake *fakeWorkspaces) Release(ctx context.Context, taskID string, mode workspace.ReleaseMode) error {
	delete(fake.active, taskID)
	fake.released = append(fake.released, taskID+":"+string(mode))
	return nil
}

func (fake *fakeWorkspaces) Active(taskID string) (workspace.Workspace, bool) {
	ws, ok := fake.active[taskID]
	return ws, ok
}

// recordingBoard records tracker projections.
type recordingBoard struct {
	labels   []string
	comments []string
	tags     []string
	closed   []string
}

func (board *recordingBoard) SetStageLabel(ctx context.Context, taskID string, label string) error {
	board.labels = append(board.labels, taskID+":"+label)
	return nil
}

func (board *recordingBoard) PostComment(ctx context.Context, taskID string, body string) error {
	board.comments = append(board.comments, taskID+":"+body)
	return nil
}

func (board *recordingBoard) TagHuman(ctx context.Context, taskID string, reason string) error {
	board.tags = append(board.tags, taskID+":"+reason)
	return nil
}

func (board *recordingBoard) CloseTask(ctx context.Context, taskID string) error {
	board.closed = append(board.closed, taskID)
	return nil
}

// harness bundles an orchestrator with its collaborators and a fixed clock.
type harness struct {
	orchestrator *Orchestrator
	store        *store.Store
	invoker      *scriptedInvoker
	workspaces   *fakeWorkspaces
	board        *recordingBoard
	clock        time.Time
}

func newHarness(t *testing.T, limitsCfg config.LimitsConfig) *harness {
	t.Helper()

	taskStore, err := store.Open(filepath.Join(t.TempDir(), "run.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = taskStore.Close() })

	clock := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	enforcer, err := limits.NewEnforcer(taskStore, limitsCfg, time.UTC)
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}
	enforcer.SetClock(now)

	recurrence, err := recurring.NewTracker(taskStore)
	if err != nil {
		t.Fatalf("new recurring tracker: %v", err)
	}
	recurrence.SetClock(now)

	selector := schedule.NewSelector(config.ScheduleConfig{
		NightWindowStart: 2,
		NightWindowEnd:   8,
		Timezone:         "UTC",
	}, time.UTC)
	selector.SetClock(now)

	auditor, err := audit.NewLogger(t.TempDir(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}

	invoker := &scriptedInvoker{outcomes: make(map[string][]stage.Outcome)}
	workspaces := newFakeWorkspaces()
	board := &recordingBoard{}

	orchestrator, err := NewOrchestrator(Options{
		Store:      taskStore,
		Enforcer:   enforcer,
		Recurrence: recurrence,
		Selector:   selector,
		Workspaces: workspaces,
		Invoker:    invoker,
		Board:      board,
		Auditor:    auditor,
		Limits:     limitsCfg,
		Human:      "alex",
		Stdout:     &bytes.Buffer{},
		Stderr:     &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	orchestrator.SetClock(now)

	return &harness{
		orchestrator: orchestrator,
		store:        taskStore,
		invoker:      invoker,
		workspaces:   workspaces,
		board:        board,
		clock:        clock,
	}
}

func (h *harness) createTask(t *testing.T, spec task.Task) {
	t.Helper()
	if spec.Priority == "" {
		spec.Priority = task.PriorityMedium
	}
	if spec.Schedule == "" {
		spec.Schedule = task.ScheduleOnce
	}
	if spec.Stage == "" {
		spec.Stage = stage.StageReady
	}
	if spec.Repo == "" {
		spec.Repo = "acme/widgets"
	}
	if spec.TaskSection == "" {
		spec.TaskSection = "do the thing"
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = h.clock
	}
	if spec.UpdatedAt.IsZero() {
		spec.UpdatedAt = h.clock
	}
	if err := h.store.CreateTask(spec); err != nil {
		t.Fatalf("create task %s: %v", spec.ID, err)
	}
}

func (h *harness) tick(t *testing.T) Summary {
	t.Helper()
	summary, err := h.orchestrator.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return summary
}

func (h *harness) mustGet(t *testing.T, id string) task.Task {
	t.Helper()
	loaded, err := h.store.GetTask(id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return loaded
}

// runToQuiescence ticks until no task moves, bounded to catch livelock.
func (h *harness) runToQuiescence(t *testing.T) {
	t.Helper()
	for i := 0; i < 40; i++ {
		summary := h.tick(t)
		if summary.Dispatched == 0 && summary.Transitions == 0 && summary.Escalated == 0 && summary.Failed == 0 {
			return
		}
	}
	t.Fatal("tasks never settled")
}

func defaultLimits() config.LimitsConfig {
	cfg := config.Defaults().Limits
	return cfg
}

// TestLifecycleAdvanceWithOneQAFailure drives a task from ready to done. The
// single QA failure cycles back to development and charges exactly one qa
// cycle.
func TestLifecycleAdvanceWithOneQAFailure(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "42"})
	h.invoker.outcomes["42"] = []stage.Outcome{
		stage.OutcomeAdvance,        // triage
		stage.OutcomeAdvance,        // design
		stage.OutcomeAdvance,        // development
		stage.OutcomeAdvance,        // code-review
		stage.OutcomeRequestChanges, // qa fails once
		stage.OutcomeAdvance,        // development again
		stage.OutcomeAdvance,        // code-review again
		stage.OutcomeAdvance,        // qa passes
	}

	h.runToQuiescence(t)

	final := h.mustGet(t, "42")
	if final.Stage != stage.StageDone {
		t.Fatalf("stage = %q, want done", final.Stage)
	}
	if final.QACycles != 1 {
		t.Fatalf("qa_cycles = %d, want 1", final.QACycles)
	}
	if final.ReviewCycles != 0 {
		t.Fatalf("review_cycles = %d, want 0", final.ReviewCycles)
	}
	if len(h.workspaces.active) != 0 {
		t.Fatalf("workspace leaked: %v", h.workspaces.active)
	}
	if len(h.workspaces.released) != 1 || h.workspaces.released[0] != "42:discard" {
		t.Fatalf("released = %v, want one discard on done", h.workspaces.released)
	}
	if len(h.board.closed) != 1 || h.board.closed[0] != "42" {
		t.Fatalf("closed = %v", h.board.closed)
	}
}

// TestCleanAdvanceHasZeroReviewCycles covers the straight-through path.
func TestCleanAdvanceHasZeroReviewCycles(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "7"})

	h.runToQuiescence(t)

	final := h.mustGet(t, "7")
	if final.Stage != stage.StageDone {
		t.Fatalf("stage = %q, want done", final.Stage)
	}
	if final.ReviewCycles != 0 || final.QACycles != 0 {
		t.Fatalf("cycles = %d/%d, want 0/0", final.ReviewCycles, final.QACycles)
	}
	if final.StageIterations != 0 {
		t.Fatalf("stage_iterations = %d, want 0 after final transition", final.StageIterations)
	}
	wantComments := []string{
		"7:triage: advance",
		"7:designer: advance",
		"7:developer: advance",
		"7:reviewer: advance",
		"7:qa: advance",
	}
	if len(h.board.comments) != len(wantComments) {
		t.Fatalf("comments = %v, want %v", h.board.comments, wantComments)
	}
	for i, want := range wantComments {
		if h.board.comments[i] != want {
			t.Fatalf("comments = %v, want %v", h.board.comments, wantComments)
		}
	}
}

// TestReviewCycleCapEscalates allows max_review_cycles rejections and
// escalates on the next one.
func TestReviewCycleCapEscalates(t *testing.T) {
	limitsCfg := defaultLimits()
	limitsCfg.MaxReviewCycles = 3
	h := newHarness(t, limitsCfg)
	h.createTask(t, task.Task{ID: "9", Stage: stage.StageCodeReview})
	// Development always advances back to review; review always rejects.
	h.invoker.outcomes["9"] = []stage.Outcome{
		stage.OutcomeRequestChanges, // cycle 1
		stage.OutcomeAdvance,
		stage.OutcomeRequestChanges, // cycle 2
		stage.OutcomeAdvance,
		stage.OutcomeRequestChanges, // cycle 3
		stage.OutcomeAdvance,
		stage.OutcomeRequestChanges, // 4th rejection: cap reached
	}

	h.runToQuiescence(t)

	final := h.mustGet(t, "9")
	if final.Stage != stage.StageAwaitingHuman {
		t.Fatalf("stage = %q, want awaiting-human", final.Stage)
	}
	if final.ReviewCycles != 3 {
		t.Fatalf("review_cycles = %d, want 3", final.ReviewCycles)
	}
	if final.EscalatedFrom != stage.StageCodeReview {
		t.Fatalf("escalated_from = %q", final.EscalatedFrom)
	}
	if len(h.board.tags) == 0 {
		t.Fatal("expected human tag on escalation")
	}
}

// TestIterationCeilingEscalatesWithoutDispatch stops a stuck stage before
// spending another agent run on it.
func TestIterationCeilingEscalatesWithoutDispatch(t *testing.T) {
	limitsCfg := defaultLimits()
	limitsCfg.StageIterationCeiling = 5
	h := newHarness(t, limitsCfg)
	h.createTask(t, task.Task{ID: "11", Stage: stage.StageDesign, StageIterations: 5})

	summary := h.tick(t)

	if summary.Escalated != 1 {
		t.Fatalf("escalated = %d, want 1", summary.Escalated)
	}
	if len(h.invoker.calls) != 0 {
		t.Fatalf("expected no dispatch, got %v", h.invoker.calls)
	}
	final := h.mustGet(t, "11")
	if final.Stage != stage.StageAwaitingHuman {
		t.Fatalf("stage = %q, want awaiting-human", final.Stage)
	}
	if final.EscalatedFrom != stage.StageDesign {
		t.Fatalf("escalated_from = %q", final.EscalatedFrom)
	}
}

// TestStageIterationsResetOnStageChange recounts from zero in the next stage.
func TestStageIterationsResetOnStageChange(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "12", Stage: stage.StageTriage, StageIterations: 7})
	h.invoker.outcomes["12"] = []stage.Outcome{stage.OutcomeAdvance}

	h.tick(t)

	final := h.mustGet(t, "12")
	if final.Stage != stage.StageDesign {
		t.Fatalf("stage = %q, want design", final.Stage)
	}
	if final.StageIterations != 0 {
		t.Fatalf("stage_iterations = %d, want 0", final.StageIterations)
	}
}

// TestRequestChangesWithinStageCountsIterations keeps the counter growing
// when the stage does not change.
func TestRequestChangesWithinStageCountsIterations(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "13", Stage: stage.StageTriage})
	h.invoker.outcomes["13"] = []stage.Outcome{stage.OutcomeRequestChanges}

	h.tick(t)

	final := h.mustGet(t, "13")
	if final.Stage != stage.StageTriage {
		t.Fatalf("stage = %q, want triage", final.Stage)
	}
	if final.StageIterations != 1 {
		t.Fatalf("stage_iterations = %d, want 1", final.StageIterations)
	}
}

// TestDailyCapDeniesFurtherAdmissions admits up to the cap and leaves the
// rest in ready until the next day.
func TestDailyCapDeniesFurtherAdmissions(t *testing.T) {
	limitsCfg := defaultLimits()
	limitsCfg.MaxTasksPerDay = 1
	h := newHarness(t, limitsCfg)
	h.createTask(t, task.Task{ID: "1"})
	h.createTask(t, task.Task{ID: "2"})

	summary := h.tick(t)
	if summary.Transitions != 1 {
		t.Fatalf("transitions = %d, want 1", summary.Transitions)
	}
	if summary.Denied != 1 {
		t.Fatalf("denied = %d, want 1", summary.Denied)
	}

	first := h.mustGet(t, "1")
	second := h.mustGet(t, "2")
	if first.Stage != stage.StageTriage {
		t.Fatalf("first stage = %q, want triage", first.Stage)
	}
	if second.Stage != stage.StageReady {
		t.Fatalf("second stage = %q, want ready", second.Stage)
	}
}

// TestUnsatisfiedDependencyPinsTaskInReady blocks dependents until done.
func TestUnsatisfiedDependencyPinsTaskInReady(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "base", Stage: stage.StageQA})
	h.createTask(t, task.Task{ID: "dep", DependsOn: []string{"base"}})
	h.invoker.outcomes["base"] = []stage.Outcome{stage.OutcomeAdvance}

	h.tick(t)

	dependent := h.mustGet(t, "dep")
	if dependent.Stage != stage.StageReady {
		t.Fatalf("dependent stage = %q, want ready while dependency runs", dependent.Stage)
	}

	// base reached done on the first tick, so the dependent now admits.
	h.tick(t)
	dependent = h.mustGet(t, "dep")
	if dependent.Stage != stage.StageTriage {
		t.Fatalf("dependent stage = %q, want triage after dependency done", dependent.Stage)
	}
}

// TestNightOnlyTaskWaitsForWindow holds night-only work outside the window.
func TestNightOnlyTaskWaitsForWindow(t *testing.T) {
	h := newHarness(t, defaultLimits())
	daytime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.orchestrator.selector.SetClock(func() time.Time { return daytime })
	h.createTask(t, task.Task{ID: "21", NightOnly: true})
	h.createTask(t, task.Task{ID: "22"})

	h.tick(t)

	if h.mustGet(t, "21").Stage != stage.StageReady {
		t.Fatal("night-only task admitted outside window")
	}
	if h.mustGet(t, "22").Stage != stage.StageTriage {
		t.Fatal("unrestricted task not admitted")
	}
}

// TestNightOnlyTaskPausesMidStageOutsideWindow stops in-flight night work
// from dispatching once the window closes, and resumes it when it reopens.
func TestNightOnlyTaskPausesMidStageOutsideWindow(t *testing.T) {
	h := newHarness(t, defaultLimits())
	daytime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.orchestrator.selector.SetClock(func() time.Time { return daytime })
	h.createTask(t, task.Task{ID: "23", NightOnly: true, Stage: stage.StageDevelopment})
	h.invoker.outcomes["23"] = []stage.Outcome{stage.OutcomeAdvance}

	h.tick(t)

	if len(h.invoker.calls) != 0 {
		t.Fatalf("night-only task dispatched outside window: %v", h.invoker.calls)
	}
	if h.mustGet(t, "23").Stage != stage.StageDevelopment {
		t.Fatalf("stage = %q, want development held", h.mustGet(t, "23").Stage)
	}

	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	h.orchestrator.selector.SetClock(func() time.Time { return night })

	h.tick(t)

	if len(h.invoker.calls) != 1 || h.invoker.calls[0] != "23:developer" {
		t.Fatalf("calls = %v, want one developer dispatch", h.invoker.calls)
	}
	if h.mustGet(t, "23").Stage != stage.StageCodeReview {
		t.Fatalf("stage = %q, want code-review", h.mustGet(t, "23").Stage)
	}
}

// TestWorkspaceUnavailableMarksTaskFailed ends the task when its repository
// cannot be provisioned; no persona run would recover it.
func TestWorkspaceUnavailableMarksTaskFailed(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.workspaces.fail = true
	h.createTask(t, task.Task{ID: "31", Stage: stage.StageDevelopment})

	summary := h.tick(t)

	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1", summary.Failed)
	}
	if len(h.invoker.calls) != 0 {
		t.Fatalf("expected no dispatch, got %v", h.invoker.calls)
	}
	final := h.mustGet(t, "31")
	if final.Stage != stage.StageFailed {
		t.Fatalf("stage = %q, want failed", final.Stage)
	}
	if len(h.workspaces.acquired) != 0 {
		t.Fatalf("workspace acquired despite failure: %v", h.workspaces.acquired)
	}
	if len(h.board.tags) == 0 {
		t.Fatal("expected human tag on failure")
	}
	last := h.board.labels[len(h.board.labels)-1]
	if last != "31:failed" {
		t.Fatalf("last label = %q, want %q", last, "31:failed")
	}

	// Terminal: the next tick must not touch it.
	h.tick(t)
	if len(h.invoker.calls) != 0 {
		t.Fatalf("failed task dispatched: %v", h.invoker.calls)
	}
}

// TestTriageRunsWithoutWorkspace keeps early stages out of git entirely.
func TestTriageRunsWithoutWorkspace(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "41", Stage: stage.StageTriage})
	h.invoker.outcomes["41"] = []stage.Outcome{stage.OutcomeAdvance}

	h.tick(t)

	if len(h.workspaces.acquired) != 0 {
		t.Fatalf("triage acquired a workspace: %v", h.workspaces.acquired)
	}
}

// TestShutdownLeavesStageUnchanged aborts mid-dispatch without persisting.
func TestShutdownLeavesStageUnchanged(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "51", Stage: stage.StageDesign, StageIterations: 2})

	ctx, cancel := context.WithCancel(context.Background())
	h.invoker.abort = func(taskID string) bool {
		cancel()
		return true
	}

	summary, err := h.orchestrator.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Dispatched != 0 {
		t.Fatalf("dispatched = %d, want 0", summary.Dispatched)
	}

	final := h.mustGet(t, "51")
	if final.Stage != stage.StageDesign {
		t.Fatalf("stage = %q, want design unchanged", final.Stage)
	}
	if final.StageIterations != 2 {
		t.Fatalf("stage_iterations = %d, want 2 unchanged", final.StageIterations)
	}
}

// TestRecurringTaskSpawnsSuccessorOnDone produces exactly one deferred clone.
func TestRecurringTaskSpawnsSuccessorOnDone(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "61", Stage: stage.StageQA, Schedule: task.ScheduleDaily})
	h.invoker.outcomes["61"] = []stage.Outcome{stage.OutcomeAdvance}

	summary := h.tick(t)
	if summary.Spawned != 1 {
		t.Fatalf("spawned = %d, want 1", summary.Spawned)
	}

	tasks, err := h.store.ListTasks()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	var clone task.Task
	for _, candidate := range tasks {
		if candidate.ID != "61" {
			clone = candidate
		}
	}
	if clone.Stage != stage.StageReady {
		t.Fatalf("clone stage = %q", clone.Stage)
	}
	if !clone.EligibleAt.Equal(h.clock.Add(24 * time.Hour)) {
		t.Fatalf("clone eligible_at = %v", clone.EligibleAt)
	}

	// The clone is deferred, so the next tick must not admit it.
	h.tick(t)
	if h.mustGet(t, clone.ID).Stage != stage.StageReady {
		t.Fatal("deferred clone was admitted early")
	}
}

// TestHumanReviewGateHoldsBeforeDone re-routes completion through a human.
func TestHumanReviewGateHoldsBeforeDone(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "71", Stage: stage.StageQA, HumanReview: true})
	h.invoker.outcomes["71"] = []stage.Outcome{stage.OutcomeAdvance}

	h.tick(t)

	held := h.mustGet(t, "71")
	if held.Stage != stage.StageAwaitingHuman {
		t.Fatalf("stage = %q, want awaiting-human", held.Stage)
	}
	if held.EscalatedFrom != stage.StageDone {
		t.Fatalf("escalated_from = %q, want done", held.EscalatedFrom)
	}
	if _, ok := h.workspaces.Active("71"); !ok {
		t.Fatal("workspace reclaimed during the human hold")
	}
	if len(h.workspaces.released) != 0 {
		t.Fatalf("released = %v, want workspace held for inspection", h.workspaces.released)
	}

	released, err := h.orchestrator.ReleaseTask(context.Background(), "71")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Stage != stage.StageDone {
		t.Fatalf("released stage = %q, want done", released.Stage)
	}
	if len(h.board.closed) != 1 {
		t.Fatalf("closed = %v", h.board.closed)
	}
	if len(h.workspaces.released) != 1 || h.workspaces.released[0] != "71:discard" {
		t.Fatalf("released = %v, want one discard after the human sign-off", h.workspaces.released)
	}
	if _, ok := h.workspaces.Active("71"); ok {
		t.Fatal("workspace still registered after done")
	}
}

// TestReleaseTaskResumesEscalatedStage restores a task with counters intact.
func TestReleaseTaskResumesEscalatedStage(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{
		ID:            "81",
		Stage:         stage.StageAwaitingHuman,
		EscalatedFrom: stage.StageCodeReview,
		ReviewCycles:  2,
	})

	released, err := h.orchestrator.ReleaseTask(context.Background(), "81")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Stage != stage.StageCodeReview {
		t.Fatalf("stage = %q, want code-review", released.Stage)
	}
	if released.ReviewCycles != 2 {
		t.Fatalf("review_cycles = %d, want 2 preserved", released.ReviewCycles)
	}
	if released.StageIterations != 0 {
		t.Fatalf("stage_iterations = %d, want 0", released.StageIterations)
	}
}

// TestReleaseTaskRejectsNonEscalatedTasks refuses to move working tasks.
func TestReleaseTaskRejectsNonEscalatedTasks(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "82", Stage: stage.StageDesign})

	if _, err := h.orchestrator.ReleaseTask(context.Background(), "82"); err == nil {
		t.Fatal("expected error releasing a working task")
	}
	if _, err := h.orchestrator.ReleaseTask(context.Background(), "404"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// TestStaleTaskEscalates flags tasks idle past the threshold.
func TestStaleTaskEscalates(t *testing.T) {
	limitsCfg := defaultLimits()
	limitsCfg.StaleDays = 14
	h := newHarness(t, limitsCfg)
	h.createTask(t, task.Task{
		ID:        "91",
		Stage:     stage.StageDesign,
		UpdatedAt: h.clock.Add(-15 * 24 * time.Hour),
	})

	summary := h.tick(t)

	if summary.Escalated != 1 {
		t.Fatalf("escalated = %d, want 1", summary.Escalated)
	}
	final := h.mustGet(t, "91")
	if final.Stage != stage.StageAwaitingHuman {
		t.Fatalf("stage = %q, want awaiting-human", final.Stage)
	}
	if len(h.invoker.calls) != 0 {
		t.Fatalf("stale task dispatched: %v", h.invoker.calls)
	}
}

// TestPriorityOrdersAdmission admits high priority work first under a cap.
func TestPriorityOrdersAdmission(t *testing.T) {
	limitsCfg := defaultLimits()
	limitsCfg.MaxTasksPerDay = 1
	h := newHarness(t, limitsCfg)
	h.createTask(t, task.Task{ID: "low", Priority: task.PriorityLow})
	h.createTask(t, task.Task{ID: "high", Priority: task.PriorityHigh})

	h.tick(t)

	if h.mustGet(t, "high").Stage != stage.StageTriage {
		t.Fatal("high priority task not admitted")
	}
	if h.mustGet(t, "low").Stage != stage.StageReady {
		t.Fatal("low priority task admitted over high")
	}
}

// TestTrackerProjectionFollowsStage mirrors every stage change as a label.
func TestTrackerProjectionFollowsStage(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "95", Stage: stage.StageTriage})
	h.invoker.outcomes["95"] = []stage.Outcome{stage.OutcomeAdvance}

	h.tick(t)

	if len(h.board.labels) == 0 {
		t.Fatal("no label projection recorded")
	}
	last := h.board.labels[len(h.board.labels)-1]
	if last != "95:design" {
		t.Fatalf("last label = %q, want %q", last, "95:design")
	}
}
