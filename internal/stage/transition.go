// Package stage defines outcome classification and the stage transition table.
package stage

import "fmt"

// Outcome labels the result of a single persona dispatch.
type Outcome string

const (
	// OutcomeAdvance indicates the persona accepted the work at this stage.
	OutcomeAdvance Outcome = "advance"
	// OutcomeRequestChanges indicates the persona wants another pass.
	OutcomeRequestChanges Outcome = "request-changes"
	// OutcomeReject indicates the persona declined the task outright.
	OutcomeReject Outcome = "reject"
	// OutcomeError indicates the dispatch terminated abnormally.
	OutcomeError Outcome = "error"
	// OutcomeTimeout indicates the dispatch exceeded its configured timeout.
	OutcomeTimeout Outcome = "timeout"
)

// CycleKind names the back-edge counter a transition charges, if any.
type CycleKind string

const (
	// CycleNone indicates the transition charges no cycle counter.
	CycleNone CycleKind = ""
	// CycleReview indicates the transition charges review_cycles.
	CycleReview CycleKind = "review"
	// CycleQA indicates the transition charges qa_cycles.
	CycleQA CycleKind = "qa"
)

// Transition describes the effect of applying an outcome at a stage.
type Transition struct {
	Next  Stage
	Cycle CycleKind
}

// transitionTable maps each working stage and outcome to its transition.
// Cells absent from the table are undefined combinations; Apply reports them
// as errors and the orchestrator escalates.
var transitionTable = map[Stage]map[Outcome]Transition{
	StageTriage: {
		OutcomeAdvance:        {Next: StageDesign},
		OutcomeRequestChanges: {Next: StageTriage},
		OutcomeReject:         {Next: StageAwaitingHuman},
		OutcomeError:          {Next: StageAwaitingHuman},
		OutcomeTimeout:        {Next: StageAwaitingHuman},
	},
	StageDesign: {
		OutcomeAdvance:        {Next: StageDevelopment},
		OutcomeRequestChanges: {Next: StageDesign},
		OutcomeReject:         {Next: StageAwaitingHuman},
		OutcomeError:          {Next: StageAwaitingHuman},
		OutcomeTimeout:        {Next: StageAwaitingHuman},
	},
	StageDevelopment: {
		OutcomeAdvance: {Next: StageCodeReview},
		OutcomeError:   {Next: StageAwaitingHuman},
		OutcomeTimeout: {Next: StageAwaitingHuman},
	},
	StageCodeReview: {
		OutcomeAdvance:        {Next: StageQA},
		OutcomeRequestChanges: {Next: StageDevelopment, Cycle: CycleReview},
		OutcomeReject:         {Next: StageAwaitingHuman},
		OutcomeError:          {Next: StageAwaitingHuman},
		OutcomeTimeout:        {Next: StageAwaitingHuman},
	},
	StageQA: {
		OutcomeAdvance:        {Next: StageDone},
		OutcomeRequestChanges: {Next: StageDevelopment, Cycle: CycleQA},
		OutcomeReject:         {Next: StageAwaitingHuman},
		OutcomeError:          {Next: StageAwaitingHuman},
		OutcomeTimeout:        {Next: StageAwaitingHuman},
	},
}

// Apply resolves the transition for the provided stage and outcome.
func Apply(current Stage, outcome Outcome) (Transition, error) {
	outcomes, ok := transitionTable[current]
	if !ok {
		return Transition{}, fmt.Errorf("stage %q has no transitions", current)
	}
	transition, ok := outcomes[outcome]
	if !ok {
		return Transition{}, fmt.Errorf("outcome %q is undefined at stage %q", outcome, current)
	}
	return transition, nil
}
