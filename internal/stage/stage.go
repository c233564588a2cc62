// Package stage defines the task lifecycle stages and their label projection.
package stage

import (
	"fmt"
	"strings"
)

// Stage labels a task's position in the lifecycle.
type Stage string

const (
	// StageReady indicates the task is admitted but not yet started.
	StageReady Stage = "ready"
	// StageTriage indicates the task is being triaged by the product owner.
	StageTriage Stage = "triage"
	// StageDesign indicates the task is being designed by the architect.
	StageDesign Stage = "design"
	// StageDevelopment indicates the task is being implemented by the developer.
	StageDevelopment Stage = "development"
	// StageCodeReview indicates the implementation is under architect review.
	StageCodeReview Stage = "code-review"
	// StageQA indicates the work is being validated against acceptance criteria.
	StageQA Stage = "qa"
	// StageDone indicates the task completed successfully.
	StageDone Stage = "done"
	// StageAwaitingHuman indicates the task is suspended pending human action.
	StageAwaitingHuman Stage = "awaiting-human"
	// StageFailed indicates the task terminated unsuccessfully.
	StageFailed Stage = "failed"
)

// stageOrder lists every stage in lifecycle order.
var stageOrder = []Stage{
	StageReady,
	StageTriage,
	StageDesign,
	StageDevelopment,
	StageCodeReview,
	StageQA,
	StageDone,
	StageAwaitingHuman,
	StageFailed,
}

// Parse resolves a stage from its string name.
func Parse(name string) (Stage, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("stage name is required")
	}
	for _, candidate := range stageOrder {
		if string(candidate) == trimmed {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", trimmed)
}

// All returns every stage in lifecycle order.
func All() []Stage {
	stages := make([]Stage, len(stageOrder))
	copy(stages, stageOrder)
	return stages
}

// IsValid reports whether the stage is one of the enumerated lifecycle stages.
func (s Stage) IsValid() bool {
	for _, candidate := range stageOrder {
		if s == candidate {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the stage ends the lifecycle.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// IsSuspended reports whether the stage is parked pending human action.
func (s Stage) IsSuspended() bool {
	return s == StageAwaitingHuman
}

// RequiresWorkspace reports whether the stage needs a working tree.
func (s Stage) RequiresWorkspace() bool {
	switch s {
	case StageDevelopment, StageCodeReview, StageQA:
		return true
	default:
		return false
	}
}

// String returns the stage name.
func (s Stage) String() string {
	return string(s)
}

// Label returns the external tracker label projecting this stage.
// Labels are strictly a projection of the stage enum; decisions are never
// derived by reading labels back.
func (s Stage) Label() string {
	return string(s)
}

// FromLabels resolves the stage projected onto a tracker label set.
// Unknown or missing stage labels default to ready.
func FromLabels(labels []string) Stage {
	byName := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		byName[strings.TrimSpace(label)] = struct{}{}
	}
	for _, candidate := range stageOrder {
		if _, ok := byName[string(candidate)]; ok {
			return candidate
		}
	}
	return StageReady
}
