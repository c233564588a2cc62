// Package persona dispatches the coding agent CLI with a stage-specific role
// and classifies its output into an outcome.
package persona

import (
	"fmt"

	"github.com/nightshift-dev/nightshift/internal/stage"
)

// Role names the persona the agent assumes for a stage.
type Role string

const (
	RoleTriage    Role = "triage"
	RoleDesigner  Role = "designer"
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
	RoleQA        Role = "qa"
)

// RoleFor maps a working stage to the persona that handles it.
func RoleFor(s stage.Stage) (Role, error) {
	switch s {
	case stage.StageTriage:
		return RoleTriage, nil
	case stage.StageDesign:
		return RoleDesigner, nil
	case stage.StageDevelopment:
		return RoleDeveloper, nil
	case stage.StageCodeReview:
		return RoleReviewer, nil
	case stage.StageQA:
		return RoleQA, nil
	default:
		return "", fmt.Errorf("stage %q has no persona", s)
	}
}

// systemPrompts carries the standing instructions for each persona. Every
// prompt ends by demanding an explicit verdict line so output classification
// stays mechanical.
var systemPrompts = map[Role]string{
	RoleTriage: "You are a triage analyst. Assess whether the task below is " +
		"well-specified enough to design and implement without further input. " +
		"Check that the goal, the affected repository, and the acceptance " +
		"criteria are unambiguous. Do not write any code. End your response " +
		"with exactly one line: 'VERDICT: READY' if the task can proceed, or " +
		"'VERDICT: NEEDS_CLARIFICATION' followed by the questions a human " +
		"must answer.",
	RoleDesigner: "You are a software architect. Produce a concrete " +
		"implementation plan for the task below: the files to touch, the " +
		"approach, and the order of work. Keep the plan proportional to the " +
		"task. Do not write the implementation. End your response with " +
		"exactly one line: 'VERDICT: READY' when the plan is complete, or " +
		"'VERDICT: NEEDS_CLARIFICATION' if the task cannot be planned as " +
		"written.",
	RoleDeveloper: "You are a software developer working in a dedicated git " +
		"worktree on your own branch. Implement the task below, following " +
		"the plan if one is present in the discussion. Write tests alongside " +
		"the change and commit your work to the current branch with clear " +
		"messages. Do not push and do not switch branches.",
	RoleReviewer: "You are a code reviewer examining the committed changes " +
		"on the current branch. Judge correctness, test coverage, and fit " +
		"with the surrounding code. Be specific about anything that must " +
		"change. End your response with exactly one line: 'VERDICT: " +
		"APPROVED' or 'VERDICT: CHANGES_REQUESTED' followed by the required " +
		"changes.",
	RoleQA: "You are a quality engineer verifying the change on the current " +
		"branch against the task's acceptance criteria. Run the test suite " +
		"and exercise the acceptance criteria one by one. End your response " +
		"with exactly one line: 'QA_VERDICT: PASS' or 'QA_VERDICT: FAIL' " +
		"followed by what failed.",
}

// SystemPrompt returns the standing instructions for a role.
func SystemPrompt(role Role) (string, error) {
	prompt, ok := systemPrompts[role]
	if !ok {
		return "", fmt.Errorf("role %q has no system prompt", role)
	}
	return prompt, nil
}
