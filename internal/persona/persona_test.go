package persona

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/nightshift-dev/nightshift/internal/config"
	"github.com/nightshift-dev/nightshift/internal/stage"
	"github.com/nightshift-dev/nightshift/internal/task"
)

func promptTask(id string) task.Task {
	return task.Task{
		ID:          id,
		Title:       "add retry",
		Repo:        "acme/widgets",
		TaskSection: "Add retry to the fetch path.",
	}
}

// TestRoleForCoversWorkingStages maps every working stage to a persona.
func TestRoleForCoversWorkingStages(t *testing.T) {
	cases := map[stage.Stage]Role{
		stage.StageTriage:      RoleTriage,
		stage.StageDesign:      RoleDesigner,
		stage.StageDevelopment: RoleDeveloper,
		stage.StageCodeReview:  RoleReviewer,
		stage.StageQA:          RoleQA,
	}
	for s, want := range cases {
		role, err := RoleFor(s)
		if err != nil {
			t.Fatalf("RoleFor(%s) error: %v", s, err)
		}
		if role != want {
			t.Fatalf("RoleFor(%s) = %q, want %q", s, role, want)
		}
	}
	if _, err := RoleFor(stage.StageDone); err == nil {
		t.Fatal("expected error for terminal stage")
	}
	if _, err := RoleFor(stage.StageReady); err == nil {
		t.Fatal("expected error for ready stage")
	}
}

// TestClassifierVerdicts exercises the default verdict patterns.
func TestClassifierVerdicts(t *testing.T) {
	classifier, err := NewClassifier(config.Defaults().Agent.Verdicts)
	if err != nil {
		t.Fatalf("NewClassifier error: %v", err)
	}

	cases := []struct {
		name   string
		output string
		want   stage.Outcome
	}{
		{"triage ready", "analysis...\nVERDICT: READY\n", stage.OutcomeAdvance},
		{"review approved", "looks good\nVERDICT: APPROVED", stage.OutcomeAdvance},
		{"qa pass", "all criteria met\nQA_VERDICT: PASS", stage.OutcomeAdvance},
		{"needs clarification", "VERDICT: NEEDS_CLARIFICATION\n- which endpoint?", stage.OutcomeRequestChanges},
		{"changes requested", "VERDICT: CHANGES_REQUESTED\n- missing test", stage.OutcomeRequestChanges},
		{"qa fail", "QA_VERDICT: FAIL\ncriterion 2 unmet", stage.OutcomeRequestChanges},
		{"rejected", "this is out of scope\nVERDICT: REJECTED", stage.OutcomeReject},
		{"no marker", "I did some work but forgot to conclude", stage.OutcomeError},
		{"marker mid-sentence ignored", "the line VERDICT: READY must be last", stage.OutcomeError},
		{"mixed markers resolve conservatively", "VERDICT: READY\nVERDICT: REJECTED", stage.OutcomeReject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := classifier.Classify(tc.output)
			if err != nil {
				t.Fatalf("Classify error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Classify = %q, want %q", got, tc.want)
			}
		})
	}
}

func testDispatcher(t *testing.T, command []string) Dispatcher {
	t.Helper()
	agent := config.Defaults().Agent
	agent.Command = command
	dispatcher, err := NewDispatcher(agent, t.TempDir())
	if err != nil {
		t.Fatalf("NewDispatcher error: %v", err)
	}
	return dispatcher
}

// TestInvokeClassifiesScriptedOutput runs a stand-in agent end to end.
func TestInvokeClassifiesScriptedOutput(t *testing.T) {
	dispatcher := testDispatcher(t, []string{
		"sh", "-c", "echo persona output; echo 'VERDICT: APPROVED' # {prompt}",
	})

	result, err := dispatcher.Invoke(context.Background(), promptTask("42"), RoleReviewer, "")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if result.Outcome != stage.OutcomeAdvance {
		t.Fatalf("outcome = %q, want advance", result.Outcome)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d", result.ExitCode)
	}
	transcript, err := os.ReadFile(result.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(transcript), "persona output") {
		t.Fatalf("transcript = %q", transcript)
	}
}

// TestInvokeDeveloperAdvancesOnCleanExit skips verdict classification.
func TestInvokeDeveloperAdvancesOnCleanExit(t *testing.T) {
	dispatcher := testDispatcher(t, []string{
		"sh", "-c", "echo implemented, no verdict line # {prompt}",
	})
	result, err := dispatcher.Invoke(context.Background(), promptTask("42"), RoleDeveloper, "")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if result.Outcome != stage.OutcomeAdvance {
		t.Fatalf("outcome = %q, want advance", result.Outcome)
	}
}

// TestInvokeFailedProcessIsErrorOutcome maps non-zero exits to error.
func TestInvokeFailedProcessIsErrorOutcome(t *testing.T) {
	dispatcher := testDispatcher(t, []string{
		"sh", "-c", "echo boom >&2; exit 3 # {prompt}",
	})
	result, err := dispatcher.Invoke(context.Background(), promptTask("42"), RoleQA, "")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if result.Outcome != stage.OutcomeError {
		t.Fatalf("outcome = %q, want error", result.Outcome)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
}

// TestInvokePromptCarriesPriorTranscript feeds the previous persona's output
// into the next dispatch for the same task.
func TestInvokePromptCarriesPriorTranscript(t *testing.T) {
	dispatcher := testDispatcher(t, []string{
		"sh", "-c", `printf '%s\n' "$0"; echo 'VERDICT: CHANGES_REQUESTED'; echo '- rename the flag'`, "{prompt}",
	})

	first, err := dispatcher.Invoke(context.Background(), promptTask("42"), RoleReviewer, "")
	if err != nil {
		t.Fatalf("first Invoke error: %v", err)
	}
	if first.Outcome != stage.OutcomeRequestChanges {
		t.Fatalf("first outcome = %q, want request-changes", first.Outcome)
	}

	second, err := dispatcher.Invoke(context.Background(), promptTask("42"), RoleReviewer, "")
	if err != nil {
		t.Fatalf("second Invoke error: %v", err)
	}
	transcript, err := os.ReadFile(second.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(transcript), "Previous Persona Output") {
		t.Fatalf("second prompt missing prior transcript section:\n%s", transcript)
	}
	if !strings.Contains(string(transcript), "- rename the flag") {
		t.Fatalf("second prompt missing prior feedback:\n%s", transcript)
	}
}

// TestInvokeAbortedByShutdownReturnsError surfaces cancellation to the caller.
func TestInvokeAbortedByShutdownReturnsError(t *testing.T) {
	dispatcher := testDispatcher(t, []string{
		"sh", "-c", "sleep 5 # {prompt}",
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dispatcher.Invoke(ctx, promptTask("42"), RoleQA, ""); err == nil {
		t.Fatal("expected error for aborted dispatch")
	}
}

// TestInvokeRejectsTemplateWithoutPrompt refuses a command that drops the task.
func TestInvokeRejectsTemplateWithoutPrompt(t *testing.T) {
	dispatcher := testDispatcher(t, []string{"sh", "-c", "true"})
	if _, err := dispatcher.Invoke(context.Background(), promptTask("42"), RoleQA, ""); err == nil {
		t.Fatal("expected error for template without {prompt}")
	}
}
