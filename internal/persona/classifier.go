package persona

import (
	"fmt"

	"github.com/dlclark/regexp2"

	"github.com/nightshift-dev/nightshift/internal/config"
	"github.com/nightshift-dev/nightshift/internal/stage"
)

// Classifier maps agent output to an outcome using the configured verdict
// patterns.
type Classifier struct {
	advance        *regexp2.Regexp
	requestChanges *regexp2.Regexp
	reject         *regexp2.Regexp
}

// NewClassifier compiles the verdict patterns. Patterns are restricted to RE2
// semantics so classification cost stays linear in the output size.
func NewClassifier(verdicts config.VerdictConfig) (Classifier, error) {
	advance, err := regexp2.Compile(verdicts.Advance, regexp2.RE2)
	if err != nil {
		return Classifier{}, fmt.Errorf("compile advance verdict pattern: %w", err)
	}
	requestChanges, err := regexp2.Compile(verdicts.RequestChanges, regexp2.RE2)
	if err != nil {
		return Classifier{}, fmt.Errorf("compile request-changes verdict pattern: %w", err)
	}
	reject, err := regexp2.Compile(verdicts.Reject, regexp2.RE2)
	if err != nil {
		return Classifier{}, fmt.Errorf("compile reject verdict pattern: %w", err)
	}
	return Classifier{
		advance:        advance,
		requestChanges: requestChanges,
		reject:         reject,
	}, nil
}

// Classify resolves the outcome for agent output. Reject wins over
// request-changes wins over advance, so an output carrying several markers
// resolves to the most conservative one. Output with no recognizable verdict
// is an error outcome: a run that cannot state its result cannot advance a
// task.
func (classifier Classifier) Classify(output string) (stage.Outcome, error) {
	if matched, err := classifier.reject.MatchString(output); err != nil {
		return "", fmt.Errorf("match reject verdict: %w", err)
	} else if matched {
		return stage.OutcomeReject, nil
	}
	if matched, err := classifier.requestChanges.MatchString(output); err != nil {
		return "", fmt.Errorf("match request-changes verdict: %w", err)
	} else if matched {
		return stage.OutcomeRequestChanges, nil
	}
	if matched, err := classifier.advance.MatchString(output); err != nil {
		return "", fmt.Errorf("match advance verdict: %w", err)
	} else if matched {
		return stage.OutcomeAdvance, nil
	}
	return stage.OutcomeError, nil
}
