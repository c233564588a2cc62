package persona

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nightshift-dev/nightshift/internal/config"
	"github.com/nightshift-dev/nightshift/internal/stage"
	"github.com/nightshift-dev/nightshift/internal/task"
)

const (
	// logsDirName holds one transcript per dispatch under the data directory.
	logsDirName = "logs"
	// logDirMode is the directory mode for transcript directories.
	logDirMode = 0o755
	// logFileMode is the file mode for transcript files.
	logFileMode = 0o644
	// transcriptTailLimit bounds how much prior output feeds the next prompt.
	transcriptTailLimit = 16 * 1024
)

// Result captures a single agent invocation.
type Result struct {
	Outcome        stage.Outcome
	ExitCode       int
	Duration       time.Duration
	TranscriptPath string
}

// Invoker runs one persona dispatch for a task. Implementations other than
// Dispatcher exist only in tests.
type Invoker interface {
	Invoke(ctx context.Context, t task.Task, role Role, workDir string) (Result, error)
}

// Dispatcher invokes the coding agent CLI with bounded time and turns.
type Dispatcher struct {
	agent      config.AgentConfig
	classifier Classifier
	logsDir    string
}

// NewDispatcher builds a dispatcher writing transcripts under dataDir.
func NewDispatcher(agent config.AgentConfig, dataDir string) (Dispatcher, error) {
	if len(agent.Command) == 0 {
		return Dispatcher{}, errors.New("agent command is required")
	}
	if strings.TrimSpace(dataDir) == "" {
		return Dispatcher{}, errors.New("data directory is required")
	}
	classifier, err := NewClassifier(agent.Verdicts)
	if err != nil {
		return Dispatcher{}, err
	}
	return Dispatcher{
		agent:      agent,
		classifier: classifier,
		logsDir:    filepath.Join(dataDir, logsDirName),
	}, nil
}

// Invoke runs the agent once for a task's current stage and classifies the
// result. A timeout maps to the timeout outcome and a failed process maps to
// the error outcome; a non-nil error is returned only when the invocation was
// aborted by the caller's context, in which case the task must be left
// untouched.
func (dispatcher Dispatcher) Invoke(ctx context.Context, t task.Task, role Role, workDir string) (Result, error) {
	command, err := dispatcher.buildCommand(t, role)
	if err != nil {
		return Result{}, err
	}

	timeout := time.Duration(dispatcher.agent.TimeoutMinutes) * time.Minute
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	if strings.TrimSpace(workDir) != "" {
		cmd.Dir = workDir
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	transcriptPath, writeErr := dispatcher.writeTranscript(t.ID, role, output.Bytes())
	if writeErr != nil {
		return Result{}, writeErr
	}
	result := Result{Duration: duration, TranscriptPath: transcriptPath}

	if ctx.Err() != nil {
		// Shutdown, not a task failure. The caller leaves the stage as-is.
		return Result{}, fmt.Errorf("dispatch for task %s aborted: %w", t.ID, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Outcome = stage.OutcomeTimeout
		result.ExitCode = -1
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Outcome = stage.OutcomeError
		return result, nil
	}

	result.ExitCode = 0
	if role == RoleDeveloper {
		// The developer persona emits no verdict; a clean exit is the
		// signal that implementation is ready for review.
		result.Outcome = stage.OutcomeAdvance
		return result, nil
	}
	outcome, err := dispatcher.classifier.Classify(output.String())
	if err != nil {
		return Result{}, fmt.Errorf("classify output for task %s: %w", t.ID, err)
	}
	result.Outcome = outcome
	return result, nil
}

// buildCommand substitutes the supported tokens into the command template.
func (dispatcher Dispatcher) buildCommand(t task.Task, role Role) ([]string, error) {
	systemPrompt, err := SystemPrompt(role)
	if err != nil {
		return nil, err
	}
	prompt := t.Prompt()
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("task %s has an empty prompt", t.ID)
	}
	if previous, ok := dispatcher.latestTranscript(t.ID); ok {
		// The prior persona's feedback is the rework instruction set.
		prompt = prompt + "\n\n## Previous Persona Output\n" + previous
	}

	resolved := make([]string, len(dispatcher.agent.Command))
	replacedPrompt := false
	for i, token := range dispatcher.agent.Command {
		if strings.Contains(token, "{prompt}") {
			replacedPrompt = true
		}
		token = strings.ReplaceAll(token, "{model}", dispatcher.agent.Model)
		token = strings.ReplaceAll(token, "{max_turns}", strconv.Itoa(dispatcher.agent.MaxTurns))
		token = strings.ReplaceAll(token, "{system_prompt}", systemPrompt)
		token = strings.ReplaceAll(token, "{prompt}", prompt)
		token = strings.ReplaceAll(token, "{role}", string(role))
		resolved[i] = token
	}
	if !replacedPrompt {
		return nil, errors.New("agent command must include {prompt}")
	}
	return resolved, nil
}

// latestTranscript returns the tail of the task's newest transcript, if any.
func (dispatcher Dispatcher) latestTranscript(taskID string) (string, bool) {
	entries, err := os.ReadDir(dispatcher.logsDir)
	if err != nil {
		return "", false
	}
	prefix := taskID + "-"
	var newestPath string
	var newestMod time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newestPath == "" || !info.ModTime().Before(newestMod) {
			newestPath = filepath.Join(dispatcher.logsDir, name)
			newestMod = info.ModTime()
		}
	}
	if newestPath == "" {
		return "", false
	}
	data, err := os.ReadFile(newestPath)
	if err != nil || len(data) == 0 {
		return "", false
	}
	if len(data) > transcriptTailLimit {
		data = data[len(data)-transcriptTailLimit:]
	}
	return string(data), true
}

// writeTranscript persists the combined agent output for later inspection.
func (dispatcher Dispatcher) writeTranscript(taskID string, role Role, output []byte) (string, error) {
	if err := os.MkdirAll(dispatcher.logsDir, logDirMode); err != nil {
		return "", fmt.Errorf("create logs directory %s: %w", dispatcher.logsDir, err)
	}
	timestamp := time.Now().UTC().Format("20060102-150405")
	name := fmt.Sprintf("%s-%s-%s.log", taskID, role, timestamp)
	path := filepath.Join(dispatcher.logsDir, name)
	if err := os.WriteFile(path, output, logFileMode); err != nil {
		return "", fmt.Errorf("write transcript %s: %w", path, err)
	}
	return path, nil
}
