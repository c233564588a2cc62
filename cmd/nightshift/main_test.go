package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func buildBinary(t *testing.T) string {
	t.Helper()
	binaryPath := filepath.Join(t.TempDir(), "nightshift-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, output)
	}
	return binaryPath
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("data_dir: %s\nworkspace:\n  root: %s\n",
		filepath.Join(dir, "data"), filepath.Join(dir, "work"))
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func runBinary(t *testing.T, binary string, args ...string) (string, int) {
	t.Helper()
	output, err := exec.Command(binary, args...).CombinedOutput()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			return string(output), exitError.ExitCode()
		}
		t.Fatalf("run %v: %v", args, err)
	}
	return string(output), 0
}

func TestCLIUsageAndVersion(t *testing.T) {
	binary := buildBinary(t)

	tests := []struct {
		name     string
		args     []string
		wantExit int
		wantText string
	}{
		{
			name:     "no arguments shows usage",
			args:     nil,
			wantExit: 2,
			wantText: "USAGE:",
		},
		{
			name:     "unknown command shows usage",
			args:     []string{"conquer"},
			wantExit: 2,
			wantText: `unknown command "conquer"`,
		},
		{
			name:     "version command",
			args:     []string{"version"},
			wantExit: 0,
			wantText: "version=dev commit=unknown built_at=unknown",
		},
		{
			name:     "help command",
			args:     []string{"help"},
			wantExit: 0,
			wantText: "overnight task lifecycle orchestrator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, exitCode := runBinary(t, binary, tt.args...)
			if exitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d\noutput: %s", exitCode, tt.wantExit, output)
			}
			if !strings.Contains(output, tt.wantText) {
				t.Errorf("output %q missing %q", output, tt.wantText)
			}
		})
	}
}

func TestVersionCommandWithMetadata(t *testing.T) {
	binaryPath := filepath.Join(t.TempDir(), "nightshift-version")
	ldflags := "-X github.com/nightshift-dev/nightshift/internal/buildinfo.Version=1.2.3" +
		" -X github.com/nightshift-dev/nightshift/internal/buildinfo.Commit=8d3f2a1" +
		" -X github.com/nightshift-dev/nightshift/internal/buildinfo.BuiltAt=2026-02-14T09:30:00Z"
	cmd := exec.Command("go", "build", "-ldflags", ldflags, "-o", binaryPath, ".")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build binary with metadata: %v\n%s", err, output)
	}

	output, exitCode := runBinary(t, binaryPath, "version")
	if exitCode != 0 {
		t.Fatalf("version failed with exit %d: %s", exitCode, output)
	}
	want := "version=1.2.3 commit=8d3f2a1 built_at=2026-02-14T09:30:00Z"
	if got := strings.TrimSpace(output); got != want {
		t.Fatalf("version output = %q, want %q", got, want)
	}
}

func TestAddAndStatusCommands(t *testing.T) {
	binary := buildBinary(t)
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	recordPath := filepath.Join(dir, "T-101.md")
	record := `---
repo: octo/widgets
priority: high
---
## Task
Add pagination to widget listing.

## Acceptance Criteria
- page and per_page query params honored
`
	if err := os.WriteFile(recordPath, []byte(record), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}

	output, exitCode := runBinary(t, binary, "add", "-config", configPath, recordPath)
	if exitCode != 0 {
		t.Fatalf("add failed with exit %d: %s", exitCode, output)
	}
	if !strings.Contains(output, "added T-101 stage=ready priority=high repo=octo/widgets") {
		t.Fatalf("unexpected add output: %s", output)
	}

	output, exitCode = runBinary(t, binary, "status", "-config", configPath, "-plain")
	if exitCode != 0 {
		t.Fatalf("status failed with exit %d: %s", exitCode, output)
	}
	if !strings.Contains(output, "tasks total=1 ready=1") {
		t.Fatalf("unexpected status output: %s", output)
	}
	if !strings.Contains(output, "Add pagination to widget listing.") {
		t.Fatalf("status table missing derived title: %s", output)
	}
}

func TestAddRejectsRecordWithoutRepo(t *testing.T) {
	binary := buildBinary(t)
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	recordPath := filepath.Join(dir, "T-102.md")
	record := "---\npriority: low\n---\n## Task\nNo repo here.\n"
	if err := os.WriteFile(recordPath, []byte(record), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}

	output, exitCode := runBinary(t, binary, "add", "-config", configPath, recordPath)
	if exitCode != 1 {
		t.Fatalf("add should fail, got exit %d: %s", exitCode, output)
	}
	if !strings.Contains(output, "repo is required") {
		t.Fatalf("unexpected add error: %s", output)
	}
}

func TestReleaseUnknownTaskFails(t *testing.T) {
	binary := buildBinary(t)
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	output, exitCode := runBinary(t, binary, "release", "-config", configPath, "no-such-task")
	if exitCode != 1 {
		t.Fatalf("release should fail, got exit %d: %s", exitCode, output)
	}
	if !strings.Contains(output, "no-such-task") {
		t.Fatalf("unexpected release error: %s", output)
	}
}
