// Package workspace provisions isolated git worktrees for task execution.
// Each repository is mirrored once as a bare clone; every task that needs a
// workspace gets its own worktree on its own branch, so concurrent tasks on
// the same repository never share a checkout.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nightshift-dev/nightshift/internal/task"
)

const (
	// mirrorsDirName holds one bare clone per repository.
	mirrorsDirName = "repos"
	// treesDirName holds one worktree per active task.
	treesDirName = "trees"
	// workspaceDirMode defines permissions for workspace directories.
	workspaceDirMode = 0o755
)

// ErrUnavailable indicates the workspace could not be provisioned. The task
// is not advanced; the caller records an error outcome instead.
var ErrUnavailable = errors.New("workspace unavailable")

// ReleaseMode selects what happens to the worktree when a task lets go of it.
type ReleaseMode string

const (
	// Discard removes the worktree and deletes the task branch.
	Discard ReleaseMode = "discard"
	// Retain detaches bookkeeping but leaves the worktree on disk for a
	// human to inspect.
	Retain ReleaseMode = "retain"
)

// Workspace is a provisioned checkout a task works in.
type Workspace struct {
	TaskID string
	Repo   string
	Branch string
	Path   string
}

// Manager provisions and releases task workspaces under a single root.
type Manager struct {
	root           string
	remoteTemplate string

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
	active    map[string]Workspace
}

// NewManager constructs a manager rooted at the given directory. The remote
// template expands {repo} to an owner/name coordinate.
func NewManager(root string, remoteTemplate string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is required")
	}
	if !strings.Contains(remoteTemplate, "{repo}") {
		return nil, fmt.Errorf("remote template %q must contain {repo}", remoteTemplate)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute workspace root %s: %w", root, err)
	}
	if err := os.MkdirAll(absRoot, workspaceDirMode); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", absRoot, err)
	}
	return &Manager{
		root:           absRoot,
		remoteTemplate: remoteTemplate,
		repoLocks:      make(map[string]*sync.Mutex),
		active:         make(map[string]Workspace),
	}, nil
}

// Acquire provisions a worktree for the task, creating or refreshing the
// repository mirror first. A task holds at most one workspace at a time;
// acquiring again while one is live returns the existing workspace.
func (manager *Manager) Acquire(ctx context.Context, t task.Task) (Workspace, error) {
	if err := validateTaskID(t.ID); err != nil {
		return Workspace{}, err
	}
	if strings.TrimSpace(t.Repo) == "" {
		return Workspace{}, fmt.Errorf("task %s: repo is required", t.ID)
	}

	manager.mu.Lock()
	if existing, ok := manager.active[t.ID]; ok {
		manager.mu.Unlock()
		return existing, nil
	}
	manager.mu.Unlock()

	repoLock := manager.lockFor(t.Repo)
	repoLock.Lock()
	defer repoLock.Unlock()

	mirror, err := manager.ensureMirror(ctx, t)
	if err != nil {
		return Workspace{}, fmt.Errorf("task %s: %w: %w", t.ID, ErrUnavailable, err)
	}

	treePath := filepath.Join(manager.root, treesDirName, t.ID)
	branch := t.BranchName()
	if err := manager.addWorktree(ctx, mirror, treePath, branch); err != nil {
		return Workspace{}, fmt.Errorf("task %s: %w: %w", t.ID, ErrUnavailable, err)
	}

	workspace := Workspace{TaskID: t.ID, Repo: t.Repo, Branch: branch, Path: treePath}
	manager.mu.Lock()
	manager.active[t.ID] = workspace
	manager.mu.Unlock()
	return workspace, nil
}

// Active returns the live workspace for a task, if any.
func (manager *Manager) Active(taskID string) (Workspace, bool) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	workspace, ok := manager.active[taskID]
	return workspace, ok
}

// Release lets go of a task's workspace. Discard removes the worktree and the
// task branch; retain leaves both on disk for inspection. Releasing a task
// without a live workspace is a no-op.
func (manager *Manager) Release(ctx context.Context, taskID string, mode ReleaseMode) error {
	manager.mu.Lock()
	workspace, ok := manager.active[taskID]
	if ok {
		delete(manager.active, taskID)
	}
	manager.mu.Unlock()
	if !ok {
		return nil
	}
	if mode == Retain {
		return nil
	}

	repoLock := manager.lockFor(workspace.Repo)
	repoLock.Lock()
	defer repoLock.Unlock()

	mirror := manager.mirrorPath(workspace.Repo)
	if _, err := runGit(ctx, mirror, "worktree", "remove", "--force", workspace.Path); err != nil {
		return fmt.Errorf("remove worktree for task %s: %w", taskID, err)
	}
	if _, err := runGit(ctx, mirror, "branch", "-D", workspace.Branch); err != nil {
		return fmt.Errorf("delete branch %s for task %s: %w", workspace.Branch, taskID, err)
	}
	return nil
}

// Sweep discards every worktree left over from a previous process. Mirrors
// stay in place; only registered-but-dead trees are pruned.
func (manager *Manager) Sweep(ctx context.Context) error {
	mirrorsDir := filepath.Join(manager.root, mirrorsDirName)
	entries, err := os.ReadDir(mirrorsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read mirrors directory %s: %w", mirrorsDir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		mirror := filepath.Join(mirrorsDir, entry.Name())
		if _, err := runGit(ctx, mirror, "worktree", "prune"); err != nil {
			return fmt.Errorf("prune worktrees in %s: %w", mirror, err)
		}
	}
	return nil
}

// ensureMirror clones the repository mirror on first use and fetches it on
// every subsequent acquisition so worktrees start from current upstream state.
func (manager *Manager) ensureMirror(ctx context.Context, t task.Task) (string, error) {
	mirror := manager.mirrorPath(t.Repo)
	exists, err := pathExists(mirror)
	if err != nil {
		return "", err
	}
	if exists {
		if _, err := runGit(ctx, mirror, "fetch", "--prune", "origin"); err != nil {
			return "", err
		}
		return mirror, nil
	}

	mirrorsDir := filepath.Dir(mirror)
	if err := os.MkdirAll(mirrorsDir, workspaceDirMode); err != nil {
		return "", fmt.Errorf("create mirrors directory %s: %w", mirrorsDir, err)
	}
	remote := strings.ReplaceAll(manager.remoteTemplate, "{repo}", t.Repo)
	if _, err := runGit(ctx, mirrorsDir, "clone", "--bare", remote, mirror); err != nil {
		return "", err
	}
	return mirror, nil
}

// addWorktree creates the task worktree on a fresh branch cut from the
// repository's default branch. An existing branch from an earlier attempt is
// reused so retries continue where the task left off.
func (manager *Manager) addWorktree(ctx context.Context, mirror, path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), workspaceDirMode); err != nil {
		return fmt.Errorf("create trees directory %s: %w", filepath.Dir(path), err)
	}
	exists, err := branchExists(ctx, mirror, branch)
	if err != nil {
		return err
	}
	if exists {
		_, err := runGit(ctx, mirror, "worktree", "add", path, branch)
		return err
	}
	base, err := defaultBranch(ctx, mirror)
	if err != nil {
		return err
	}
	_, err = runGit(ctx, mirror, "worktree", "add", "-b", branch, path, base)
	return err
}

func (manager *Manager) lockFor(repo string) *sync.Mutex {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	lock, ok := manager.repoLocks[repo]
	if !ok {
		lock = &sync.Mutex{}
		manager.repoLocks[repo] = lock
	}
	return lock
}

// mirrorPath maps an owner/name coordinate to a bare clone directory.
func (manager *Manager) mirrorPath(repo string) string {
	flat := strings.ReplaceAll(repo, "/", "__") + ".git"
	return filepath.Join(manager.root, mirrorsDirName, flat)
}

// defaultBranch resolves the branch HEAD points at in a bare repository.
func defaultBranch(ctx context.Context, mirror string) (string, error) {
	output, err := runGit(ctx, mirror, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve default branch in %s: %w", mirror, err)
	}
	return strings.TrimSpace(output), nil
}

// branchExists reports whether a local branch exists in the mirror.
func branchExists(ctx context.Context, mirror, branch string) (bool, error) {
	if strings.TrimSpace(branch) == "" {
		return false, errors.New("branch is required")
	}
	_, err := runGit(ctx, mirror, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if isExitStatus(err, 1) {
		return false, nil
	}
	return false, err
}

// pathExists reports whether the path exists on disk.
func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat path %s: %w", path, err)
}

// validateTaskID ensures the task id is safe for filesystem use.
func validateTaskID(taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return errors.New("task id is required")
	}
	if strings.Contains(taskID, "/") || strings.Contains(taskID, "\\") {
		return fmt.Errorf("task id %q must not contain path separators", taskID)
	}
	if strings.Contains(taskID, "..") {
		return fmt.Errorf("task id %q must not contain '..'", taskID)
	}
	return nil
}

// runGit executes a git command in the provided directory.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("git directory is required")
	}
	if len(args) == 0 {
		return "", errors.New("git arguments are required")
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// isExitStatus reports whether the error is an exec.ExitError with the given status.
func isExitStatus(err error, status int) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() == status
}
