// Package runlock guards the data directory against concurrent orchestrator
// processes. Two pollers sharing one database would each dispatch the same
// tasks, so only a single holder may run at a time.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// lockFileName is the filename used for run locking.
	lockFileName = "nightshift.lock"
	// lockFileMode defines the permissions for the lock file.
	lockFileMode = 0o644
	// lockDirMode defines the permissions for the data directory.
	lockDirMode = 0o755
)

// ErrLockHeld indicates another orchestrator process owns the data directory.
var ErrLockHeld = errors.New("run lock already held")

// Lock holds the acquired run lock file handle.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive advisory lock on the data directory. The lock
// file records the holder's pid and start time so an operator can see who
// owns a busy lock.
func Acquire(dataDir string) (*Lock, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("data directory is required")
	}

	lockPath := filepath.Join(dataDir, lockFileName)
	if err := os.MkdirAll(filepath.Dir(lockPath), lockDirMode); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", filepath.Dir(lockPath), err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open run lock %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, describeHolder(lockPath))
		}
		return nil, fmt.Errorf("lock run lock %s: %w", lockPath, err)
	}

	if err := writeHolder(file); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		_ = file.Close()
		return nil, err
	}
	return &Lock{file: file, path: lockPath}, nil
}

// Release unlocks and removes the run lock file.
func (lock *Lock) Release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	if err := syscall.Flock(int(lock.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = lock.file.Close()
		return fmt.Errorf("unlock run lock: %w", err)
	}
	if err := lock.file.Close(); err != nil {
		return err
	}
	lock.file = nil
	if err := os.Remove(lock.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run lock %s: %w", lock.path, err)
	}
	return nil
}

// writeHolder truncates the lock file and records the holder metadata.
func writeHolder(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate run lock: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek run lock: %w", err)
	}
	payload := fmt.Sprintf("pid=%d\nstarted_at=%s\n",
		os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(payload); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	return nil
}

// describeHolder reports who holds a busy lock, best effort.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Sprintf("lock %s is held by another process", lockPath)
	}
	pid, startedAt, err := parseHolder(data)
	if err != nil {
		return fmt.Sprintf("lock %s is held by another process", lockPath)
	}
	return fmt.Sprintf("lock %s is held by pid %d since %s",
		lockPath, pid, startedAt.Format(time.RFC3339))
}

// parseHolder reads pid and timestamp metadata from the lock file.
func parseHolder(data []byte) (int, time.Time, error) {
	var pid int
	var startedAt time.Time
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if value, ok := strings.CutPrefix(line, "pid="); ok {
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || parsed <= 0 {
				return 0, time.Time{}, fmt.Errorf("parse pid %q", value)
			}
			pid = parsed
			continue
		}
		if value, ok := strings.CutPrefix(line, "started_at="); ok {
			parsed, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return 0, time.Time{}, fmt.Errorf("parse started_at: %w", err)
			}
			startedAt = parsed
		}
	}
	if pid == 0 || startedAt.IsZero() {
		return 0, time.Time{}, errors.New("incomplete lock metadata")
	}
	return pid, startedAt, nil
}
