// SPDX-License-Identifier: MIT

//go:build linux

package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cliap2/cliap2/internal/apperr"
)

// FileLock guards a single AirPlay receiver endpoint against being claimed
// by two cliap2 daemons at once (--hostname/--port identify the same
// physical device to more than one process if the operator starts it
// twice, or a supervisor like systemd races a restart against the old
// instance's exit). The lock path is derived from the device name in
// cmd/cliap2, so acquiring it is the daemon's first start-up action,
// before any pipe is opened or any output module is touched.
//
// Provides exclusive locking with:
//   - Stale lock detection (dead or unparsable owner PID)
//   - Timeout support
//   - PID tracking
//   - Thread-safe operations
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

const (
	// DefaultStaleThreshold is passed to isLockStale, which does not use
	// it: staleness is decided by the owner PID alone.
	DefaultStaleThreshold = 300 * time.Second

	// DefaultAcquireTimeout is the default timeout for lock acquisition.
	DefaultAcquireTimeout = 30 * time.Second
)

// NewFileLock creates a new file-based lock guarding the path given,
// typically <lockdir>/<device-name>.lock.
//
// The lock file is created if it doesn't exist. The parent directory
// is created if needed.
//
// Parameters:
//   - path: Absolute path to lock file (e.g., "/var/run/cliap2/cliap2.lock")
//
// Returns:
//   - FileLock instance
//   - Error if path is invalid or directory can't be created
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}

	// Create parent directory if needed. 0750 keeps the lock directory
	// readable only by the daemon's owner/group: a lock file's contents
	// (our PID) are never meant for other local users to read or race.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, apperr.New("lock.NewFileLock", apperr.KindIO, fmt.Errorf("create lock directory: %w", err))
	}

	return &FileLock{
		path: path,
		pid:  os.Getpid(),
	}, nil
}

// Acquire attempts to acquire the exclusive lock with a timeout, using a
// background context (no external cancellation besides the timeout
// itself). Equivalent to AcquireContext(context.Background(), timeout).
func (fl *FileLock) Acquire(timeout time.Duration) error {
	return fl.AcquireContext(context.Background(), timeout)
}

// AcquireContext attempts to acquire the exclusive lock with context
// cancellation support, so cmd/cliap2 can give up waiting for a stuck
// peer the moment a shutdown signal arrives instead of blocking start-up
// indefinitely.
//
// Acquisition process:
//  1. Check for stale lock (dead or unparsable owner PID)
//  2. Remove stale lock if found
//  3. Open/create lock file
//  4. Call flock(2) with timeout, checking context.Done() in loop
//  5. Write our PID to lock file
//
// Parameters:
//   - ctx: Context for cancellation
//   - timeout: Maximum time to wait for lock (0 = try once, no wait)
//
// Returns:
//   - nil on success
//   - context.Canceled if context was cancelled
//   - an apperr.KindTimeout error if timeout expired
//   - error on other failure
func (fl *FileLock) AcquireContext(ctx context.Context, timeout time.Duration) error {
	// Check if context is already cancelled
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Check for stale lock and remove if found
	if stale, _ := isLockStale(fl.path, DefaultStaleThreshold); stale {
		_ = os.Remove(fl.path) // Explicitly ignore error - file might not exist
	}

	// Open lock file (create if doesn't exist). 0640 keeps the PID
	// content unreadable to anyone outside the daemon's owner/group.
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return apperr.New("lock.Acquire", apperr.KindIO, fmt.Errorf("open lock file: %w", err))
	}

	// Try to acquire lock with timeout and context cancellation
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		// Try non-blocking flock
		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			// Lock acquired!
			break
		}

		// Check if context was cancelled
		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-ticker.C:
			// Check if timeout expired
			if time.Now().After(deadline) {
				_ = file.Close()
				return apperr.New("lock.Acquire", apperr.KindTimeout, fmt.Errorf("failed to acquire lock after %v: %w", timeout, err))
			}
			// Continue loop to retry
		}
	}

	// Write our PID to lock file
	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return apperr.New("lock.Acquire", apperr.KindIO, fmt.Errorf("truncate lock file: %w", err))
	}
	if _, err := file.Seek(0, 0); err != nil {
		_ = file.Close()
		return apperr.New("lock.Acquire", apperr.KindIO, fmt.Errorf("seek lock file: %w", err))
	}
	if _, err := fmt.Fprintf(file, "%d\n", fl.pid); err != nil {
		_ = file.Close()
		return apperr.New("lock.Acquire", apperr.KindIO, fmt.Errorf("write PID to lock file: %w", err))
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return apperr.New("lock.Acquire", apperr.KindIO, fmt.Errorf("sync lock file: %w", err))
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// Release releases the lock.
//
// Returns:
//   - nil on success
//   - error if lock not held or release fails
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock not held")
	}

	// Release flock
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}

	// Close file
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	fl.file = nil
	return nil
}

// Close closes the lock file if held and releases the lock.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()

	if held {
		return fl.Release()
	}
	return nil
}

// isLockStale checks if a lock file is stale.
//
// A lock is considered stale if:
//  1. Lock file doesn't exist (not stale, just absent)
//  2. Lock file is empty or has invalid PID (stale)
//  3. PID process is not running (stale)
//
// The lock file's age is not considered.
//
// Parameters:
//   - lockPath: Path to lock file
//   - threshold: Not used
//
// Returns:
//   - true if lock is stale (should be removed)
//   - false if lock is valid or doesn't exist
//   - error if unable to determine (treat as not stale to be safe)
func isLockStale(lockPath string, threshold time.Duration) (bool, error) {
	// Check if lock file exists.
	// threshold is retained in the signature for API compatibility but is no
	// longer used after the C-1 fix: see comment below.
	_ = threshold

	_, err := os.Stat(lockPath)
	if os.IsNotExist(err) {
		return false, nil // No lock file = not stale
	}
	if err != nil {
		return false, err // Can't stat = assume not stale (safe default)
	}

	// Read PID from lock file
	// #nosec G304 - Lock path is controlled by application configuration
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return true, nil // Can't read = assume stale
	}

	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true, nil // Empty file = stale
	}

	// Parse PID
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true, nil // Invalid PID = stale
	}

	// Check if process exists
	// Send signal 0 (no-op) to check if process exists
	process, err := os.FindProcess(pid)
	if err != nil {
		return true, nil // Process not found = stale
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		// Process is alive. The lock is valid regardless of the lock
		// file's modification time: a long-running playback session
		// (hours, days) always has a lock file whose mtime is older
		// than DefaultStaleThreshold. Applying an age check here would
		// steal the lock from a healthy daemon, letting two processes
		// claim the same AirPlay receiver at once.
		return false, nil
	}

	// Process is dead or unreachable; the lock is stale.
	// (Age is not checked here: if signal(0) failed the process is gone.)
	return true, nil
}
