// Package lock guards a state directory so only one fleetwarden server uses it.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// PIDLock is a single-instance lock: a flock(2) on a file that also records
// the holder's PID. The lock lives as long as the handle is not released.
type PIDLock struct {
	path  string
	flock *flock.Flock
}

// AcquirePIDLock takes the lock at lockPath without blocking and writes the
// current PID into it. When the lock is taken the error wraps ErrLocked and
// names the holder's PID if it can be read.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(lockPath, flock.SetFlag(os.O_CREATE|os.O_RDWR), flock.SetPermissions(0o644))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock on %s: %w", lockPath, err)
	}
	if !ok {
		if pid, perr := HolderPID(lockPath); perr == nil {
			return nil, fmt.Errorf("%w (pid %d): %s", ErrLocked, pid, lockPath)
		}
		return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
	}

	// flock locks the inode, so rewriting the file through another descriptor
	// keeps the lock.
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}

	return &PIDLock{path: lockPath, flock: fl}, nil
}

// HolderPID reads the PID recorded in the lock file at lockPath.
func HolderPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse pid in %s: %w", lockPath, err)
	}
	return pid, nil
}

func (l *PIDLock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *PIDLock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	err := l.flock.Unlock()
	l.flock = nil
	if err != nil {
		return fmt.Errorf("release lock on %s: %w", l.path, err)
	}
	return nil
}
