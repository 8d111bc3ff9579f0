// Package proclock provides an advisory file lock shared by every process of
// the host application. Lock files live in the application's private data
// directory, one per logical mutex name.
package proclock

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory flock-based mutex. Acquire/Release pair across
// processes; the embedded sync.Mutex serializes callers within one process so
// the lock can be treated as a plain mutex by concurrent goroutines.
type FileLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// New creates a FileLock backed by the file at path. The file is created
// lazily on first acquisition.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryAcquire attempts to take the lock without blocking. It returns false
// when another process (or another FileLock in this process) holds it;
// contention is a value here, never an error.
func (l *FileLock) TryAcquire() (bool, error) {
	if !l.mu.TryLock() {
		return false, nil
	}
	ok, err := l.lockLocked(unix.LOCK_EX | unix.LOCK_NB)
	if !ok {
		l.mu.Unlock()
	}
	return ok, err
}

// Acquire blocks until the lock is held.
func (l *FileLock) Acquire() error {
	l.mu.Lock()
	if ok, err := l.lockLocked(unix.LOCK_EX); !ok {
		l.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("failed to acquire lock %s", l.path)
		}
		return err
	}
	return nil
}

// Release drops the lock. It must follow a successful TryAcquire or Acquire.
func (l *FileLock) Release() error {
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return closeErr
}

// RunExclusive acquires the lock, runs fn and releases the lock.
func (l *FileLock) RunExclusive(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// lockLocked opens the lock file and issues the flock call. Callers hold
// l.mu. A (false, nil) return means the lock is held elsewhere.
func (l *FileLock) lockLocked(how int) (bool, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	l.file = f
	return true, nil
}
