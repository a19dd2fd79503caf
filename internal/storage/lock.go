package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// LockName is the lock file kept in a destination while a daemon owns it.
const LockName = ".gorsync.lock"

// LockOwner is written into the lock file by the daemon holding it.
type LockOwner struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Since    time.Time `json:"since"`
}

// LockedError is returned when another process owns the destination.
type LockedError struct {
	Path  string
	Owner LockOwner
}

func (e *LockedError) Error() string {
	if e.Owner.PID == 0 {
		return fmt.Sprintf("destination %s is locked by another process", filepath.Dir(e.Path))
	}
	return fmt.Sprintf("destination %s is locked by PID %d on %s since %s",
		filepath.Dir(e.Path), e.Owner.PID, e.Owner.Hostname, e.Owner.Since.Format(time.RFC3339))
}

// Lock is an exclusive flock on a destination's lock file. It is released
// by the kernel when the process exits.
type Lock struct {
	file *os.File
}

// LockDestination takes the lock of destination without blocking.
func LockDestination(destination string) (*Lock, error) {
	path := filepath.Join(destination, LockName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		locked := &LockedError{Path: path}
		if raw, readErr := os.ReadFile(path); readErr == nil {
			_ = json.Unmarshal(raw, &locked.Owner)
		}
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, locked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	hostname, _ := os.Hostname()
	owner, err := json.Marshal(LockOwner{PID: os.Getpid(), Hostname: hostname, Since: time.Now()})
	if err == nil {
		if err = f.Truncate(0); err == nil {
			_, err = f.WriteAt(owner, 0)
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{file: f}, nil
}

// Release unlocks and closes the lock file. The file itself stays in place.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	l.file = nil
	return err
}
