package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RunLock is a marker file preventing overlapping runs when no database
// advisory lock is available. Acquire fails while another process holds the
// marker; stale markers older than maxAge are reclaimed.
type RunLock struct {
	path   string
	maxAge time.Duration
}

// NewRunLock builds a lock around the marker path.
func NewRunLock(path string, maxAge time.Duration) *RunLock {
	return &RunLock{path: path, maxAge: maxAge}
}

// Acquire creates the marker file, refusing if a live one exists.
func (l *RunLock) Acquire() (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock marker: %w", err)
		}
		if !l.stale() {
			return nil, ErrLockHeld
		}
		if err := os.Remove(l.path); err != nil {
			return nil, fmt.Errorf("reclaim stale lock: %w", err)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, ErrLockHeld
		}
	}

	fmt.Fprintf(file, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	file.Close()

	return func() { os.Remove(l.path) }, nil
}

func (l *RunLock) stale() bool {
	if l.maxAge <= 0 {
		return false
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > l.maxAge
}

// Holder reports the pid recorded in the current marker, if any.
func (l *RunLock) Holder() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return 0, false
	}
	fields := string(data)
	for i, r := range fields {
		if r == ' ' {
			pid, err := strconv.Atoi(fields[:i])
			return pid, err == nil
		}
	}
	return 0, false
}
