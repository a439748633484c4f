// Package lockfile keeps a second agent process off a state directory.
//
// Per-user message serialization is process-local, so two processes sharing one SQLite
// database could interleave a user's replies. The lock is an flock(2) on a file in the
// state directory and is dropped by the kernel if the process dies.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is created inside the locked directory.
const FileName = "smsagent.lock"

// ErrHeld is wrapped by HeldError.
var ErrHeld = errors.New("state directory is locked by another process")

// HeldError reports who holds the lock.
type HeldError struct {
	Path   string
	Holder Holder
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("%v: %s", ErrHeld, e.Path)
	if e.Holder.PID > 0 {
		state := "running"
		if !e.Holder.Running {
			state = "not running, stale lock"
		}
		msg += fmt.Sprintf(" (pid %d, %s)", e.Holder.PID, state)
	}
	return msg
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
	Running bool
}

// Lock is an acquired directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on dir, creating it if needed.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		holder := readHolder(path)
		slog.Error("Acquire: state directory already locked", "lock_path", path, "pid", holder.PID)
		return nil, &HeldError{Path: path, Holder: holder}
	}

	// Truncate only once the lock is ours so a losing process cannot wipe the holder's info.
	if err := f.Truncate(0); err == nil {
		_, err = fmt.Fprintf(f, "pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			slog.Warn("Acquire: failed to record holder", "lock_path", path, "error", err)
		}
	}

	slog.Info("Acquired state directory lock", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	slog.Debug("Released state directory lock", "lock_path", l.path)
	return err
}

// Path is the lock file location.
func (l *Lock) Path() string { return l.path }

func readHolder(path string) Holder {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}
	}
	h := parseHolder(string(data))
	if h.PID > 0 {
		h.Running = processRunning(h.PID)
	}
	return h
}

// parseHolder reads "pid=N started=RFC3339"; unknown fields are ignored.
func parseHolder(content string) Holder {
	var h Holder
	for _, field := range strings.Fields(content) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = ts
			}
		}
	}
	return h
}

// processRunning sends signal 0, which checks existence without delivering anything.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
