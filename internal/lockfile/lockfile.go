// Package lockfile keeps two HuddlePipe processes from sharing a state directory.
//
// The lock is an flock on a file inside the directory, so the kernel drops it
// when the process exits, cleanly or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "huddlepipe.lock"

// Holder describes the process that wrote a lock file.
type Holder struct {
	PID     int
	Host    string
	Started time.Time
}

func (h Holder) encode() string {
	return fmt.Sprintf("pid=%d\nhost=%s\nstarted=%s\n", h.PID, h.Host, h.Started.UTC().Format(time.RFC3339))
}

// parseHolder reads the key=value lines written by encode. Unknown keys are ignored.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				h.PID = pid
			}
		case "host":
			h.Host = val
		case "started":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed.
// A *LockError is returned when another process holds it.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC is deferred until the flock is held so a loser cannot wipe the holder's info.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: path, Cause: err}
		if data, readErr := os.ReadFile(path); readErr == nil {
			h := parseHolder(string(data))
			lockErr.Holder = &h
		}
		slog.Error("AcquireLock: state directory already locked", "lock_path", path, "holder", lockErr.describeHolder())
		return nil, lockErr
	}

	host, _ := os.Hostname()
	info := Holder{PID: os.Getpid(), Host: host, Started: time.Now()}
	if err := writeHolder(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", path, "pid", info.PID)
	return &Lock{file: file, path: path}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("AcquireLock: sync failed", "error", err, "lock_path", f.Name())
	}
	return nil
}

// Path is the lock file location.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the flock so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove failed", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: unlock failed", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Holder   *Holder
	Cause    error
}

func (e *LockError) describeHolder() string {
	if e.Holder == nil || e.Holder.PID == 0 {
		return "unknown process"
	}
	state := "running"
	if !isProcessRunning(e.Holder.PID) {
		state = "not running, lock may be stale"
	}
	desc := fmt.Sprintf("PID %d (%s)", e.Holder.PID, state)
	if e.Holder.Host != "" {
		desc += " on " + e.Holder.Host
	}
	if !e.Holder.Started.IsZero() {
		desc += " since " + e.Holder.Started.Format(time.RFC3339)
	}
	return desc
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another HuddlePipe instance is already using this state directory\n"+
		"lock file: %s\nheld by: %s\n"+
		"if that process is gone, remove the lock file with: rm %s",
		e.LockPath, e.describeHolder(), e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
