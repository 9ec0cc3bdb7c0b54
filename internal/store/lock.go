package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
)

// LockFileName is the name of the lock file at the storage root.
const LockFileName = "autowriter.lock"

// processAlive is replaced in tests.
var processAlive = isProcessAlive

// Lock is an acquired storage-root lock. Only one coordinator may own a
// storage root at a time.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	fs       afero.Fs
	lockFile string
	logger   *logging.Logger
}

// AcquireLock takes the storage-root lock. A lock left behind by a process
// that is no longer running is removed first. Returns ErrSessionLocked if a
// live process holds the lock.
func (s *Store) AcquireLock() (*Lock, error) {
	lockPath := filepath.Join(s.root, LockFileName)

	if existing, err := readLock(s.fs, lockPath); err == nil {
		if processAlive(existing.PID) {
			s.logger.Error("failed to acquire lock",
				"reason", fmt.Sprintf("locked by PID %d on %s", existing.PID, existing.Hostname))
			return nil, lockedError(existing)
		}
		if err := s.fs.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "remove stale lock")
		}
		s.logger.Warn("stale lock cleaned", "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		fs:        s.fs,
		lockFile:  lockPath,
		logger:    s.logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal lock")
	}

	// O_EXCL loses the race cleanly against another process creating the
	// lock between the check above and here.
	f, err := s.fs.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := readLock(s.fs, lockPath); readErr == nil {
				return nil, lockedError(existing)
			}
			return nil, errors.NewSessionError("lock file exists", errors.ErrSessionLocked)
		}
		return nil, errors.Wrap(err, "create lock file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = s.fs.Remove(lockPath)
		return nil, errors.Wrap(err, "write lock file")
	}

	s.logger.Info("storage lock acquired", "pid", lock.PID, "root", s.root)
	return lock, nil
}

// Release removes the lock file if this process still owns it. Safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}
	existing, err := readLock(l.fs, l.lockFile)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := l.fs.Remove(l.lockFile); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Info("storage lock released", "pid", l.PID)
	}
	return nil
}

// Holder returns the current lock holder, if a live process holds the lock.
func (s *Store) Holder() (*Lock, bool) {
	lock, err := readLock(s.fs, filepath.Join(s.root, LockFileName))
	if err != nil || !processAlive(lock.PID) {
		return nil, false
	}
	return lock, true
}

func readLock(fs afero.Fs, lockPath string) (*Lock, error) {
	data, err := afero.ReadFile(fs, lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, errors.Wrap(err, "parse lock file")
	}
	lock.fs = fs
	lock.lockFile = lockPath
	return &lock, nil
}

func lockedError(l *Lock) error {
	return errors.NewSessionError(fmt.Sprintf("locked by PID %d on %s", l.PID, l.Hostname), errors.ErrSessionLocked)
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without affecting the process.
	return process.Signal(syscall.Signal(0)) == nil
}
