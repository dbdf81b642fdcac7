package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// lockFileName lives next to the database in the .workgate directory
	lockFileName = ".write.lock"

	// DefaultLockTimeout bounds how long a writer waits for another process
	DefaultLockTimeout = 10 * time.Second

	lockPollInterval = 50 * time.Millisecond
)

// LockHolder is written into the lock file so a waiting process can say who holds it.
type LockHolder struct {
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// ProjectLock is an advisory, process-level write lock on one project database.
// In-process serialization is handled by the engine; this guards against two
// wg processes writing the same project at once.
type ProjectLock struct {
	flock *flock.Flock
	path  string
}

// NewProjectLock creates a lock for the database at dbPath. In-memory
// databases get a no-op lock.
func NewProjectLock(dbPath string) *ProjectLock {
	if dbPath == "" || dbPath == ":memory:" {
		return &ProjectLock{}
	}
	path := filepath.Join(filepath.Dir(dbPath), lockFileName)
	return &ProjectLock{flock: flock.New(path), path: path}
}

// Acquire takes the exclusive lock, polling until timeout or ctx is done.
func (l *ProjectLock) Acquire(ctx context.Context, command string, timeout time.Duration) error {
	if l.flock == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := l.flock.TryLockContext(lockCtx, lockPollInterval)
	if err != nil && lockCtx.Err() == nil {
		return fmt.Errorf("failed to acquire project lock: %w", err)
	}
	if !locked {
		holder := l.readHolder()
		if holder != nil {
			return fmt.Errorf("timeout waiting for project lock after %v (held by %q, PID %d on %s since %s)",
				timeout, holder.Command, holder.PID, holder.Hostname, holder.StartedAt.Format(time.RFC3339))
		}
		return fmt.Errorf("timeout waiting for project lock after %v", timeout)
	}

	l.writeHolder(command)
	return nil
}

// Release drops the lock. Safe to call multiple times.
func (l *ProjectLock) Release() error {
	if l.flock == nil {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release project lock: %w", err)
	}
	return nil
}

// Path returns the lock file location, or "" for in-memory databases.
func (l *ProjectLock) Path() string {
	return l.path
}

// writeHolder records the holder for diagnostics. Failures are ignored; the
// flock itself is what provides exclusion.
func (l *ProjectLock) writeHolder(command string) {
	hostname, _ := os.Hostname()
	data, err := json.Marshal(LockHolder{
		Command:   command,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
	})
	if err != nil {
		return
	}
	_ = os.WriteFile(l.path, data, 0o600)
}

func (l *ProjectLock) readHolder() *LockHolder {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var holder LockHolder
	if json.Unmarshal(data, &holder) != nil {
		return nil
	}
	return &holder
}
