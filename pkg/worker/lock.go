package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned when a shard's lock is already held by another
// worker process, the "busy" outcome step 1 of the contract calls for
// (not an error state — the shard is presumed still in progress).
var ErrBusy = fmt.Errorf("worker: shard is locked by another process")

// shardLock is an exclusive advisory lock scoped to one (task, shard),
// enforcing the at-most-one-concurrent-execution invariant. It extends
// the teacher's PID-liveness probe (jobregistry.isProcessAlive, a signal-0
// check) with an actual flock(2) held for the worker's entire lifetime:
// a liveness probe can race a process that is alive but hung, while an
// advisory lock cannot be held by two live processes at once.
type shardLock struct {
	file *os.File
}

func lockPath(workDir, taskName string, shard int) string {
	return filepath.Join(workDir, fmt.Sprintf(".lock.%s.%d", taskName, shard))
}

// acquireShardLock attempts a non-blocking exclusive flock on the shard's
// lock file, returning ErrBusy immediately if another worker holds it.
func acquireShardLock(workDir, taskName string, shard int) (*shardLock, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("worker: create work dir: %w", err)
	}
	path := lockPath(workDir, taskName, shard)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("worker: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("worker: flock: %w", err)
	}
	return &shardLock{file: f}, nil
}

// release drops the lock. The lock file itself is left in place; flock is
// scoped to the open file description, so a stale lock file with no
// holder is inert and harmless to leave behind.
func (l *shardLock) release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("worker: unlock: %w", err)
	}
	return l.file.Close()
}
