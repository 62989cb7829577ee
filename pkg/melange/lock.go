package melange

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/melange-db/melange/pkg/fs"
)

// directoryLock is the advisory, process-exclusive lock on a database
// directory's "lock" file (spec.md §6 on-disk layout). Grounded on the
// teacher's internal/fs.Locker — flock(2) on a dedicated lock file,
// non-blocking, translating EWOULDBLOCK/EAGAIN into [ErrLockHeld] — pared
// down to melange's single need (one exclusive holder per process,
// acquired once at [Open] and released at [Db.Close]), dropping the
// teacher's shared/blocking/timeout variants and inode-replacement
// guard, neither of which melange exercises since it never replaces its
// own lock file while holding it.
type directoryLock struct {
	mu   sync.Mutex
	file fs.File
}

// acquireDirectoryLock opens (creating if needed) dir's lock file and
// takes a non-blocking exclusive flock on it, returning [ErrLockHeld] if
// another process already holds it.
func acquireDirectoryLock(fsys fs.FS, dir string) (*directoryLock, error) {
	path := lockPath(dir)

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, ErrIo)
	}

	if err := flockRetryEINTR(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrLockHeld
		}

		return nil, fmt.Errorf("locking %s: %w", path, ErrIo)
	}

	return &directoryLock{file: f}, nil
}

// release drops the lock and closes its file descriptor. Idempotent.
func (l *directoryLock) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking: %w", unlockErr)
	}

	return closeErr
}

// flockRetryEINTR retries flock on EINTR, the same signal-interruption
// handling the teacher's internal/fs.Locker applies, capped so a
// pathological signal storm cannot spin forever.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error

	for i := 0; i < maxEINTRRetries; i++ {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
