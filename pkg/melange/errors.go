package melange

import "errors"

// Sentinel errors returned by melange operations.
//
// Callers should classify errors with [errors.Is] rather than comparing
// values directly, since every operation wraps these with extra context.
var (
	// ErrCorruption indicates a CRC mismatch, a truncated page, or
	// inconsistent metadata.
	//
	// Corruption is fatal for the operation that discovered it and pushes
	// the engine into the sticky-failure state: every subsequent write
	// fails fast until the database is reopened.
	ErrCorruption = errors.New("melange: corruption")

	// ErrIo indicates an underlying filesystem error.
	//
	// A flush that fails with an Io error latches the sticky-failure state
	// at once, the same as [ErrCorruption]; the flush is not retried.
	ErrIo = errors.New("melange: io")

	// ErrCacheFull indicates that, after a leaf was loaded, the object
	// cache is over its byte budget and every resident leaf is dirty.
	//
	// Recovery: the object cache forces an immediate flush and retries the
	// eviction once; callers observe this error only if the cache is still
	// over budget after that.
	ErrCacheFull = errors.New("melange: cache full")

	// ErrConflict is returned by compare-and-swap style APIs when the
	// observed value did not match the expected value.
	ErrConflict = errors.New("melange: conflict")

	// ErrShutdown indicates an operation was attempted after [Db.Close].
	ErrShutdown = errors.New("melange: shutdown")

	// ErrTreeNotFound indicates a tree name that does not exist. No
	// operation in this package returns it: [Db.OpenTree] always creates a
	// missing tree.
	ErrTreeNotFound = errors.New("melange: tree not found")

	// ErrInvalidOption indicates a configuration value failed validation
	// at [Open].
	ErrInvalidOption = errors.New("melange: invalid option")

	// ErrLockHeld indicates another process already holds the advisory
	// lock on the database directory.
	ErrLockHeld = errors.New("melange: lock held")
)

// stickyFailure is the error latched into an objectCache after an
// unrecoverable flush error. Every write surfaces it until the database is
// reopened, per spec §7's propagation policy.
type stickyFailure struct {
	cause error
}

func (s *stickyFailure) Error() string {
	return "melange: sticky failure from prior flush: " + s.cause.Error()
}

func (s *stickyFailure) Unwrap() error {
	return s.cause
}

func (s *stickyFailure) Is(target error) bool {
	return errors.Is(s.cause, target)
}
