package lock

import "errors"

var (
	// ErrAcquireTimeout is returned when the retry budget runs out
	// before the lock becomes available.
	ErrAcquireTimeout = errors.New("ward: lock acquire timed out")
	// ErrShutdown is returned when the manager no longer accepts work.
	ErrShutdown = errors.New("ward: lock manager is shut down")
	// ErrLockStolen is returned by a strict release whose conditional
	// delete lost to a competitor.
	ErrLockStolen = errors.New("ward: lock was stolen by another owner")
)

// StoreError wraps any backing-store failure other than the expected
// conditional-check contention signal.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "ward: store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
