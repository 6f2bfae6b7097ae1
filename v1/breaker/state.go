package breaker

import (
	"context"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Record is the persisted circuit breaker state. HALF_OPEN is never
// stored: it is derived at read time from an OPEN record whose recovery
// timeout has elapsed.
type Record struct {
	Name             string
	State            State
	Opened           int64 // epoch milliseconds of the last open transition
	FailureCount     int
	LastFailure      string
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// StateStore is the persistence capability a circuit breaker needs.
type StateStore interface {
	// Load retrieves the record for a breaker name. The boolean return
	// indicates whether a record has been persisted yet.
	Load(ctx context.Context, name string) (Record, bool, error)
	// Save persists the record.
	Save(ctx context.Context, rec Record) error
}

// mutator is an optional capability for stores that can run a
// read-modify-write as one serialized step. fn receives the current
// record (zero Record when not found) and returns the record to save,
// or save=false to leave the store untouched.
type mutator interface {
	Mutate(ctx context.Context, name string, fn func(rec Record, found bool) (Record, bool)) error
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// derivedState applies the read-time OPEN to HALF_OPEN derivation.
func derivedState(rec Record, at time.Time) State {
	if rec.State == StateOpen && openRemaining(rec, at) <= 0 {
		return StateHalfOpen
	}
	return rec.State
}

// openRemaining is how much longer the record stays OPEN.
func openRemaining(rec Record, at time.Time) time.Duration {
	opened := time.UnixMilli(rec.Opened)
	return rec.RecoveryTimeout - at.Sub(opened)
}
