package breaker

import (
	"context"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/store"
)

// Persisted attribute names for breaker records.
const (
	attrState            = "cb_state"
	attrOpened           = "opened"
	attrFailureCount     = "failure_count"
	attrLastFailure      = "last_failure"
	attrFailureThreshold = "failure_threshold"
	attrRecoveryTimeout  = "recovery_timeout"
)

// RemoteStore persists breaker records in a shared conditional-write
// store, keyed by breaker name. Read-modify-writes are NOT atomic:
// concurrent writers can race and under-count failures. Wrap it in a
// LockedStore when exactness is required.
type RemoteStore struct {
	store store.Conditional
}

// NewRemoteStore returns a RemoteStore backed by the given store.
func NewRemoteStore(st store.Conditional) *RemoteStore {
	return &RemoteStore{store: st}
}

func itemFromRecord(rec Record) store.Item {
	return store.Item{
		PartitionKey: rec.Name,
		SortKey:      store.DefaultSortKey,
		Attributes: map[string]string{
			attrState:            string(rec.State),
			attrOpened:           strconv.FormatInt(rec.Opened, 10),
			attrFailureCount:     strconv.Itoa(rec.FailureCount),
			attrLastFailure:      rec.LastFailure,
			attrFailureThreshold: strconv.Itoa(rec.FailureThreshold),
			attrRecoveryTimeout:  strconv.FormatInt(rec.RecoveryTimeout.Milliseconds(), 10),
		},
	}
}

func recordFromItem(it store.Item) Record {
	opened, _ := strconv.ParseInt(it.Attributes[attrOpened], 10, 64)
	failures, _ := strconv.Atoi(it.Attributes[attrFailureCount])
	threshold, _ := strconv.Atoi(it.Attributes[attrFailureThreshold])
	recoveryMillis, _ := strconv.ParseInt(it.Attributes[attrRecoveryTimeout], 10, 64)
	return Record{
		Name:             it.PartitionKey,
		State:            State(it.Attributes[attrState]),
		Opened:           opened,
		FailureCount:     failures,
		LastFailure:      it.Attributes[attrLastFailure],
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Duration(recoveryMillis) * time.Millisecond,
	}
}

// Load implements StateStore.Load.
func (s *RemoteStore) Load(ctx context.Context, name string) (Record, bool, error) {
	it, ok, err := s.store.Get(ctx, name, store.DefaultSortKey)
	if err != nil || !ok {
		return Record{}, false, err
	}
	return recordFromItem(it), true, nil
}

// Save implements StateStore.Save.
func (s *RemoteStore) Save(ctx context.Context, rec Record) error {
	return s.store.Put(ctx, itemFromRecord(rec))
}

// Mutate implements the mutator capability as a plain read-modify-write.
func (s *RemoteStore) Mutate(ctx context.Context, name string, fn func(rec Record, found bool) (Record, bool)) error {
	rec, ok, err := s.Load(ctx, name)
	if err != nil {
		return err
	}
	next, save := fn(rec, ok)
	if !save {
		return nil
	}
	return s.Save(ctx, next)
}

// LockedStore serializes every read-modify-write of the wrapped store
// through a lock.Manager lease keyed by the breaker name. This is the
// only remote mode with linearizable updates across instances.
type LockedStore struct {
	inner StateStore
	locks *lock.Manager
}

// NewLockedStore wraps inner so its read-modify-writes run under a
// distributed lease.
func NewLockedStore(inner StateStore, locks *lock.Manager) *LockedStore {
	return &LockedStore{inner: inner, locks: locks}
}

// guardSortKey keeps the guard lease record from colliding with the
// breaker record when both live in the same store.
const guardSortKey = "breaker-guard"

func (s *LockedStore) withLease(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l, err := s.locks.Acquire(ctx, name, lock.WithSortKey(guardSortKey))
	if err != nil {
		return err
	}
	defer func() {
		_ = s.locks.Release(ctx, l)
	}()
	return fn(ctx)
}

// Load implements StateStore.Load under the lease.
func (s *LockedStore) Load(ctx context.Context, name string) (Record, bool, error) {
	var rec Record
	var ok bool
	err := s.withLease(ctx, name, func(ctx context.Context) error {
		var err error
		rec, ok, err = s.inner.Load(ctx, name)
		return err
	})
	return rec, ok, err
}

// Save implements StateStore.Save under the lease.
func (s *LockedStore) Save(ctx context.Context, rec Record) error {
	return s.withLease(ctx, rec.Name, func(ctx context.Context) error {
		return s.inner.Save(ctx, rec)
	})
}

// Mutate implements the mutator capability: the whole load-mutate-save
// cycle happens under one lease acquisition.
func (s *LockedStore) Mutate(ctx context.Context, name string, fn func(rec Record, found bool) (Record, bool)) error {
	return s.withLease(ctx, name, func(ctx context.Context) error {
		rec, ok, err := s.inner.Load(ctx, name)
		if err != nil {
			return err
		}
		next, save := fn(rec, ok)
		if !save {
			return nil
		}
		return s.inner.Save(ctx, next)
	})
}
