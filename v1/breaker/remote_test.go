package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/store"
)

func TestRemoteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	rs := NewRemoteStore(store.NewMemory())

	if _, found, err := rs.Load(ctx, "orders"); err != nil || found {
		t.Fatalf("expected no record yet: found=%v err=%v", found, err)
	}

	rec := Record{
		Name:             "orders",
		State:            StateOpen,
		Opened:           time.Now().UnixMilli(),
		FailureCount:     4,
		LastFailure:      "boom",
		FailureThreshold: 5,
		RecoveryTimeout:  1500 * time.Millisecond,
	}
	if err := rs.Save(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, found, err := rs.Load(ctx, "orders")
	if err != nil || !found {
		t.Fatalf("load returned found=%v err=%v", found, err)
	}
	if got != rec {
		t.Fatalf("record did not round-trip:\n got %+v\nwant %+v", got, rec)
	}
}

func TestBreakersShareStateThroughRemoteStore(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory()
	rs := NewRemoteStore(shared)

	opts := []Option[string]{
		WithFailureThreshold[string](2),
		WithRecoveryTimeout[string](time.Minute),
	}
	one := mustBreaker[string](t, "orders", rs, opts...)
	two := mustBreaker[string](t, "orders", rs, opts...)

	_, _ = one.Do(ctx, failing)
	_, _ = one.Do(ctx, failing)

	// the second instance observes the open circuit with no local state
	state, err := two.State(ctx)
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if state != StateOpen {
		t.Fatalf("expected OPEN through the shared store, got %s", state)
	}
	var oe *OpenError
	if _, err := two.Do(ctx, succeeding); !errors.As(err, &oe) {
		t.Fatalf("expected an OpenError, got: %v", err)
	}
}

func newGuardManager(t *testing.T, st store.Conditional) *lock.Manager {
	t.Helper()
	m, err := lock.New(st, "breaker-guard-test",
		lock.WithHeartbeatPeriod(10*time.Millisecond),
		lock.WithSafePeriod(100*time.Millisecond),
		lock.WithLeaseDuration(300*time.Millisecond))
	if err != nil {
		t.Fatalf("lock manager creation failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestLockedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory()
	ls := NewLockedStore(NewRemoteStore(shared), newGuardManager(t, shared))

	rec := Record{Name: "orders", State: StateClosed, FailureCount: 1, FailureThreshold: 5, RecoveryTimeout: time.Second}
	if err := ls.Save(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, found, err := ls.Load(ctx, "orders")
	if err != nil || !found {
		t.Fatalf("load returned found=%v err=%v", found, err)
	}
	if got.FailureCount != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	// the guard lease must not be left behind
	if _, ok, _ := shared.Get(ctx, "orders", "breaker-guard"); ok {
		t.Fatalf("guard lease record leaked")
	}
	// and must not clobber the breaker record itself
	if _, ok, _ := shared.Get(ctx, "orders", store.DefaultSortKey); !ok {
		t.Fatalf("breaker record missing after a guarded write")
	}
}

func TestLockedStoreSerializesConcurrentFailures(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemory()
	ls := NewLockedStore(NewRemoteStore(shared), newGuardManager(t, shared))

	cb := mustBreaker[string](t, "orders", ls,
		WithFailureThreshold[string](100),
		WithRecoveryTimeout[string](time.Minute))

	const writers = 5
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, _ = cb.Do(ctx, failing)
		}()
	}
	wg.Wait()

	// every failure survives: the guarded read-modify-write cannot race
	if n, err := cb.FailureCount(ctx); err != nil || n != writers {
		t.Fatalf("expected %d failures, got %d (err=%v)", writers, n, err)
	}
}
