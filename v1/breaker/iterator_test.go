package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// sliceIter yields its values and then ends with err.
type sliceIter struct {
	values []string
	pos    int
	err    error
}

func (s *sliceIter) Next() bool {
	if s.pos < len(s.values) {
		s.pos++
		return true
	}
	return false
}

func (s *sliceIter) Value() string {
	return s.values[s.pos-1]
}

func (s *sliceIter) Err() error {
	if s.pos >= len(s.values) {
		return s.err
	}
	return nil
}

func TestWrapRecordsSuccessOnExhaustion(t *testing.T) {
	ctx := context.Background()
	cb := mustBreaker[string](t, "feed", NewMemoryStore(),
		WithFailureThreshold[string](3),
		WithRecoveryTimeout[string](time.Minute))
	_, _ = cb.Do(ctx, failing) // prior failure to observe the reset

	it, err := cb.Wrap(ctx, &sliceIter{values: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	var got []string
	for it.Next() {
		got = append(got, it.Value())
	}
	if it.Err() != nil {
		t.Fatalf("unexpected iterator error: %v", it.Err())
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected values: %v", got)
	}
	if n, _ := cb.FailureCount(ctx); n != 0 {
		t.Fatalf("exhaustion should reset the failure count, got %d", n)
	}
}

func TestWrapRecordsFailureFromSequence(t *testing.T) {
	ctx := context.Background()
	cb := mustBreaker[string](t, "feed", NewMemoryStore(),
		WithFailureThreshold[string](3),
		WithRecoveryTimeout[string](time.Minute))

	it, err := cb.Wrap(ctx, &sliceIter{values: []string{"a"}, err: errBoom})
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	for it.Next() {
	}
	if !errors.Is(it.Err(), errBoom) {
		t.Fatalf("expected the sequence error, got: %v", it.Err())
	}
	if n, _ := cb.FailureCount(ctx); n != 1 {
		t.Fatalf("expected 1 counted failure, got %d", n)
	}

	// repeated Next calls after exhaustion must not double-count
	for it.Next() {
	}
	if n, _ := cb.FailureCount(ctx); n != 1 {
		t.Fatalf("failure recorded twice, got %d", n)
	}
}

func TestWrapAbandonedSequenceRecordsNothing(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	cb := mustBreaker[string](t, "feed", st,
		WithFailureThreshold[string](3),
		WithRecoveryTimeout[string](time.Minute))

	it, err := cb.Wrap(ctx, &sliceIter{values: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if !it.Next() {
		t.Fatalf("expected a first value")
	}
	// walk away mid-sequence
	if _, found, _ := st.Load(ctx, "feed"); found {
		t.Fatalf("an abandoned sequence must not touch the store")
	}
}

func TestWrapShortCircuitsWhileOpen(t *testing.T) {
	ctx := context.Background()
	cb := mustBreaker[string](t, "feed", NewMemoryStore(),
		WithFailureThreshold[string](1),
		WithRecoveryTimeout[string](time.Minute),
		WithFallback[string](func(ctx context.Context) (string, error) {
			return "cached", nil
		}))
	_, _ = cb.Do(ctx, failing)

	// fallbacks never apply to sequences
	it, err := cb.Wrap(ctx, &sliceIter{values: []string{"a"}})
	if it != nil {
		t.Fatalf("expected no iterator while open")
	}
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected an OpenError, got: %v", err)
	}
}
