package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-ward/v1/metrics"
)

// Default tuning, matching long-standing circuit breaker practice: five
// consecutive failures open the circuit for thirty seconds.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Classifier decides whether a failure counts against the circuit.
// Errors it rejects propagate to the caller without affecting breaker
// state.
type Classifier func(err error) bool

// OpenError is returned when a call is short-circuited by an open
// circuit and no fallback is configured.
type OpenError struct {
	Name         string
	FailureCount int
	Remaining    time.Duration
	LastFailure  string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("ward: circuit %s open (%d failures, %s remaining, last failure: %s)",
		e.Name, e.FailureCount, e.Remaining.Round(time.Millisecond), e.LastFailure)
}

// CircuitBreaker guards calls producing values of type T with a
// three-state circuit: CLOSED, OPEN and a derived HALF_OPEN that lets a
// single probe through once the recovery timeout has elapsed.
type CircuitBreaker[T any] struct {
	name             string
	store            StateStore
	failureThreshold int
	recoveryTimeout  time.Duration
	classify         Classifier
	fallback         func(ctx context.Context) (T, error)
	logger           *zap.Logger
}

// Option configures a CircuitBreaker.
type Option[T any] func(*breakerOptions[T])

type breakerOptions[T any] struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	classify         Classifier
	fallback         func(ctx context.Context) (T, error)
	registry         *Registry
	logger           *zap.Logger
}

// WithFailureThreshold sets how many counted failures open the circuit.
func WithFailureThreshold[T any](n int) Option[T] {
	return func(o *breakerOptions[T]) {
		o.failureThreshold = n
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before a
// probe is allowed through.
func WithRecoveryTimeout[T any](d time.Duration) Option[T] {
	return func(o *breakerOptions[T]) {
		o.recoveryTimeout = d
	}
}

// WithFallback sets the function invoked instead of the guarded call
// while the circuit is open.
func WithFallback[T any](fn func(ctx context.Context) (T, error)) Option[T] {
	return func(o *breakerOptions[T]) {
		o.fallback = fn
	}
}

// WithClassifier sets which failures count against the circuit.
// Defaults to counting every non-nil error.
func WithClassifier[T any](fn Classifier) Option[T] {
	return func(o *breakerOptions[T]) {
		o.classify = fn
	}
}

// WithRegistry registers the breaker for process-wide introspection.
func WithRegistry[T any](reg *Registry) Option[T] {
	return func(o *breakerOptions[T]) {
		o.registry = reg
	}
}

// WithLogger sets the breaker's logger.
func WithLogger[T any](logger *zap.Logger) Option[T] {
	return func(o *breakerOptions[T]) {
		o.logger = logger
	}
}

// New creates a circuit breaker named name over the given state store.
func New[T any](name string, st StateStore, opts ...Option[T]) (*CircuitBreaker[T], error) {
	o := breakerOptions[T]{
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		classify:         func(err error) bool { return true },
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.failureThreshold <= 0 {
		return nil, errors.New("ward: failure threshold must be positive")
	}
	if o.recoveryTimeout <= 0 {
		return nil, errors.New("ward: recovery timeout must be positive")
	}
	cb := &CircuitBreaker[T]{
		name:             name,
		store:            st,
		failureThreshold: o.failureThreshold,
		recoveryTimeout:  o.recoveryTimeout,
		classify:         o.classify,
		fallback:         o.fallback,
		logger:           o.logger,
	}
	if o.registry != nil {
		o.registry.Register(cb)
	}
	return cb, nil
}

// Name returns the breaker's name, its coordination key.
func (cb *CircuitBreaker[T]) Name() string {
	return cb.name
}

// freshRecord is the record an unpersisted breaker reads as: closed,
// zero failures, configured thresholds.
func (cb *CircuitBreaker[T]) freshRecord() Record {
	return Record{
		Name:             cb.name,
		State:            StateClosed,
		Opened:           nowMillis(),
		FailureThreshold: cb.failureThreshold,
		RecoveryTimeout:  cb.recoveryTimeout,
	}
}

func (cb *CircuitBreaker[T]) load(ctx context.Context) (Record, error) {
	rec, ok, err := cb.store.Load(ctx, cb.name)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return cb.freshRecord(), nil
	}
	return rec, nil
}

// mutate runs a read-modify-write against the state store, using the
// store's own serialized Mutate when it offers one.
func (cb *CircuitBreaker[T]) mutate(ctx context.Context, fn func(rec Record, found bool) (Record, bool)) error {
	if m, ok := cb.store.(mutator); ok {
		return m.Mutate(ctx, cb.name, fn)
	}
	rec, found, err := cb.store.Load(ctx, cb.name)
	if err != nil {
		return err
	}
	next, save := fn(rec, found)
	if !save {
		return nil
	}
	return cb.store.Save(ctx, next)
}

// recordFailure counts a matched failure, opening the circuit once the
// threshold is reached. A failed half-open probe reopens it with a
// refreshed open timestamp.
func (cb *CircuitBreaker[T]) recordFailure(ctx context.Context, cause error) error {
	return cb.mutate(ctx, func(rec Record, found bool) (Record, bool) {
		if !found {
			rec = cb.freshRecord()
		}
		rec.FailureCount++
		rec.LastFailure = cause.Error()
		if rec.FailureCount >= rec.FailureThreshold {
			cb.logger.Warn("failure count reached the threshold, opening the circuit",
				zap.String("breaker", cb.name), zap.Int("failures", rec.FailureCount))
			rec.State = StateOpen
			rec.Opened = nowMillis()
			metrics.BreakerOpenCounter.Inc()
		}
		return rec, true
	})
}

// recordSuccess closes the circuit and resets the failure count. A
// breaker that has never persisted a record stays unpersisted.
func (cb *CircuitBreaker[T]) recordSuccess(ctx context.Context) error {
	return cb.mutate(ctx, func(rec Record, found bool) (Record, bool) {
		if !found {
			return rec, false
		}
		if rec.State == StateClosed && rec.FailureCount == 0 && rec.LastFailure == "" {
			return rec, false
		}
		rec.State = StateClosed
		rec.FailureCount = 0
		rec.LastFailure = ""
		return rec, true
	})
}

func (cb *CircuitBreaker[T]) openError(rec Record) *OpenError {
	remaining := openRemaining(rec, time.Now())
	if remaining < 0 {
		remaining = 0
	}
	return &OpenError{
		Name:         cb.name,
		FailureCount: rec.FailureCount,
		Remaining:    remaining,
		LastFailure:  rec.LastFailure,
	}
}

// Do runs fn under the circuit. While the circuit is open the call is
// short-circuited to the fallback, or to an OpenError when none is
// configured. A failure the classifier rejects propagates without
// affecting breaker state.
func (cb *CircuitBreaker[T]) Do(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	rec, err := cb.load(ctx)
	if err != nil {
		return zero, err
	}
	if derivedState(rec, time.Now()) == StateOpen {
		metrics.BreakerShortCircuitCounter.Inc()
		if cb.fallback != nil {
			return cb.fallback(ctx)
		}
		return zero, cb.openError(rec)
	}
	v, err := fn(ctx)
	if err != nil && cb.classify(err) {
		if rerr := cb.recordFailure(ctx, err); rerr != nil {
			cb.logger.Warn("failed to record breaker failure", zap.String("breaker", cb.name), zap.Error(rerr))
		}
		return zero, err
	}
	if rerr := cb.recordSuccess(ctx); rerr != nil {
		cb.logger.Warn("failed to record breaker success", zap.String("breaker", cb.name), zap.Error(rerr))
	}
	return v, err
}

// RetryUntilClosed runs fn with accounting but without short-circuiting,
// sleeping recoveryTimeout/failureThreshold between attempts, until fn
// succeeds or the failure count reaches the threshold. It then defers to
// the fallback, or returns an OpenError.
func (cb *CircuitBreaker[T]) RetryUntilClosed(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempt := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && cb.classify(err) {
			if rerr := cb.recordFailure(ctx, err); rerr != nil {
				return zero, rerr
			}
			return zero, err
		}
		if rerr := cb.recordSuccess(ctx); rerr != nil {
			return zero, rerr
		}
		return v, err
	}
	pause := cb.recoveryTimeout / time.Duration(cb.failureThreshold)
	for {
		v, err := attempt()
		if err == nil {
			return v, nil
		}
		cb.logger.Warn("retry attempt failed", zap.String("breaker", cb.name), zap.Error(err))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(pause):
		}
		rec, lerr := cb.load(ctx)
		if lerr != nil {
			return zero, lerr
		}
		if rec.FailureCount >= rec.FailureThreshold {
			if cb.fallback != nil {
				return cb.fallback(ctx)
			}
			return zero, cb.openError(rec)
		}
	}
}

// State returns the breaker's current state, derived at read time.
func (cb *CircuitBreaker[T]) State(ctx context.Context) (State, error) {
	rec, err := cb.load(ctx)
	if err != nil {
		return "", err
	}
	return derivedState(rec, time.Now()), nil
}

// FailureCount returns the current failure count.
func (cb *CircuitBreaker[T]) FailureCount(ctx context.Context) (int, error) {
	rec, err := cb.load(ctx)
	if err != nil {
		return 0, err
	}
	return rec.FailureCount, nil
}

// OpenRemaining returns how much longer the circuit stays open. It is
// zero or negative when the circuit is closed or ready for a probe.
func (cb *CircuitBreaker[T]) OpenRemaining(ctx context.Context) (time.Duration, error) {
	rec, err := cb.load(ctx)
	if err != nil {
		return 0, err
	}
	if rec.State != StateOpen {
		return 0, nil
	}
	return openRemaining(rec, time.Now()), nil
}

// LastFailure returns the description of the last counted failure.
func (cb *CircuitBreaker[T]) LastFailure(ctx context.Context) (string, error) {
	rec, err := cb.load(ctx)
	if err != nil {
		return "", err
	}
	return rec.LastFailure, nil
}
