package breaker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-ward/v1/metrics"
)

// Iterator yields a lazily produced sequence of values. Next reports
// whether a value is available via Value; once it returns false, Err
// reports the error that ended the sequence, if any.
type Iterator[T any] interface {
	Next() bool
	Value() T
	Err() error
}

// Wrap guards a lazily produced sequence as one operation: success is
// recorded only when the sequence is exhausted without error, failure
// on the first error raised while consuming it. A partially consumed,
// abandoned sequence records neither outcome. Fallbacks do not apply to
// sequences; an open circuit returns an OpenError immediately.
func (cb *CircuitBreaker[T]) Wrap(ctx context.Context, it Iterator[T]) (Iterator[T], error) {
	rec, err := cb.load(ctx)
	if err != nil {
		return nil, err
	}
	if derivedState(rec, time.Now()) == StateOpen {
		metrics.BreakerShortCircuitCounter.Inc()
		return nil, cb.openError(rec)
	}
	return &guardedIterator[T]{cb: cb, ctx: ctx, it: it}, nil
}

type guardedIterator[T any] struct {
	cb       *CircuitBreaker[T]
	ctx      context.Context
	it       Iterator[T]
	recorded bool
}

func (g *guardedIterator[T]) Next() bool {
	if g.it.Next() {
		return true
	}
	if g.recorded {
		return false
	}
	g.recorded = true
	if err := g.it.Err(); err != nil && g.cb.classify(err) {
		if rerr := g.cb.recordFailure(g.ctx, err); rerr != nil {
			g.cb.logger.Warn("failed to record breaker failure", zap.String("breaker", g.cb.name), zap.Error(rerr))
		}
		return false
	}
	if rerr := g.cb.recordSuccess(g.ctx); rerr != nil {
		g.cb.logger.Warn("failed to record breaker success", zap.String("breaker", g.cb.name), zap.Error(rerr))
	}
	return false
}

func (g *guardedIterator[T]) Value() T {
	return g.it.Value()
}

func (g *guardedIterator[T]) Err() error {
	return g.it.Err()
}
