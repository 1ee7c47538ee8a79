// Package gate implements the process-wide admission gate: a single
// processing slot shared by every transport. Waiters queue in FIFO order for
// at most a bounded time and are rejected with [ErrBusy] afterwards.
package gate

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/embedgate/internal/observe"
)

// ErrBusy is returned when the slot could not be obtained within the wait
// bound.
var ErrBusy = errors.New("gate: the service is busy and queueing is not possible")

// Gate is a single-slot admission gate. The zero value is not usable; call
// [New].
type Gate struct {
	sem     *semaphore.Weighted
	metrics *observe.Metrics
}

// Option configures a [Gate].
type Option func(*Gate)

// WithMetrics records wait time into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New returns a gate with one free slot.
func New(opts ...Option) *Gate {
	g := &Gate{sem: semaphore.NewWeighted(1)}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Acquire waits up to timeout for the slot. A timeout of zero or less only
// succeeds when the slot is free right now.
//
// It returns nil when the slot was granted and [ErrBusy] when the wait bound
// elapsed. If ctx itself ends first, ctx.Err() is returned. Every nil return
// must be paired with exactly one [Gate.Release].
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	defer func() {
		g.metrics.GateWait.Record(ctx, time.Since(start).Seconds())
	}()

	if timeout <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !g.sem.TryAcquire(1) {
			return ErrBusy
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBusy
	}
	return nil
}

// Release frees the slot. Calling Release without holding the slot panics.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Do acquires the slot, runs fn and releases the slot exactly once, even
// when fn panics. fn receives a context detached from ctx's cancellation:
// work that was admitted runs to completion.
func (g *Gate) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx, timeout); err != nil {
		return err
	}
	defer g.Release()
	return fn(context.WithoutCancel(ctx))
}
