// Package model owns the lifecycle of the embedding model handle.
//
// Loading a model is slow and its memory footprint grows with use, so the
// [Manager] rebuilds the handle from a [Factory] after a configurable number
// of embedded records. One Manager exists per process.
//
// The handle and the usage counter are not protected by a lock. Every call to
// [Manager.AcquireHandle], [Manager.RecordUsage] and [Manager.Reload] must be
// made while holding the admission gate (see package gate); the gate is what
// makes the manager single-threaded. Only the reload threshold may be changed
// concurrently.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/embedgate/internal/observe"
	"github.com/MrWong99/embedgate/pkg/provider/embeddings"
)

// ErrModelUnavailable is returned when no usable model handle exists, which
// happens after a reconstruction failed on every attempt.
var ErrModelUnavailable = errors.New("model: no usable model handle")

// Factory builds a fresh model handle.
type Factory func(ctx context.Context) (embeddings.Provider, error)

// Manager holds the current model handle and rebuilds it periodically.
type Manager struct {
	factory      Factory
	retries      uint64
	retryBackoff time.Duration
	metrics      *observe.Metrics
	onReload     func(embeddings.Provider)

	threshold atomic.Int64
	available atomic.Bool

	// Guarded by the admission gate.
	handle    embeddings.Provider
	callCount int
}

// Option configures a [Manager].
type Option func(*Manager)

// WithReloadAfter sets the number of embedded records after which the handle
// is rebuilt. Zero or negative disables periodic reloads.
func WithReloadAfter(n int) Option {
	return func(m *Manager) { m.threshold.Store(int64(n)) }
}

// WithRetries makes a failed construction be retried n times with
// exponential backoff starting at base. The default is no retries.
func WithRetries(n int, base time.Duration) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retries = uint64(n)
		}
		if base > 0 {
			m.retryBackoff = base
		}
	}
}

// WithMetrics records reloads into met instead of [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithOnReload registers fn to be called with every newly built handle.
func WithOnReload(fn func(embeddings.Provider)) Option {
	return func(m *Manager) { m.onReload = fn }
}

// DefaultReloadAfter is the reload threshold used without [WithReloadAfter].
const DefaultReloadAfter = 1000

// New builds the initial handle and returns a ready manager.
func New(ctx context.Context, factory Factory, opts ...Option) (*Manager, error) {
	m := &Manager{
		factory:      factory,
		retryBackoff: time.Second,
	}
	m.threshold.Store(DefaultReloadAfter)
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}

	h, err := m.build(ctx)
	if err != nil {
		return nil, err
	}
	m.install(h)
	return m, nil
}

// AcquireHandle returns the current handle. The caller must hold the
// admission gate for as long as it uses the handle.
func (m *Manager) AcquireHandle() (embeddings.Provider, error) {
	if m.handle == nil {
		return nil, ErrModelUnavailable
	}
	return m.handle, nil
}

// RecordUsage adds n to the usage counter and rebuilds the handle
// synchronously once the counter reaches the reload threshold. The caller
// must hold the admission gate.
func (m *Manager) RecordUsage(ctx context.Context, n int) error {
	m.callCount += n
	threshold := m.threshold.Load()
	if threshold <= 0 || int64(m.callCount) < threshold {
		return nil
	}
	slog.Info("model: reload threshold reached",
		"count", m.callCount, "threshold", threshold)
	return m.Reload(ctx)
}

// Reload closes the current handle, builds a new one and resets the usage
// counter. The old handle is closed before construction so that its memory
// is returned first. On failure the manager is left without a handle and
// every later call reports [ErrModelUnavailable]. The caller must hold the
// admission gate.
func (m *Manager) Reload(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "model.reload")
	start := time.Now()

	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			slog.Warn("model: closing previous handle", "err", err)
		}
		m.handle = nil
		m.available.Store(false)
	}
	m.callCount = 0

	h, err := m.build(ctx)
	elapsed := time.Since(start)
	if err != nil {
		m.metrics.RecordModelReload(ctx, "error", elapsed.Seconds())
		observe.EndSpan(span, err)
		slog.Error("model: reload failed", "err", err, "elapsed", elapsed)
		return err
	}
	m.install(h)
	m.metrics.RecordModelReload(ctx, "ok", elapsed.Seconds())
	observe.EndSpan(span, nil)
	observe.Logger(ctx).Info("model: reloaded",
		"model", h.ModelID(), "elapsed", elapsed)
	return nil
}

func (m *Manager) build(ctx context.Context) (embeddings.Provider, error) {
	var h embeddings.Provider
	attempt := 0
	backoff := retry.WithMaxRetries(m.retries, retry.NewExponential(m.retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		p, err := m.factory(ctx)
		if err != nil {
			slog.Warn("model: construction failed", "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		h = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	return h, nil
}

func (m *Manager) install(h embeddings.Provider) {
	m.handle = h
	m.available.Store(true)
	if m.onReload != nil {
		m.onReload(h)
	}
}

// SetReloadAfter changes the reload threshold. Safe for concurrent use.
func (m *Manager) SetReloadAfter(n int) {
	m.threshold.Store(int64(n))
}

// ReloadAfter returns the current reload threshold.
func (m *Manager) ReloadAfter() int {
	return int(m.threshold.Load())
}

// CallCount returns the usage counter. The caller must hold the admission
// gate.
func (m *Manager) CallCount() int {
	return m.callCount
}

// Check reports [ErrModelUnavailable] while there is no usable handle. Unlike
// the other methods it is safe to call without the gate.
func (m *Manager) Check(context.Context) error {
	if !m.available.Load() {
		return ErrModelUnavailable
	}
	return nil
}

// Close releases the current handle. The manager must not be used afterwards.
func (m *Manager) Close() error {
	if m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	m.available.Store(false)
	return err
}
