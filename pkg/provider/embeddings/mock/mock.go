// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned or generated vectors without a live model
// and to verify which texts and language tags were submitted.
//
// Example:
//
//	p := &mock.Provider{DimensionsValue: 4, ModelIDValue: "test-embed-v1"}
//	vecs, _ := p.EmbedBatch(ctx, []string{"hello"}, "en") // one 4-d vector
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/embedgate/pkg/provider/embeddings"
)

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Ctx is the context passed to EmbedBatch.
	Ctx context.Context
	// Texts is a copy of the string slice passed to EmbedBatch.
	Texts []string
	// Lang is the language tag passed to EmbedBatch.
	Lang string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedBatchResult is returned by EmbedBatch when non-nil.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// EmbedBatchFunc, if set, overrides both fields above.
	EmbedBatchFunc func(ctx context.Context, texts []string, lang string) ([][]float32, error)

	// DimensionsValue is returned by Dimensions. When EmbedBatchResult and
	// EmbedBatchFunc are nil, EmbedBatch generates vectors of this length.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// CloseErr, if non-nil, is returned from Close.
	CloseErr error

	// --- Call records ---

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// EmbedBatch records the call and returns the configured result.
//
// Without a configured result it returns one deterministic vector per text
// with DimensionsValue entries; entry j of vector i is (i+1)*(j+1).
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, lang string) ([][]float32, error) {
	p.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp, Lang: lang})
	fn := p.EmbedBatchFunc
	result, err, dims := p.EmbedBatchResult, p.EmbedBatchErr, p.DimensionsValue
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts, lang)
	}
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	out := make([][]float32, len(texts))
	for i := range out {
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = float32((i + 1) * (j + 1))
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Close records the call and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return p.CloseErr
}

// Calls returns a snapshot of the recorded EmbedBatch calls. Thread-safe.
func (p *Provider) Calls() []EmbedBatchCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EmbedBatchCall, len(p.EmbedBatchCalls))
	copy(out, p.EmbedBatchCalls)
	return out
}

// Closed returns the number of Close calls. Thread-safe.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CloseCallCount
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = nil
	p.CloseCallCount = 0
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
