package resilience

import (
	"context"

	"github.com/MrWong99/embedgate/pkg/provider/embeddings"
)

// Provider guards an [embeddings.Provider] with a [CircuitBreaker]. The
// breaker may be shared between successive handles so that a rebuilt model
// inherits the failure history of its predecessor until [CircuitBreaker.Reset]
// is called.
type Provider struct {
	inner embeddings.Provider
	cb    *CircuitBreaker
}

var _ embeddings.Provider = (*Provider)(nil)

// NewProvider wraps inner with cb.
func NewProvider(inner embeddings.Provider, cb *CircuitBreaker) *Provider {
	return &Provider{inner: inner, cb: cb}
}

// EmbedBatch forwards to the wrapped provider unless the breaker is open.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, lang string) ([][]float32, error) {
	var out [][]float32
	err := p.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = p.inner.EmbedBatch(ctx, texts, lang)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

func (p *Provider) ModelID() string { return p.inner.ModelID() }

// Close closes the wrapped provider. The breaker is left untouched.
func (p *Provider) Close() error { return p.inner.Close() }

// Unwrap returns the guarded provider.
func (p *Provider) Unwrap() embeddings.Provider { return p.inner }
