// Package embeddings defines the Provider interface for the dense embedding
// backends that sit behind the model lifecycle manager.
//
// A Provider wraps one live model instance: a remote embedding server, a
// hosted API, or a local subprocess holding the model in memory. Providers
// are built by a factory, used exclusively by the lifecycle manager while the
// admission gate is held, and closed when the manager rebuilds its handle.
//
// Implementations need not be safe for concurrent use; the admission gate
// guarantees that at most one call is in flight.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider share the same dimensionality
// (Dimensions). Vectors from different model IDs must never be mixed.
type Provider interface {
	// EmbedBatch computes embedding vectors for texts in a single backend
	// call. lang is the source-language tag of the texts (e.g. "en");
	// backends that are language-agnostic may ignore it.
	//
	// The returned slice has the same length as texts and the i-th element
	// corresponds to texts[i]. Partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string, lang string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider, or 0 when it is not known before the first call.
	Dimensions() int

	// ModelID returns the provider-specific model identifier (e.g.
	// "mxbai-embed-large"). Used for logging and archived alongside vectors.
	ModelID() string

	// Close releases the model instance. After Close the provider must not
	// be used. Close must be idempotent.
	Close() error
}
