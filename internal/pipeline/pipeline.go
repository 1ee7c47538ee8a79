// Package pipeline turns canonical record texts into vectors.
//
// Three stages run in fixed order: embed (one batched call to the model
// handle), reduce (linear projection to a smaller space) and normalize (L2).
// Each stage only runs when the previous one did, so asking for reduce
// without embed yields an empty result rather than an error.
//
// A [Pipeline] touches the model handle and must therefore only be run while
// the admission gate is held.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/embedgate/internal/observe"
	"github.com/MrWong99/embedgate/pkg/provider/embeddings"
)

// ErrNoReducer is returned when the reduce stage is requested but no reduce
// model was loaded.
var ErrNoReducer = errors.New("pipeline: no reduce model loaded")

// ErrNonFinite is returned when the backend produced a NaN or infinite
// component. Such vectors cannot be encoded as JSON.
var ErrNonFinite = errors.New("pipeline: backend returned a non-finite vector component")

// Models is the part of the model lifecycle manager the pipeline needs.
type Models interface {
	AcquireHandle() (embeddings.Provider, error)
	RecordUsage(ctx context.Context, n int) error
}

// Reducer projects vectors onto a smaller space.
type Reducer interface {
	TransformBatch(xs [][]float32) ([][]float32, error)
}

// Result is the output of one pipeline run.
type Result struct {
	// Vectors holds one vector per input text, or nothing when the embed
	// stage was not requested.
	Vectors [][]float32

	// ModelID identifies the model that produced the vectors.
	ModelID string
}

// Pipeline runs the embedding stages.
type Pipeline struct {
	models  Models
	reducer Reducer
	lang    string
	metrics *observe.Metrics
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLanguage sets the language tag passed to the model. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Pipeline) {
		if lang != "" {
			p.lang = lang
		}
	}
}

// WithMetrics records stage latencies into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline. reducer may be nil, in which case requests that
// ask for the reduce stage fail with [ErrNoReducer].
func New(models Models, reducer Reducer, opts ...Option) *Pipeline {
	p := &Pipeline{models: models, reducer: reducer, lang: "en"}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run embeds texts and applies the selected stages. The caller must hold the
// admission gate and must have enforced the batch size limit.
func (p *Pipeline) Run(ctx context.Context, texts []string, steps Steps) (Result, error) {
	if !steps.Embed {
		return Result{Vectors: [][]float32{}}, nil
	}

	vectors, modelID, err := p.embed(ctx, texts)
	if err != nil {
		return Result{}, err
	}
	res := Result{Vectors: vectors, ModelID: modelID}
	if !steps.Reduce {
		return res, nil
	}

	if res.Vectors, err = p.reduce(ctx, res.Vectors); err != nil {
		return Result{}, err
	}
	if !steps.Normalize {
		return res, nil
	}

	_, span := observe.StartSpan(ctx, "pipeline.normalize")
	start := time.Now()
	res.Vectors = NormalizeAll(res.Vectors)
	p.metrics.NormalizeDuration.Record(ctx, time.Since(start).Seconds())
	span.End()
	return res, nil
}

func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, string, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.embed",
		trace.WithAttributes(attribute.Int("batch.size", len(texts))))
	start := time.Now()

	h, err := p.models.AcquireHandle()
	if err != nil {
		observe.EndSpan(span, err)
		return nil, "", err
	}
	modelID := h.ModelID()

	vectors, err := h.EmbedBatch(ctx, texts, p.lang)
	p.metrics.EmbedDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, modelID)
		err = fmt.Errorf("pipeline: embed: %w", err)
		observe.EndSpan(span, err)
		return nil, "", err
	}
	if len(vectors) != len(texts) {
		err = fmt.Errorf("pipeline: embed: backend returned %d vectors for %d texts", len(vectors), len(texts))
		observe.EndSpan(span, err)
		return nil, "", err
	}
	if i, j, ok := firstNonFinite(vectors); ok {
		p.metrics.RecordProviderError(ctx, modelID)
		err = fmt.Errorf("%w: vector %d, component %d", ErrNonFinite, i, j)
		observe.EndSpan(span, err)
		return nil, "", err
	}
	p.metrics.RecordsEmbedded.Add(ctx, int64(len(vectors)))

	if err := p.models.RecordUsage(ctx, len(vectors)); err != nil {
		observe.EndSpan(span, err)
		return nil, "", err
	}
	observe.EndSpan(span, nil)
	return vectors, modelID, nil
}

func firstNonFinite(vectors [][]float32) (int, int, bool) {
	for i, v := range vectors {
		for j, x := range v {
			if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func (p *Pipeline) reduce(ctx context.Context, vectors [][]float32) ([][]float32, error) {
	_, span := observe.StartSpan(ctx, "pipeline.reduce")
	if p.reducer == nil {
		observe.EndSpan(span, ErrNoReducer)
		return nil, ErrNoReducer
	}
	start := time.Now()
	out, err := p.reducer.TransformBatch(vectors)
	p.metrics.ReduceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("pipeline: reduce: %w", err)
	}
	observe.EndSpan(span, err)
	return out, err
}

// Normalize returns v scaled to unit L2 length. A zero vector is returned as
// an unchanged copy. v itself is never modified.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// NormalizeAll applies [Normalize] to every vector.
func NormalizeAll(vs [][]float32) [][]float32 {
	out := make([][]float32, len(vs))
	for i, v := range vs {
		out[i] = Normalize(v)
	}
	return out
}
