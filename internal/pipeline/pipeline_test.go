package pipeline

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/embedgate/internal/observe"
	"github.com/MrWong99/embedgate/pkg/provider/embeddings"
	"github.com/MrWong99/embedgate/pkg/provider/embeddings/mock"
)

type fakeModels struct {
	handle   embeddings.Provider
	err      error
	usage    []int
	usageErr error
}

func (f *fakeModels) AcquireHandle() (embeddings.Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

func (f *fakeModels) RecordUsage(_ context.Context, n int) error {
	f.usage = append(f.usage, n)
	return f.usageErr
}

// halver keeps the first half of each vector.
type halver struct{ calls int }

func (h *halver) TransformBatch(xs [][]float32) ([][]float32, error) {
	h.calls++
	out := make([][]float32, len(xs))
	for i, x := range xs {
		out[i] = slices.Clone(x[:len(x)/2])
	}
	return out, nil
}

func newTestPipeline(t *testing.T, models Models, reducer Reducer) *Pipeline {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return New(models, reducer, WithMetrics(m), WithLanguage("de"))
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestRun_Stages(t *testing.T) {
	texts := []string{"Mona Lisa", "Nachtwache"}
	tests := []struct {
		name        string
		steps       Steps
		wantLen     int
		wantDim     int
		wantReduce  int
		wantUnitLen bool
	}{
		{"all", AllSteps, 2, 2, 1, true},
		{"embed only", Steps{Embed: true}, 2, 4, 0, false},
		{"embed and reduce", Steps{Embed: true, Reduce: true}, 2, 2, 1, false},
		{"embed and normalize skips normalize", Steps{Embed: true, Normalize: true}, 2, 4, 0, false},
		{"no embed", Steps{Reduce: true, Normalize: true}, 0, 0, 0, false},
		{"nothing", Steps{}, 0, 0, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			provider := &mock.Provider{DimensionsValue: 4, ModelIDValue: "mxbai"}
			models := &fakeModels{handle: provider}
			red := &halver{}
			p := newTestPipeline(t, models, red)

			res, err := p.Run(context.Background(), texts, tc.steps)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Vectors == nil {
				t.Fatal("Vectors is nil, want empty slice at least")
			}
			if len(res.Vectors) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(res.Vectors), tc.wantLen)
			}
			for _, v := range res.Vectors {
				if len(v) != tc.wantDim {
					t.Errorf("dim = %d, want %d", len(v), tc.wantDim)
				}
				if tc.wantUnitLen && math.Abs(norm(v)-1) > 1e-5 {
					t.Errorf("norm = %v, want 1", norm(v))
				}
			}
			if red.calls != tc.wantReduce {
				t.Errorf("reduce calls = %d, want %d", red.calls, tc.wantReduce)
			}
			if tc.steps.Embed {
				calls := provider.Calls()
				if len(calls) != 1 || calls[0].Lang != "de" {
					t.Errorf("embed calls = %+v, want one call with lang de", calls)
				}
				if !slices.Equal(models.usage, []int{2}) {
					t.Errorf("usage = %v, want [2]", models.usage)
				}
				if res.ModelID != "mxbai" {
					t.Errorf("ModelID = %q", res.ModelID)
				}
			} else if len(provider.Calls()) != 0 {
				t.Error("model was called without the embed step")
			}
		})
	}
}

func TestRun_Errors(t *testing.T) {
	errBackend := errors.New("connection reset")
	errReload := errors.New("reload failed")
	tests := []struct {
		name    string
		models  *fakeModels
		reducer Reducer
		steps   Steps
		wantErr error
	}{
		{"no handle", &fakeModels{err: errReload}, &halver{}, AllSteps, errReload},
		{"backend error", &fakeModels{handle: &mock.Provider{EmbedBatchErr: errBackend}}, &halver{}, AllSteps, errBackend},
		{"usage triggers failed reload", &fakeModels{handle: &mock.Provider{DimensionsValue: 2}, usageErr: errReload}, &halver{}, AllSteps, errReload},
		{"no reducer", &fakeModels{handle: &mock.Provider{DimensionsValue: 2}}, nil, AllSteps, ErrNoReducer},
		{"NaN component", &fakeModels{handle: &mock.Provider{EmbedBatchResult: [][]float32{{1, float32(math.NaN())}}}}, &halver{}, Steps{Embed: true}, ErrNonFinite},
		{"infinite component", &fakeModels{handle: &mock.Provider{EmbedBatchResult: [][]float32{{float32(math.Inf(-1)), 1}}}}, &halver{}, AllSteps, ErrNonFinite},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPipeline(t, tc.models, tc.reducer)
			_, err := p.Run(context.Background(), []string{"x"}, tc.steps)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestRun_NoReducerWithoutReduceStep(t *testing.T) {
	p := newTestPipeline(t, &fakeModels{handle: &mock.Provider{DimensionsValue: 2}}, nil)
	res, err := p.Run(context.Background(), []string{"x"}, Steps{Embed: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Vectors) != 1 {
		t.Errorf("len = %d, want 1", len(res.Vectors))
	}
}

func TestRun_VectorCountMismatch(t *testing.T) {
	provider := &mock.Provider{EmbedBatchResult: [][]float32{{1}}}
	models := &fakeModels{handle: provider}
	p := newTestPipeline(t, models, &halver{})
	if _, err := p.Run(context.Background(), []string{"a", "b"}, Steps{Embed: true}); err == nil {
		t.Fatal("expected error for short backend result")
	}
	if len(models.usage) != 0 {
		t.Errorf("usage recorded for a failed batch: %v", models.usage)
	}
}

func TestRun_Spans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		_ = tp.Shutdown(context.Background())
	})

	p := newTestPipeline(t, &fakeModels{handle: &mock.Provider{DimensionsValue: 4}}, &halver{})
	if _, err := p.Run(context.Background(), []string{"a"}, AllSteps); err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, s := range exp.GetSpans() {
		names = append(names, s.Name)
	}
	want := []string{"pipeline.embed", "pipeline.reduce", "pipeline.normalize"}
	if !slices.Equal(names, want) {
		t.Errorf("spans = %v, want %v", names, want)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want []float32
	}{
		{"3-4-5", []float32{3, 4}, []float32{0.6, 0.8}},
		{"already unit", []float32{0, 1, 0}, []float32{0, 1, 0}},
		{"zero vector unchanged", []float32{0, 0, 0}, []float32{0, 0, 0}},
		{"negative", []float32{-2, 0}, []float32{-1, 0}},
		{"empty", []float32{}, []float32{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := slices.Clone(tc.in)
			got := Normalize(in)
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if math.IsNaN(float64(got[i])) || math.Abs(float64(got[i]-tc.want[i])) > 1e-6 {
					t.Errorf("Normalize(%v) = %v, want %v", tc.in, got, tc.want)
					break
				}
			}
			if !slices.Equal(in, tc.in) {
				t.Error("input was modified")
			}
		})
	}
}
