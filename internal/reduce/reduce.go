// Package reduce implements the dimensionality reduction stage of the
// embedding pipeline: a fitted linear projection y = W(x - mean), optionally
// whitened, that maps model vectors (e.g. 1024-d) onto a smaller space
// (e.g. 300-d).
//
// Models are stored as JSON and may be compressed with zstd or gzip; the
// compression is detected from the leading magic bytes, not the file name.
package reduce

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrDimensionMismatch is returned when an input vector does not have the
// length the model was fitted on.
var ErrDimensionMismatch = errors.New("reduce: input dimension mismatch")

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// file is the on-disk JSON layout.
type file struct {
	Mean              []float64   `json:"mean"`
	Components        [][]float64 `json:"components"`
	ExplainedVariance []float64   `json:"explained_variance,omitempty"`
	Whiten            bool        `json:"whiten,omitempty"`
}

// Model is a fitted linear projection. It is immutable and safe for
// concurrent use.
type Model struct {
	mean       []float32
	components [][]float32 // out x in, already scaled when whitening
}

// New validates the parameters and returns a [Model]. When whiten is set,
// every component row is divided by the square root of its explained
// variance.
func New(mean []float64, components [][]float64, explainedVariance []float64, whiten bool) (*Model, error) {
	if len(mean) == 0 {
		return nil, errors.New("reduce: empty mean vector")
	}
	if len(components) == 0 {
		return nil, errors.New("reduce: no components")
	}
	if whiten && len(explainedVariance) != len(components) {
		return nil, fmt.Errorf("reduce: whitening needs %d variances, got %d", len(components), len(explainedVariance))
	}

	m := &Model{
		mean:       make([]float32, len(mean)),
		components: make([][]float32, len(components)),
	}
	for i, v := range mean {
		m.mean[i] = float32(v)
	}
	for i, row := range components {
		if len(row) != len(mean) {
			return nil, fmt.Errorf("reduce: component %d has %d entries, want %d", i, len(row), len(mean))
		}
		scale := 1.0
		if whiten {
			if explainedVariance[i] <= 0 {
				return nil, fmt.Errorf("reduce: component %d: non-positive variance %v", i, explainedVariance[i])
			}
			scale = 1 / math.Sqrt(explainedVariance[i])
		}
		out := make([]float32, len(row))
		for j, w := range row {
			out[j] = float32(w * scale)
		}
		m.components[i] = out
	}
	return m, nil
}

// Load reads a model from path.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reduce: open model: %w", err)
	}
	defer f.Close()
	m, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%w (path %s)", err, path)
	}
	return m, nil
}

// Read decodes a model from r, decompressing it when it starts with a zstd or
// gzip header.
func Read(r io.Reader) (*Model, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))

	var src io.Reader = br
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("reduce: zstd: %w", err)
		}
		defer dec.Close()
		src = dec
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("reduce: gzip: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	var f file
	if err := json.NewDecoder(src).Decode(&f); err != nil {
		return nil, fmt.Errorf("reduce: decode model: %w", err)
	}
	return New(f.Mean, f.Components, f.ExplainedVariance, f.Whiten)
}

// InputDim returns the vector length the model accepts.
func (m *Model) InputDim() int { return len(m.mean) }

// OutputDim returns the length of projected vectors.
func (m *Model) OutputDim() int { return len(m.components) }

// Transform projects one vector.
func (m *Model) Transform(x []float32) ([]float32, error) {
	if len(x) != len(m.mean) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(x), len(m.mean))
	}
	centered := make([]float32, len(x))
	for i, v := range x {
		centered[i] = v - m.mean[i]
	}
	y := make([]float32, len(m.components))
	for i, row := range m.components {
		var sum float32
		for j, w := range row {
			sum += w * centered[j]
		}
		y[i] = sum
	}
	return y, nil
}

// TransformBatch projects every vector. It fails on the first vector with
// the wrong length and returns no partial result.
func (m *Model) TransformBatch(xs [][]float32) ([][]float32, error) {
	out := make([][]float32, len(xs))
	for i, x := range xs {
		y, err := m.Transform(x)
		if err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		out[i] = y
	}
	return out, nil
}
