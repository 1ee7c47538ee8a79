// Package service implements the request/response core shared by every
// transport: validation, record normalization, admission, the embedding
// pipeline and response assembly.
//
// Requests are validated completely before the admission gate is touched, so
// invalid input never occupies the single processing slot.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/embedgate/internal/archive"
	"github.com/MrWong99/embedgate/internal/gate"
	"github.com/MrWong99/embedgate/internal/model"
	"github.com/MrWong99/embedgate/internal/observe"
	"github.com/MrWong99/embedgate/internal/pipeline"
	"github.com/MrWong99/embedgate/internal/record"
)

// Runner executes the embedding pipeline. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, texts []string, steps pipeline.Steps) (pipeline.Result, error)
}

// Sink receives the embeddings of successful requests.
// *archive.Store satisfies it.
type Sink interface {
	Store(ctx context.Context, entries []archive.Entry) error
}

// Request is a decoded embedding request.
type Request struct {
	// Records are the raw JSON records in request order.
	Records []json.RawMessage

	// Steps selects the pipeline stages.
	Steps pipeline.Steps

	// Transport names the adapter that received the request ("socket",
	// "http"). Used for metrics and logs only.
	Transport string
}

// Item is the embedding of one record.
type Item struct {
	ID        json.RawMessage `json:"id"`
	Embedding []float32       `json:"embedding"`
}

// Response is the success payload.
type Response struct {
	Status string `json:"status"`
	Data   []Item `json:"data"`
}

// Config holds the dependencies of a [Service].
type Config struct {
	Gate     *gate.Gate
	Pipeline Runner

	// GateTimeout bounds the wait for the processing slot.
	GateTimeout time.Duration

	// MaxRecords is the batch size limit.
	MaxRecords int

	// Sink is optional.
	Sink Sink

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Service handles embedding requests. It is safe for concurrent use; the
// gate serialises pipeline runs.
type Service struct {
	gate     *gate.Gate
	pipeline Runner
	sink     Sink
	metrics  *observe.Metrics

	gateTimeout atomic.Int64
	maxRecords  atomic.Int64

	fatal     chan error
	fatalOnce atomic.Bool
}

// New creates a [Service].
func New(cfg Config) *Service {
	s := &Service{
		gate:     cfg.Gate,
		pipeline: cfg.Pipeline,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		fatal:    make(chan error, 1),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.gateTimeout.Store(int64(cfg.GateTimeout))
	s.maxRecords.Store(int64(cfg.MaxRecords))
	return s
}

// Fatal delivers at most one error after which the process must stop,
// currently only [model.ErrModelUnavailable].
func (s *Service) Fatal() <-chan error {
	return s.fatal
}

// SetGateTimeout changes the admission wait bound for later requests.
func (s *Service) SetGateTimeout(d time.Duration) {
	s.gateTimeout.Store(int64(d))
}

// SetMaxRecords changes the batch size limit for later requests.
func (s *Service) SetMaxRecords(n int) {
	s.maxRecords.Store(int64(n))
}

// Embed validates req, runs the pipeline under the admission gate and
// assembles the response. The returned error can be turned into a client
// payload with [NewErrorResponse].
func (s *Service) Embed(ctx context.Context, req Request) (Response, error) {
	ctx, span := observe.StartSpan(ctx, "service.embed", trace.WithAttributes(
		attribute.String("transport", req.Transport),
		attribute.Int("records", len(req.Records)),
		attribute.String("steps", req.Steps.String()),
	))
	s.metrics.InFlightRequests.Add(ctx, 1)
	defer s.metrics.InFlightRequests.Add(ctx, -1)

	res, err := s.embed(ctx, req)

	status := "success"
	if err != nil {
		status = string(Classify(err))
	}
	s.metrics.RecordRequest(ctx, req.Transport, status)
	observe.EndSpan(span, err)
	return res, err
}

func (s *Service) embed(ctx context.Context, req Request) (Response, error) {
	log := observe.Logger(ctx).With("transport", req.Transport)

	recs, canon, err := s.validate(req.Records)
	if err != nil {
		log.Info("request rejected", "err", err)
		return Response{}, err
	}
	texts := make([]string, len(canon))
	for i, c := range canon {
		texts[i] = c.Text
		for _, f := range c.Fields {
			if f.Skipped() {
				log.Debug("field skipped", "record", i, "field", f.Field, "err", f.Err)
			}
		}
	}
	log.Info("embedding records", "count", len(recs), "steps", req.Steps.String())

	var result pipeline.Result
	timeout := time.Duration(s.gateTimeout.Load())
	err = s.gate.Do(ctx, timeout, func(ctx context.Context) error {
		var err error
		result, err = s.pipeline.Run(ctx, texts, req.Steps)
		return err
	})
	switch {
	case errors.Is(err, gate.ErrBusy):
		s.metrics.RecordGateRejection(ctx, req.Transport)
		log.Info("aborting: queueing not possible")
		return Response{}, err
	case errors.Is(err, model.ErrModelUnavailable):
		log.Error("model unavailable", "err", err)
		s.publishFatal(err)
		return Response{}, err
	case err != nil:
		log.Error("pipeline failed", "err", err)
		return Response{}, err
	}

	resp := Response{Status: "success", Data: make([]Item, len(result.Vectors))}
	for i, v := range result.Vectors {
		resp.Data[i] = Item{ID: recs[i].ID(), Embedding: v}
	}

	if s.sink != nil && len(result.Vectors) > 0 {
		entries := make([]archive.Entry, len(result.Vectors))
		for i, v := range result.Vectors {
			entries[i] = archive.Entry{
				RecordID:      idString(recs[i].ID()),
				ModelID:       result.ModelID,
				CanonicalText: texts[i],
				Embedding:     v,
			}
		}
		if err := s.sink.Store(ctx, entries); err != nil {
			log.Warn("archiving embeddings failed", "err", err)
		}
	}
	return resp, nil
}

// validate checks the batch and normalizes every record.
func (s *Service) validate(raws []json.RawMessage) ([]record.Record, []record.Canonical, error) {
	if len(raws) == 0 {
		return nil, nil, ErrNoRecords
	}
	if limit := int(s.maxRecords.Load()); limit > 0 && len(raws) > limit {
		return nil, nil, fmt.Errorf("%w: 'records' array is too long, please provide a maximum of %d records (got %d)",
			ErrTooManyRecords, limit, len(raws))
	}
	recs, err := record.ParseBatch(raws)
	if err != nil {
		return nil, nil, err
	}
	canon := make([]record.Canonical, len(recs))
	for i, r := range recs {
		canon[i] = record.Canonicalize(r)
	}
	return recs, canon, nil
}

func (s *Service) publishFatal(err error) {
	if s.fatalOnce.CompareAndSwap(false, true) {
		s.fatal <- err
	}
}

// idString renders a record id for storage: JSON strings lose their quotes,
// other scalars keep their literal form.
func idString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
