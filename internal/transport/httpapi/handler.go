// Package httpapi exposes the embedding service over HTTP at
// POST /embedding_api/embeddings.
//
// The body may be JSON:
//
//	{"records": [{...}, ...], "reduce": "1", "normalize": "1"}
//
// or form-encoded with one "records" value per record, each a JSON object.
// reduce and normalize accept 0 or 1 (as string or number) and default to 1.
// Responses use the same payloads as the socket transport.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/embedgate/internal/observe"
	"github.com/MrWong99/embedgate/internal/pipeline"
	"github.com/MrWong99/embedgate/internal/service"
)

// Path is the embedding endpoint.
const Path = "/embedding_api/embeddings"

const (
	transportName = "http"

	// maxBodyBytes bounds a request body. 500 records of generous size fit
	// comfortably.
	maxBodyBytes = 64 << 20
)

// Handler processes a decoded request. *service.Service satisfies it.
type Handler interface {
	Embed(ctx context.Context, req service.Request) (service.Response, error)
}

// API serves the embedding endpoint.
type API struct {
	handler Handler
}

// New creates the HTTP adapter for h.
func New(h Handler) *API {
	return &API{handler: h}
}

// Register adds the endpoint to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+Path, a.Embeddings)
}

// Embeddings handles one embedding request.
func (a *API) Embeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	req, err := decodeRequest(r)
	var resp service.Response
	if err == nil {
		resp, err = a.handler.Embed(ctx, req)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("httpapi: encode response", "err", err)
		writeError(w, r, fmt.Errorf("httpapi: encode response: %w", err))
		return
	}
	writeBody(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	res := service.NewErrorResponse(err)
	res.TraceID = observe.CorrelationID(r.Context())
	body, _ := json.Marshal(res)
	writeBody(w, StatusFor(res.Error), body)
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(kind service.Kind) int {
	switch kind {
	case service.KindInputValue, service.KindInputTooLong, service.KindProtocol:
		return http.StatusBadRequest
	case service.KindServiceBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonBody is the JSON request shape. reduce and normalize stay raw so that
// both "1" and 1 are accepted.
type jsonBody struct {
	Records   []json.RawMessage `json:"records"`
	Reduce    json.RawMessage   `json:"reduce"`
	Normalize json.RawMessage   `json:"normalize"`
}

func decodeRequest(r *http.Request) (service.Request, error) {
	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return service.Request{}, &service.ProtocolError{Reason: "invalid Content-Type", Err: err}
		}
		mediaType = mt
	}

	var (
		records         []json.RawMessage
		reduce, normize string
	)
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return service.Request{}, &service.ProtocolError{Reason: "could not parse form", Err: err}
		}
		// PostForm only: records must not be injectable through the query string.
		for i, v := range r.PostForm["records"] {
			if !json.Valid([]byte(v)) {
				return service.Request{}, fmt.Errorf("%w: could not parse records data (record %d is not valid JSON)", service.ErrInvalidInput, i)
			}
			records = append(records, json.RawMessage(v))
		}
		reduce, normize = r.PostForm.Get("reduce"), r.PostForm.Get("normalize")
	case "application/json":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return service.Request{}, &service.ProtocolError{Reason: "error reading body", Err: err}
		}
		var b jsonBody
		if err := json.Unmarshal(body, &b); err != nil {
			return service.Request{}, &service.ProtocolError{Reason: "could not decode request", Err: err}
		}
		records = b.Records
		if reduce, err = flagString("reduce", b.Reduce); err != nil {
			return service.Request{}, err
		}
		if normize, err = flagString("normalize", b.Normalize); err != nil {
			return service.Request{}, err
		}
		q := r.URL.Query()
		if reduce == "" {
			reduce = q.Get("reduce")
		}
		if normize == "" {
			normize = q.Get("normalize")
		}
	default:
		return service.Request{}, &service.ProtocolError{Reason: "unsupported Content-Type " + mediaType}
	}

	steps := pipeline.Steps{Embed: true}
	var errs []error
	var err error
	if steps.Reduce, err = parseFlag("reduce", reduce); err != nil {
		errs = append(errs, err)
	}
	if steps.Normalize, err = parseFlag("normalize", normize); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return service.Request{}, err
	}
	return service.Request{Records: records, Steps: steps, Transport: transportName}, nil
}

// flagString extracts a JSON string or number as text. null and absent
// values yield "".
func flagString(name string, raw json.RawMessage) (string, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: could not parse parameter '%s'", service.ErrInvalidInput, name)
}

// parseFlag interprets a 0/1 switch. Empty means enabled.
func parseFlag(name, v string) (bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return true, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false, fmt.Errorf("%w: could not parse parameter '%s'", service.ErrInvalidInput, name)
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, fmt.Errorf("%w: parameter '%s' can be either 0 or 1", service.ErrInvalidInput, name)
}

// writeBody sends an already encoded JSON body so that an encoding failure
// can never follow a success status.
func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
