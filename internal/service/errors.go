package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/embedgate/internal/gate"
	"github.com/MrWong99/embedgate/internal/model"
	"github.com/MrWong99/embedgate/internal/pipeline"
	"github.com/MrWong99/embedgate/internal/record"
)

// Kind is the error category reported to clients in the "error" field.
type Kind string

// Error kinds. The string values are part of the wire format.
const (
	KindInputValue       Kind = "InputValueError"
	KindInputTooLong     Kind = "InputTooLongError"
	KindServiceBusy      Kind = "ServiceBusy"
	KindProtocol         Kind = "ProtocolError"
	KindModelUnavailable Kind = "ModelUnavailable"
	KindInternal         Kind = "InternalError"
)

var (
	// ErrNoRecords is returned for requests without a records array or with
	// an empty one.
	ErrNoRecords = errors.New("service: no records given")

	// ErrTooManyRecords is returned when a batch exceeds the record limit.
	ErrTooManyRecords = errors.New("service: too many records")

	// ErrInvalidInput marks request parameters the transports could not
	// accept (e.g. reduce=2). Wrap it with a description.
	ErrInvalidInput = errors.New("service: invalid input")
)

// ProtocolError reports a request that could not be read or decoded. Both
// transports return it for malformed framing or JSON.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Classify maps err to the kind reported to clients.
func Classify(err error) Kind {
	var (
		verr *record.ValidationError
		perr *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr),
		errors.Is(err, ErrNoRecords),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, pipeline.ErrUnknownStep):
		return KindInputValue
	case errors.Is(err, ErrTooManyRecords):
		return KindInputTooLong
	case errors.Is(err, gate.ErrBusy):
		return KindServiceBusy
	case errors.As(err, &perr):
		return KindProtocol
	case errors.Is(err, model.ErrModelUnavailable):
		return KindModelUnavailable
	}
	return KindInternal
}

// ErrorResponse is the error payload shared by both transports.
type ErrorResponse struct {
	Status  string `json:"status"`
	Error   Kind   `json:"error"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse builds the payload for err. Internal details are only
// exposed for client-caused errors.
func NewErrorResponse(err error) ErrorResponse {
	kind := Classify(err)
	res := ErrorResponse{Status: "error", Error: kind}
	switch kind {
	case KindServiceBusy:
		res.Message = "The service is busy and queueing is not possible."
	case KindModelUnavailable:
		res.Message = "The embedding model is unavailable. The service is shutting down."
	case KindInternal:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res.Message = "The request was cancelled."
		} else {
			res.Message = "Internal error while computing embeddings."
		}
	default:
		res.Message = err.Error()
	}
	return res
}
