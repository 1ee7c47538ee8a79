// Package record turns heterogeneous, multilingual input records into the
// canonical text that is fed to the embedding model.
//
// A record is a JSON object. Only the fields listed in [FieldMap] contribute
// to the canonical text; everything else is carried along untouched. The
// fields "id" and "title" are mandatory.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Mandatory field names.
const (
	FieldID    = "id"
	FieldTitle = "title"
)

// ValidationError reports a record that cannot enter the pipeline.
type ValidationError struct {
	// Index is the position of the record in its batch, or -1 when unknown.
	Index int
	// Field is the offending field name, empty when the record as a whole is
	// malformed.
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	prefix := "invalid record"
	if e.Index >= 0 {
		prefix = fmt.Sprintf("invalid record %d", e.Index)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: field %q: %s", prefix, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Reason)
}

// Record is one input item. It is immutable after [Parse].
type Record struct {
	id     json.RawMessage
	fields map[string]json.RawMessage
}

// Parse decodes raw as a record and checks the mandatory fields. The
// returned error is always a *ValidationError; its Index is -1 and is set
// by the caller that knows the batch position.
func Parse(raw json.RawMessage) (Record, error) {
	var fields map[string]json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, &ValidationError{Index: -1, Reason: "record must be a JSON object"}
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Record{}, &ValidationError{Index: -1, Reason: "could not parse record: " + err.Error()}
	}
	for _, name := range []string{FieldID, FieldTitle} {
		v, ok := fields[name]
		if !ok || isNull(v) {
			return Record{}, &ValidationError{Index: -1, Field: name, Reason: "missing mandatory field"}
		}
	}
	return Record{id: fields[FieldID], fields: fields}, nil
}

// ParseBatch parses every element of raws. It stops at the first invalid
// record so that a partially valid batch never reaches the model.
func ParseBatch(raws []json.RawMessage) ([]Record, error) {
	out := make([]Record, len(raws))
	for i, raw := range raws {
		rec, err := Parse(raw)
		if err != nil {
			verr := err.(*ValidationError)
			verr.Index = i
			return nil, verr
		}
		out[i] = rec
	}
	return out, nil
}

// ID returns the record identifier exactly as it was received.
func (r Record) ID() json.RawMessage { return r.id }

// Field returns the raw JSON of field name.
func (r Record) Field(name string) (json.RawMessage, bool) {
	v, ok := r.fields[name]
	return v, ok
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
