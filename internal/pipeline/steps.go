package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Step names accepted on the wire.
const (
	StepEmbed     = "embed"
	StepReduce    = "reduce"
	StepNormalize = "normalize"

	// StepLaser is the legacy name of [StepEmbed].
	StepLaser = "laser"
)

// ErrUnknownStep is returned by [ParseSteps] for names other than the
// documented steps.
var ErrUnknownStep = errors.New("pipeline: unknown step")

// Steps selects which pipeline stages run. Stages always execute in the
// order embed, reduce, normalize regardless of how they were requested.
type Steps struct {
	Embed     bool
	Reduce    bool
	Normalize bool
}

// AllSteps is the default when a request names no steps.
var AllSteps = Steps{Embed: true, Reduce: true, Normalize: true}

// ParseSteps converts wire step names into [Steps]. A nil slice yields
// [AllSteps]; an empty, non-nil slice selects nothing. Names are matched
// case-insensitively and duplicates are ignored.
func ParseSteps(names []string) (Steps, error) {
	if names == nil {
		return AllSteps, nil
	}
	var s Steps
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case StepEmbed, StepLaser:
			s.Embed = true
		case StepReduce:
			s.Reduce = true
		case StepNormalize:
			s.Normalize = true
		default:
			return Steps{}, fmt.Errorf("%w: %q", ErrUnknownStep, n)
		}
	}
	return s, nil
}

// Names returns the selected steps in execution order.
func (s Steps) Names() []string {
	var out []string
	if s.Embed {
		out = append(out, StepEmbed)
	}
	if s.Reduce {
		out = append(out, StepReduce)
	}
	if s.Normalize {
		out = append(out, StepNormalize)
	}
	return out
}

func (s Steps) String() string {
	return strings.Join(s.Names(), ",")
}
