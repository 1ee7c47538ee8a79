package pipeline

import (
	"errors"
	"slices"
	"testing"
)

func TestParseSteps(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    Steps
		wantErr bool
	}{
		{"nil means all", nil, AllSteps, false},
		{"empty means none", []string{}, Steps{}, false},
		{"laser alias", []string{"laser"}, Steps{Embed: true}, false},
		{"order irrelevant", []string{"normalize", "embed", "reduce"}, AllSteps, false},
		{"case and space", []string{" LASER ", "Reduce"}, Steps{Embed: true, Reduce: true}, false},
		{"duplicates", []string{"embed", "laser"}, Steps{Embed: true}, false},
		{"unknown", []string{"embed", "compress"}, Steps{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSteps(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrUnknownStep) {
					t.Fatalf("err = %v, want ErrUnknownStep", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSteps: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParseSteps(%v) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestSteps_Names(t *testing.T) {
	if got := AllSteps.Names(); !slices.Equal(got, []string{"embed", "reduce", "normalize"}) {
		t.Errorf("Names = %v", got)
	}
	if got := (Steps{Normalize: true, Embed: true}).String(); got != "embed,normalize" {
		t.Errorf("String = %q", got)
	}
}
