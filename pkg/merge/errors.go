package merge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration covers caller mistakes: duplicate labels or sources,
	// duplicate priority entries, an empty input set.
	ErrConfiguration = errors.New("configuration error")

	// ErrEmptyInput is returned when there is no grid to merge onto.
	ErrEmptyInput = fmt.Errorf("%w: label input set is empty", ErrConfiguration)

	// ErrGeometryMismatch is returned when input volumes do not share one grid.
	ErrGeometryMismatch = errors.New("geometry mismatch")

	// ErrMissingInput is returned when a referenced label or file cannot be loaded.
	ErrMissingInput = errors.New("missing input")

	// ErrInternal marks a broken invariant between the input set and the
	// priority sequence.
	ErrInternal = errors.New("internal invariant violation")
)

// Mismatch records which grid attributes of one label differ from the reference.
type Mismatch[L comparable] struct {
	Label      L
	Attributes []string
}

// GeometryMismatchError names every label whose grid differs from the
// first label in the set.
type GeometryMismatchError[L comparable] struct {
	Reference  L
	Mismatches []Mismatch[L]
}

func (e *GeometryMismatchError[L]) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = fmt.Sprintf("%v (%s)", m.Label, strings.Join(m.Attributes, ", "))
	}
	return fmt.Sprintf("%v: grid differs from label %v: %s",
		ErrGeometryMismatch, e.Reference, strings.Join(parts, "; "))
}

func (e *GeometryMismatchError[L]) Is(target error) bool {
	return target == ErrGeometryMismatch
}

// Labels returns the offending label identifiers in set order.
func (e *GeometryMismatchError[L]) Labels() []L {
	labels := make([]L, len(e.Mismatches))
	for i, m := range e.Mismatches {
		labels[i] = m.Label
	}
	return labels
}

// MissingInputError reports a label or location that could not be loaded.
type MissingInputError struct {
	Label    string
	Location string
	Err      error
}

func (e *MissingInputError) Error() string {
	msg := fmt.Sprintf("%v: label %q", ErrMissingInput, e.Label)
	if e.Location != "" {
		msg += fmt.Sprintf(" at %q", e.Location)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MissingInputError) Is(target error) bool {
	return target == ErrMissingInput
}

func (e *MissingInputError) Unwrap() error {
	return e.Err
}

// CoverageWarning is reported when a priority entry names a label that is
// not in the input set. It never stops a merge.
type CoverageWarning[L comparable] struct {
	Label L
	Rank  int
}

func (w CoverageWarning[L]) String() string {
	return fmt.Sprintf("priority entry %d names label %v which is not in the input set; skipping it", w.Rank, w.Label)
}

// Reporter receives non-fatal diagnostics. The logging package's Logger
// satisfies it.
type Reporter interface {
	Warningf(format string, args ...interface{})
}

type nopReporter struct{}

func (nopReporter) Warningf(string, ...interface{}) {}

func reporterOrNop(r Reporter) Reporter {
	if r == nil {
		return nopReporter{}
	}
	return r
}
