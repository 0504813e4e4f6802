// Package merge folds single-structure label volumes into one multi-label
// volume, resolving overlaps by priority rank.
package merge

import (
	"fmt"

	"labelmerge/internal/models"
)

// Set is the label input set: an insertion-ordered mapping from label
// identifier to the volume marking that structure. Any nonzero voxel
// belongs to the structure.
type Set[L comparable] struct {
	labels  []L
	volumes map[L]*models.Volume
	sources map[string]L
}

// NewSet creates an empty label input set
func NewSet[L comparable]() *Set[L] {
	return &Set[L]{
		volumes: make(map[L]*models.Volume),
		sources: make(map[string]L),
	}
}

// Add appends a label and its volume. A label may be added once, and two
// labels may not share the same non-empty Source.
func (s *Set[L]) Add(label L, vol *models.Volume) error {
	if vol == nil {
		return fmt.Errorf("%w: label %v has no volume", ErrConfiguration, label)
	}
	if _, found := s.volumes[label]; found {
		return fmt.Errorf("%w: label %v added more than once", ErrConfiguration, label)
	}
	if vol.Source != "" {
		if other, found := s.sources[vol.Source]; found {
			return fmt.Errorf("%w: labels %v and %v both read from %q", ErrConfiguration, other, label, vol.Source)
		}
		s.sources[vol.Source] = label
	}
	s.labels = append(s.labels, label)
	s.volumes[label] = vol
	return nil
}

// Len returns the number of labels in the set
func (s *Set[L]) Len() int {
	return len(s.labels)
}

// Labels returns the label identifiers in insertion order
func (s *Set[L]) Labels() []L {
	out := make([]L, len(s.labels))
	copy(out, s.labels)
	return out
}

// Volume returns the volume for a label
func (s *Set[L]) Volume(label L) (*models.Volume, bool) {
	v, found := s.volumes[label]
	return v, found
}

// Has reports whether the label is in the set
func (s *Set[L]) Has(label L) bool {
	_, found := s.volumes[label]
	return found
}
