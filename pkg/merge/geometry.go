package merge

import (
	"fmt"

	"labelmerge/internal/models"
)

// ValidateGeometry confirms every volume in the set shares the grid of the
// first one. It must pass before any voxel-level work is done.
func ValidateGeometry[L comparable](set *Set[L]) (models.Grid, error) {
	if set == nil || set.Len() == 0 {
		return models.Grid{}, ErrEmptyInput
	}

	first := set.labels[0]
	ref := set.volumes[first].Grid
	if err := ref.Validate(); err != nil {
		return models.Grid{}, fmt.Errorf("%w: label %v: %v", ErrConfiguration, first, err)
	}

	var mismatches []Mismatch[L]
	for _, label := range set.labels {
		if diff := ref.Mismatches(set.volumes[label].Grid); len(diff) > 0 {
			mismatches = append(mismatches, Mismatch[L]{Label: label, Attributes: diff})
		}
	}
	if len(mismatches) > 0 {
		return models.Grid{}, &GeometryMismatchError[L]{Reference: first, Mismatches: mismatches}
	}

	for _, label := range set.labels {
		if n := len(set.volumes[label].Data); n != ref.NumVoxels() {
			return models.Grid{}, fmt.Errorf("%w: label %v holds %d voxels but its grid needs %d",
				ErrConfiguration, label, n, ref.NumVoxels())
		}
	}
	return ref, nil
}
