package merge

import (
	"fmt"
	"sort"
)

// PrioritySpec is an explicit merge order. Build one with ByRank or InOrder;
// a nil spec means the input set's own order.
type PrioritySpec[L comparable] struct {
	ranked []rankedLabel[L]
}

type rankedLabel[L comparable] struct {
	rank  int
	label L
}

// ByRank builds a spec from a rank -> label mapping. Ranks need not be
// contiguous; only their relative order is used.
func ByRank[L comparable](ranks map[int]L) *PrioritySpec[L] {
	spec := &PrioritySpec[L]{}
	for rank, label := range ranks {
		spec.ranked = append(spec.ranked, rankedLabel[L]{rank: rank, label: label})
	}
	sort.Slice(spec.ranked, func(i, j int) bool {
		return spec.ranked[i].rank < spec.ranked[j].rank
	})
	return spec
}

// InOrder builds a spec from labels listed lowest priority first.
func InOrder[L comparable](labels ...L) *PrioritySpec[L] {
	spec := &PrioritySpec[L]{}
	for i, label := range labels {
		spec.ranked = append(spec.ranked, rankedLabel[L]{rank: i + 1, label: label})
	}
	return spec
}

// Len returns the number of entries in the spec
func (p *PrioritySpec[L]) Len() int {
	if p == nil {
		return 0
	}
	return len(p.ranked)
}

// Sequence is the resolved merge order, lowest priority first. The rank of
// Labels[i] is i+1.
type Sequence[L comparable] struct {
	Labels []L

	// Dropped lists spec entries that named labels absent from the input set.
	Dropped []CoverageWarning[L]
}

// ResolvePriority orders the labels of set into a merge sequence.
//
// Without a spec the set's insertion order is used. With a spec, its labels
// come first in rank order; labels the set lacks are dropped with a warning
// to reporter, and set labels the spec omits are appended in set order.
func ResolvePriority[L comparable](set *Set[L], spec *PrioritySpec[L], reporter Reporter) (Sequence[L], error) {
	if set == nil || set.Len() == 0 {
		return Sequence[L]{}, ErrEmptyInput
	}
	reporter = reporterOrNop(reporter)

	if spec.Len() == 0 {
		return Sequence[L]{Labels: set.Labels()}, nil
	}

	seen := make(map[L]int, spec.Len())
	var seq Sequence[L]
	for _, entry := range spec.ranked {
		if prev, dup := seen[entry.label]; dup {
			return Sequence[L]{}, fmt.Errorf("%w: label %v listed at priority %d and %d",
				ErrConfiguration, entry.label, prev, entry.rank)
		}
		seen[entry.label] = entry.rank

		if !set.Has(entry.label) {
			w := CoverageWarning[L]{Label: entry.label, Rank: entry.rank}
			reporter.Warningf("%s", w)
			seq.Dropped = append(seq.Dropped, w)
			continue
		}
		seq.Labels = append(seq.Labels, entry.label)
	}

	for _, label := range set.labels {
		if _, listed := seen[label]; !listed {
			seq.Labels = append(seq.Labels, label)
		}
	}
	return seq, nil
}
