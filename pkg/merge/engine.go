package merge

import (
	"fmt"
	"runtime"
	"sync"

	"labelmerge/internal/models"
)

// Entry is one line of the merge record: which original label became which
// output value, at what priority rank.
type Entry[L comparable] struct {
	OriginalLabel  L      `json:"original_label" yaml:"original_label"`
	Priority       int    `json:"priority" yaml:"priority"`
	RelabeledValue uint32 `json:"relabeled_value" yaml:"relabeled_value"`
}

// Record lists entries in ascending rank order. That order documents the
// resolution precedence and must be preserved.
type Record[L comparable] []Entry[L]

// LabelStats counts voxels for one label of a merge.
type LabelStats[L comparable] struct {
	Label L `json:"label" yaml:"label"`

	// SourceVoxels is the number of foreground voxels in the input volume.
	SourceVoxels int `json:"source_voxels" yaml:"source_voxels"`

	// RetainedVoxels is the number of voxels the label still owns after
	// higher-priority labels have been written.
	RetainedVoxels int `json:"retained_voxels" yaml:"retained_voxels"`
}

// Options control a merge.
type Options[L comparable] struct {
	// Priority is the explicit merge order; nil uses the set order.
	Priority *PrioritySpec[L]

	// TrackOverlap requests the overlap diagnostic volume.
	TrackOverlap bool

	// Workers splits the voxel range across goroutines. Zero means
	// runtime.NumCPU(); 1 runs serially.
	Workers int

	// Reporter receives coverage warnings. May be nil.
	Reporter Reporter
}

// Result holds everything a merge produces.
type Result[L comparable] struct {
	Merged *models.LabelVolume

	// Overlap is nil unless TrackOverlap was set.
	Overlap *models.LabelVolume

	Record   Record[L]
	Sequence Sequence[L]
	Stats    []LabelStats[L]

	// OverlapVoxels is the number of voxels claimed by two or more labels.
	OverlapVoxels int
}

// Merge validates the set, resolves the priority order and folds the
// labels into one volume. Validation errors are returned before any voxel
// work starts.
func Merge[L comparable](set *Set[L], opts Options[L]) (*Result[L], error) {
	if _, err := ValidateGeometry(set); err != nil {
		return nil, err
	}
	seq, err := ResolvePriority(set, opts.Priority, opts.Reporter)
	if err != nil {
		return nil, err
	}
	return Fold(set, seq, opts)
}

// Fold runs the overlay pass for an already resolved sequence. For rank r
// from 1 to N, every voxel where label r's source is nonzero gets value r,
// so the highest rank touching a voxel wins. When overlap tracking is on,
// a voxel already claimed by a lower rank is set to r plus that rank in the
// overlap volume.
//
// Every set label must appear exactly once in seq and every seq label must
// be in the set; anything else is an ErrInternal.
func Fold[L comparable](set *Set[L], seq Sequence[L], opts Options[L]) (*Result[L], error) {
	grid, err := ValidateGeometry(set)
	if err != nil {
		return nil, err
	}
	if err := checkCoverage(set, seq); err != nil {
		return nil, err
	}

	sources := make([][]float64, len(seq.Labels))
	for i, label := range seq.Labels {
		vol, _ := set.Volume(label)
		sources[i] = vol.Data
	}

	res := &Result[L]{
		Merged:   models.NewLabelVolume(grid),
		Sequence: seq,
	}
	if opts.TrackOverlap {
		res.Overlap = models.NewLabelVolume(grid)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	n := grid.NumVoxels()
	if workers > n {
		workers = n
	}

	// Each worker owns a contiguous voxel range and walks every rank over it
	// in ascending order, so no voxel is written by two goroutines.
	counts := make([]chunkCounts, workers)
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			counts[w] = foldRange(res.Merged.Data, overlapData(res.Overlap), sources, start, end)
		}(w, start, end)
	}
	wg.Wait()

	source := make([]int, len(seq.Labels))
	retained := make([]int, len(seq.Labels))
	for _, c := range counts {
		for i := range seq.Labels {
			if c.source == nil {
				break
			}
			source[i] += c.source[i]
			retained[i] += c.retained[i]
		}
		res.OverlapVoxels += c.overlap
	}

	res.Record = make(Record[L], len(seq.Labels))
	res.Stats = make([]LabelStats[L], len(seq.Labels))
	for i, label := range seq.Labels {
		rank := i + 1
		res.Record[i] = Entry[L]{OriginalLabel: label, Priority: rank, RelabeledValue: uint32(rank)}
		res.Stats[i] = LabelStats[L]{Label: label, SourceVoxels: source[i], RetainedVoxels: retained[i]}
	}
	return res, nil
}

type chunkCounts struct {
	source   []int
	retained []int
	overlap  int
}

func overlapData(v *models.LabelVolume) []uint32 {
	if v == nil {
		return nil
	}
	return v.Data
}

// foldRange applies every rank to voxels [start, end). overlap may be nil.
func foldRange(merged, overlap []uint32, sources [][]float64, start, end int) chunkCounts {
	c := chunkCounts{
		source:   make([]int, len(sources)),
		retained: make([]int, len(sources)),
	}
	for i, src := range sources {
		rank := uint32(i + 1)
		for v := start; v < end; v++ {
			if src[v] == 0 {
				continue
			}
			c.source[i]++
			if overlap != nil && merged[v] != 0 {
				overlap[v] = rank + merged[v]
			}
			merged[v] = rank
		}
	}
	for v := start; v < end; v++ {
		if merged[v] != 0 {
			c.retained[merged[v]-1]++
		}
	}
	c.overlap = countClaimedTwice(sources, start, end)
	return c
}

func countClaimedTwice(sources [][]float64, start, end int) int {
	n := 0
	for v := start; v < end; v++ {
		hits := 0
		for _, src := range sources {
			if src[v] != 0 {
				hits++
				if hits == 2 {
					n++
					break
				}
			}
		}
	}
	return n
}

func checkCoverage[L comparable](set *Set[L], seq Sequence[L]) error {
	if len(seq.Labels) == 0 {
		return fmt.Errorf("%w: empty priority sequence", ErrInternal)
	}
	inSeq := make(map[L]bool, len(seq.Labels))
	for _, label := range seq.Labels {
		if inSeq[label] {
			return fmt.Errorf("%w: label %v appears twice in the priority sequence", ErrInternal, label)
		}
		if !set.Has(label) {
			return fmt.Errorf("%w: sequence label %v is not in the input set", ErrInternal, label)
		}
		inSeq[label] = true
	}
	for _, label := range set.labels {
		if !inSeq[label] {
			return fmt.Errorf("%w: label %v was left out of the priority sequence", ErrInternal, label)
		}
	}
	return nil
}
