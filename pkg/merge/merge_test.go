package merge

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelmerge/internal/models"
)

// maskVolume creates a mask volume with the given flat voxel indices set to 1
func maskVolume(grid models.Grid, voxels ...int) *models.Volume {
	vol := &models.Volume{Grid: grid, Data: make([]float64, grid.NumVoxels())}
	for _, v := range voxels {
		vol.Data[v] = 1
	}
	return vol
}

func newSet[L comparable](t *testing.T, labels []L, vols ...*models.Volume) *Set[L] {
	t.Helper()
	set := NewSet[L]()
	for i, label := range labels {
		require.NoError(t, set.Add(label, vols[i]))
	}
	return set
}

// warnings collects reporter output
type warnings []string

func (w *warnings) Warningf(format string, args ...interface{}) {
	*w = append(*w, fmt.Sprintf(format, args...))
}

func TestMergeTwoOverlappingLabels(t *testing.T) {
	grid := models.NewGrid(8, 1, 1)
	set := newSet(t, []string{"A", "B"},
		maskVolume(grid, 1, 2, 3),
		maskVolume(grid, 3, 4),
	)

	res, err := Merge(set, Options[string]{
		Priority:     InOrder("A", "B"),
		TrackOverlap: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 1, 1, 2, 2, 0, 0, 0}, res.Merged.Data)
	assert.Equal(t, []uint32{0, 0, 0, 3, 0, 0, 0, 0}, res.Overlap.Data)
	assert.Equal(t, Record[string]{
		{OriginalLabel: "A", Priority: 1, RelabeledValue: 1},
		{OriginalLabel: "B", Priority: 2, RelabeledValue: 2},
	}, res.Record)
	assert.Equal(t, 1, res.OverlapVoxels)
	assert.Equal(t, []LabelStats[string]{
		{Label: "A", SourceVoxels: 3, RetainedVoxels: 2},
		{Label: "B", SourceVoxels: 2, RetainedVoxels: 2},
	}, res.Stats)
}

func TestMergeSingleLabelDefaultPriority(t *testing.T) {
	grid := models.NewGrid(8, 1, 1)
	src := maskVolume(grid, 5, 6)
	src.Data[6] = 42.5
	set := newSet(t, []string{"A"}, src)

	res, err := Merge(set, Options[string]{TrackOverlap: true, Workers: 1})
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 0, 0, 0, 0, 1, 1, 0}, res.Merged.Data)
	assert.Equal(t, make([]uint32, 8), res.Overlap.Data)
	assert.Equal(t, Record[string]{{OriginalLabel: "A", Priority: 1, RelabeledValue: 1}}, res.Record)
	assert.Equal(t, 42.5, src.Data[6], "input volume must not be modified")
}

func TestMergeEmptySet(t *testing.T) {
	_, err := Merge(NewSet[string](), Options[string]{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = Merge[string](nil, Options[string]{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestMergeWithoutOverlapTracking(t *testing.T) {
	grid := models.NewGrid(4, 1, 1)
	set := newSet(t, []int{10, 20}, maskVolume(grid, 0, 1), maskVolume(grid, 1, 2))

	res, err := Merge(set, Options[int]{})
	require.NoError(t, err)
	assert.Nil(t, res.Overlap)
	assert.Equal(t, []uint32{1, 2, 2, 0}, res.Merged.Data)
	assert.Equal(t, 1, res.OverlapVoxels)
}

func TestMergeThreeWayOverlapUsesRunningRule(t *testing.T) {
	grid := models.NewGrid(3, 1, 1)
	set := newSet(t, []string{"a", "b", "c"},
		maskVolume(grid, 0, 1, 2),
		maskVolume(grid, 1, 2),
		maskVolume(grid, 2),
	)

	res, err := Merge(set, Options[string]{TrackOverlap: true})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, res.Merged.Data)
	// voxel 2: rank 2 over rank 1 gives 3, then rank 3 over rank 2 gives 5
	assert.Equal(t, []uint32{0, 3, 5}, res.Overlap.Data)
}

func TestMergeEmptySourceStillRecorded(t *testing.T) {
	grid := models.NewGrid(4, 1, 1)
	set := newSet(t, []string{"lung", "tumor"}, maskVolume(grid, 0, 1), maskVolume(grid))

	res, err := Merge(set, Options[string]{})
	require.NoError(t, err)
	require.Len(t, res.Record, 2)
	assert.Equal(t, "tumor", res.Record[1].OriginalLabel)
	assert.Equal(t, 0, res.Stats[1].SourceVoxels)
	assert.Equal(t, []uint32{1, 1, 0, 0}, res.Merged.Data)
}

func TestMergeExplicitRanksReorder(t *testing.T) {
	grid := models.NewGrid(4, 1, 1)
	set := newSet(t, []string{"A", "B"}, maskVolume(grid, 1, 2), maskVolume(grid, 2, 3))

	res, err := Merge(set, Options[string]{
		Priority:     ByRank(map[int]string{30: "A", 5: "B"}),
		TrackOverlap: true,
	})
	require.NoError(t, err)
	// B is ranked lower, so A wins voxel 2
	assert.Equal(t, []uint32{0, 2, 2, 1}, res.Merged.Data)
	assert.Equal(t, Record[string]{
		{OriginalLabel: "B", Priority: 1, RelabeledValue: 1},
		{OriginalLabel: "A", Priority: 2, RelabeledValue: 2},
	}, res.Record)
}

func TestMergeCoverageWarningAndAppend(t *testing.T) {
	grid := models.NewGrid(4, 1, 1)
	set := newSet(t, []string{"A", "B", "C"},
		maskVolume(grid, 0), maskVolume(grid, 1), maskVolume(grid, 2))

	var warned warnings
	res, err := Merge(set, Options[string]{
		Priority: InOrder("C", "vessels", "A"),
		Reporter: &warned,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"C", "A", "B"}, res.Sequence.Labels)
	require.Len(t, warned, 1)
	assert.Contains(t, warned[0], "vessels")
	assert.Equal(t, []CoverageWarning[string]{{Label: "vessels", Rank: 2}}, res.Sequence.Dropped)
	assert.Equal(t, []uint32{2, 3, 1, 0}, res.Merged.Data)
}

func TestMergeGeometryMismatch(t *testing.T) {
	grid := models.NewGrid(4, 4, 2)
	other := grid
	other.Spacing = [3]float64{1, 1, 1.5}

	set := newSet(t, []string{"A", "B", "C"},
		maskVolume(grid, 0), maskVolume(other, 1), maskVolume(grid, 2))

	_, err := Merge(set, Options[string]{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeometryMismatch)

	var gerr *GeometryMismatchError[string]
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "A", gerr.Reference)
	assert.Equal(t, []string{"B"}, gerr.Labels())
	assert.Equal(t, []string{"spacing"}, gerr.Mismatches[0].Attributes)
}

func TestMergeRejectsShortVoxelArray(t *testing.T) {
	grid := models.NewGrid(4, 1, 1)
	bad := maskVolume(grid, 0)
	bad.Data = bad.Data[:3]
	set := newSet(t, []string{"A", "B"}, maskVolume(grid, 1), bad)

	_, err := Merge(set, Options[string]{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestMergeGeometryMismatchReportedBeforeShortArray(t *testing.T) {
	grid := models.NewGrid(4, 1, 1)
	other := models.NewGrid(2, 2, 1)
	short := maskVolume(grid, 0)
	short.Data = short.Data[:2]
	set := newSet(t, []string{"A", "B", "C"}, maskVolume(grid, 1), maskVolume(other, 0), short)

	_, err := Merge(set, Options[string]{})
	assert.ErrorIs(t, err, ErrGeometryMismatch)
	assert.NotErrorIs(t, err, ErrConfiguration)

	var gerr *GeometryMismatchError[string]
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, []string{"B"}, gerr.Labels())
}

func TestSetAddRejectsDuplicates(t *testing.T) {
	grid := models.NewGrid(2, 1, 1)
	set := NewSet[string]()

	a := maskVolume(grid, 0)
	a.Source = "/data/case1_seg-1.nii.gz"
	require.NoError(t, set.Add("A", a))

	assert.ErrorIs(t, set.Add("A", maskVolume(grid)), ErrConfiguration)

	b := maskVolume(grid, 1)
	b.Source = a.Source
	assert.ErrorIs(t, set.Add("B", b), ErrConfiguration)

	assert.ErrorIs(t, set.Add("C", nil), ErrConfiguration)
	assert.Equal(t, []string{"A"}, set.Labels())
}

func TestResolvePriorityDuplicateEntry(t *testing.T) {
	grid := models.NewGrid(2, 1, 1)
	set := newSet(t, []string{"A", "B"}, maskVolume(grid, 0), maskVolume(grid, 1))

	_, err := ResolvePriority(set, InOrder("A", "B", "A"), nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = ResolvePriority(set, ByRank(map[int]string{1: "B", 4: "B"}), nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestFoldRejectsIncompleteSequence(t *testing.T) {
	grid := models.NewGrid(2, 1, 1)
	set := newSet(t, []string{"A", "B"}, maskVolume(grid, 0), maskVolume(grid, 1))

	_, err := Fold(set, Sequence[string]{Labels: []string{"A"}}, Options[string]{})
	assert.ErrorIs(t, err, ErrInternal)

	_, err = Fold(set, Sequence[string]{Labels: []string{"A", "B", "Z"}}, Options[string]{})
	assert.ErrorIs(t, err, ErrInternal)

	_, err = Fold(set, Sequence[string]{Labels: []string{"A", "A", "B"}}, Options[string]{})
	assert.ErrorIs(t, err, ErrInternal)
}

// randomSet builds n random masks over a small grid
func randomSet(t *testing.T, rng *rand.Rand, grid models.Grid, n int, density float64) *Set[int] {
	set := NewSet[int]()
	for l := 0; l < n; l++ {
		vol := maskVolume(grid)
		for v := range vol.Data {
			if rng.Float64() < density {
				vol.Data[v] = float64(1 + rng.Intn(5))
			}
		}
		require.NoError(t, set.Add(100+l, vol))
	}
	return set
}

func TestMergedValueIsMaxRank(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	grid := models.NewGrid(9, 7, 5)
	set := randomSet(t, rng, grid, 5, 0.3)

	res, err := Merge(set, Options[int]{TrackOverlap: true, Workers: 4})
	require.NoError(t, err)

	for v := 0; v < grid.NumVoxels(); v++ {
		maxRank, touching := 0, 0
		for i, label := range res.Sequence.Labels {
			vol, _ := set.Volume(label)
			if vol.Data[v] != 0 {
				maxRank = i + 1
				touching++
			}
		}
		require.Equal(t, uint32(maxRank), res.Merged.Data[v], "voxel %d", v)
		if touching <= 1 {
			assert.Zero(t, res.Overlap.Data[v], "voxel %d", v)
		} else {
			// the winner plus at least the smallest other contributor
			assert.GreaterOrEqual(t, res.Overlap.Data[v], uint32(maxRank+1), "voxel %d", v)
		}
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	grid := models.NewGrid(13, 11, 3)
	set := randomSet(t, rng, grid, 6, 0.4)

	serial, err := Merge(set, Options[int]{TrackOverlap: true, Workers: 1})
	require.NoError(t, err)

	for _, workers := range []int{2, 3, 8, 1000} {
		parallel, err := Merge(set, Options[int]{TrackOverlap: true, Workers: workers})
		require.NoError(t, err)
		assert.Equal(t, serial.Merged.Data, parallel.Merged.Data, "workers=%d", workers)
		assert.Equal(t, serial.Overlap.Data, parallel.Overlap.Data, "workers=%d", workers)
		assert.Equal(t, serial.Stats, parallel.Stats, "workers=%d", workers)
		assert.Equal(t, serial.OverlapVoxels, parallel.OverlapVoxels, "workers=%d", workers)
	}
}

func TestDisjointLabelsIgnorePriorityOrder(t *testing.T) {
	grid := models.NewGrid(6, 1, 1)
	set := newSet(t, []string{"A", "B", "C"},
		maskVolume(grid, 0, 1), maskVolume(grid, 2, 3), maskVolume(grid, 4))

	orders := [][]string{{"A", "B", "C"}, {"C", "B", "A"}, {"B", "C", "A"}}
	var first []int
	for _, order := range orders {
		res, err := Merge(set, Options[string]{Priority: InOrder(order...)})
		require.NoError(t, err)

		// compare which structure owns each voxel, not the rank value
		owner := make([]int, len(res.Merged.Data))
		for v, rank := range res.Merged.Data {
			if rank == 0 {
				owner[v] = -1
				continue
			}
			switch res.Sequence.Labels[rank-1] {
			case "A":
				owner[v] = 0
			case "B":
				owner[v] = 1
			case "C":
				owner[v] = 2
			}
		}
		if first == nil {
			first = owner
			continue
		}
		assert.Equal(t, first, owner, "order %v", order)
	}
}

func TestCompletenessEveryLabelRecordedOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	grid := models.NewGrid(4, 4, 4)
	set := randomSet(t, rng, grid, 6, 0.2)

	res, err := Merge(set, Options[int]{Priority: InOrder(104, 999, 101)})
	require.NoError(t, err)

	counts := make(map[int]int)
	for i, entry := range res.Record {
		counts[entry.OriginalLabel]++
		assert.Equal(t, i+1, entry.Priority)
		assert.Equal(t, uint32(i+1), entry.RelabeledValue)
	}
	for _, label := range set.Labels() {
		assert.Equal(t, 1, counts[label], "label %d", label)
	}
	assert.Len(t, res.Record, set.Len())
}
