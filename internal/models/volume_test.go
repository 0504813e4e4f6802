package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridIndexRoundTrip(t *testing.T) {
	g := NewGrid(4, 3, 2)
	require.Equal(t, 24, g.NumVoxels())

	for idx := 0; idx < g.NumVoxels(); idx++ {
		x, y, z := g.Coords(idx)
		assert.Equal(t, idx, g.Index(x, y, z))
	}
	assert.Equal(t, 1*4*3+2*4+3, g.Index(3, 2, 1))
}

func TestGridMismatches(t *testing.T) {
	base := NewGrid(8, 8, 4)

	spacing := base
	spacing.Spacing[2] = 2.5
	assert.Equal(t, []string{"spacing"}, base.Mismatches(spacing))

	moved := base
	moved.Origin = [3]float64{0, 0, 1e-9}
	assert.Equal(t, []string{"origin"}, base.Mismatches(moved))

	flipped := base
	flipped.Direction = [9]float64{-1, 0, 0, 0, 1, 0, 0, 0, 1}
	assert.Equal(t, []string{"direction"}, base.Mismatches(flipped))

	resized := base
	resized.Dims[0] = 9
	assert.Equal(t, []string{"dimensions"}, base.Mismatches(resized))

	assert.True(t, base.Equal(NewGrid(8, 8, 4)))
}

func TestGridValidate(t *testing.T) {
	assert.NoError(t, NewGrid(1, 1, 1).Validate())
	assert.Error(t, NewGrid(0, 1, 1).Validate())
}

func TestVolumeCounts(t *testing.T) {
	v := &Volume{Grid: NewGrid(2, 2, 1), Data: make([]float64, 4)}
	v.Data[1] = 0.25
	v.Data[3] = -1
	assert.Equal(t, 2, v.CountNonZero())

	lv := NewLabelVolume(NewGrid(2, 2, 1))
	lv.Data[0] = 3
	lv.Data[2] = 3
	lv.Data[3] = 1
	assert.Equal(t, uint32(3), lv.Max())
	assert.Equal(t, map[uint32]int{0: 1, 1: 1, 3: 2}, lv.Histogram())
}
