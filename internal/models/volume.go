package models

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Grid describes where each voxel of a volume sits in physical space
type Grid struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Spacing is the physical size of each voxel in mm along x, y and z
	Spacing [3]float64

	// Origin is the physical position of voxel (0,0,0)
	Origin [3]float64

	// Direction holds the direction cosines as a row-major 3x3 matrix
	Direction [9]float64
}

// IdentityDirection is the direction matrix of an axis-aligned grid.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NewGrid returns an axis-aligned grid at the origin with unit spacing
func NewGrid(width, height, depth int) Grid {
	return Grid{
		Dims:      [3]int{width, height, depth},
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection,
	}
}

// NumVoxels returns the total number of voxels in the grid
func (g Grid) NumVoxels() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Index returns the flat index of voxel (x, y, z); x varies fastest
func (g Grid) Index(x, y, z int) int {
	return z*g.Dims[0]*g.Dims[1] + y*g.Dims[0] + x
}

// Coords is the inverse of Index
func (g Grid) Coords(idx int) (x, y, z int) {
	plane := g.Dims[0] * g.Dims[1]
	z = idx / plane
	rem := idx % plane
	return rem % g.Dims[0], rem / g.Dims[0], z
}

// DirectionMatrix returns the direction cosines as a 3x3 matrix
func (g Grid) DirectionMatrix() *mat.Dense {
	d := g.Direction
	return mat.NewDense(3, 3, d[:])
}

// Equal reports whether two grids match exactly. No tolerance is applied.
func (g Grid) Equal(o Grid) bool {
	return len(g.Mismatches(o)) == 0
}

// Mismatches lists the attributes in which o differs from g
func (g Grid) Mismatches(o Grid) []string {
	var diff []string
	if g.Dims != o.Dims {
		diff = append(diff, "dimensions")
	}
	if !floats.Equal(g.Spacing[:], o.Spacing[:]) {
		diff = append(diff, "spacing")
	}
	if !floats.Equal(g.Origin[:], o.Origin[:]) {
		diff = append(diff, "origin")
	}
	if !mat.Equal(g.DirectionMatrix(), o.DirectionMatrix()) {
		diff = append(diff, "direction")
	}
	return diff
}

// Validate checks that the grid describes a non-empty volume
func (g Grid) Validate() error {
	for i, d := range g.Dims {
		if d <= 0 {
			return fmt.Errorf("dimension %d must be positive, got %d", i, d)
		}
	}
	return nil
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%dx%d spacing=%v origin=%v", g.Dims[0], g.Dims[1], g.Dims[2], g.Spacing, g.Origin)
}

// Volume is a 3D scalar field loaded from a segmentation file.
// Data is stored as a 1D array with x varying fastest.
type Volume struct {
	Grid Grid

	// Data holds one value per voxel
	Data []float64

	// Source is the location the volume was read from, if any
	Source string
}

// CountNonZero returns the number of foreground voxels
func (v *Volume) CountNonZero() int {
	n := 0
	for _, val := range v.Data {
		if val != 0 {
			n++
		}
	}
	return n
}

// LabelVolume is an integer-valued volume produced by a merge
type LabelVolume struct {
	Grid Grid

	// Data holds one label value per voxel, 0 meaning background
	Data []uint32
}

// NewLabelVolume allocates a zero-filled label volume on the grid
func NewLabelVolume(grid Grid) *LabelVolume {
	return &LabelVolume{
		Grid: grid,
		Data: make([]uint32, grid.NumVoxels()),
	}
}

// Max returns the largest label value in the volume
func (v *LabelVolume) Max() uint32 {
	var m uint32
	for _, val := range v.Data {
		if val > m {
			m = val
		}
	}
	return m
}

// Histogram counts voxels per label value
func (v *LabelVolume) Histogram() map[uint32]int {
	h := make(map[uint32]int)
	for _, val := range v.Data {
		h[val]++
	}
	return h
}
