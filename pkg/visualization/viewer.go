package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"labelmerge/internal/models"
)

// Palette colors label values for previews. Index 0 is background; labels
// beyond the palette wrap around, skipping the background entry.
var Palette = color.Palette{
	color.RGBA{0, 0, 0, 255},
	color.RGBA{230, 25, 75, 255},
	color.RGBA{60, 180, 75, 255},
	color.RGBA{255, 225, 25, 255},
	color.RGBA{0, 130, 200, 255},
	color.RGBA{245, 130, 48, 255},
	color.RGBA{145, 30, 180, 255},
	color.RGBA{70, 240, 240, 255},
	color.RGBA{240, 50, 230, 255},
	color.RGBA{210, 245, 60, 255},
	color.RGBA{250, 190, 212, 255},
	color.RGBA{0, 128, 128, 255},
	color.RGBA{220, 190, 255, 255},
	color.RGBA{170, 110, 40, 255},
	color.RGBA{255, 250, 200, 255},
	color.RGBA{128, 0, 0, 255},
	color.RGBA{170, 255, 195, 255},
	color.RGBA{128, 128, 0, 255},
	color.RGBA{255, 215, 180, 255},
	color.RGBA{0, 0, 128, 255},
	color.RGBA{128, 128, 128, 255},
}

// paletteIndex maps a label value to its palette entry
func paletteIndex(v uint32) uint8 {
	if v == 0 {
		return 0
	}
	return uint8(1 + (v-1)%uint32(len(Palette)-1))
}

// Viewer renders slices of a merged or overlap label volume for quality
// control.
type Viewer struct {
	volume *models.LabelVolume

	// dimensions of the volume
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer over a label volume
func NewViewer(volume *models.LabelVolume) *Viewer {
	return &Viewer{
		volume: volume,
		width:  volume.Grid.Dims[0],
		height: volume.Grid.Dims[1],
		depth:  volume.Grid.Dims[2],
	}
}

// ExtractSlice extracts a 2D slice from the 3D volume along the specified axis.
// Each label value gets its own palette color.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Paletted, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Paletted

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}

		img = image.NewPaletted(image.Rect(0, 0, v.depth, v.height), Palette)
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetColorIndex(z, y, paletteIndex(v.at(position, y, z)))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}

		img = image.NewPaletted(image.Rect(0, 0, v.width, v.depth), Palette)
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetColorIndex(x, z, paletteIndex(v.at(x, position, z)))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}

		img = image.NewPaletted(image.Rect(0, 0, v.width, v.height), Palette)
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetColorIndex(x, y, paletteIndex(v.at(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

func (v *Viewer) at(x, y, z int) uint32 {
	idx := v.volume.Grid.Index(x, y, z)
	if idx < len(v.volume.Data) {
		return v.volume.Data[idx]
	}
	return 0
}

// ForegroundBounds returns the smallest box holding every nonzero voxel as
// min and max corners, inclusive. ok is false for an empty volume.
func (v *Viewer) ForegroundBounds() (lo, hi [3]int, ok bool) {
	lo = [3]int{v.width, v.height, v.depth}
	hi = [3]int{-1, -1, -1}
	for idx, val := range v.volume.Data {
		if val == 0 {
			continue
		}
		x, y, z := v.volume.Grid.Coords(idx)
		for i, c := range [3]int{x, y, z} {
			if c < lo[i] {
				lo[i] = c
			}
			if c > hi[i] {
				hi[i] = c
			}
		}
		ok = true
	}
	return lo, hi, ok
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence saves every slice along axis from the first to the last
// one holding a label, empty slices in between included, and returns the
// number written. Nothing is written for an all-background volume.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	var dim int
	switch axis {
	case "x", "X":
		dim = 0
	case "y", "Y":
		dim = 1
	case "z", "Z":
		dim = 2
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	lo, hi, ok := v.ForegroundBounds()
	if !ok {
		return 0, nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	written := 0
	for pos := lo[dim]; pos <= hi[dim]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return written, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return written, err
		}
		written++
	}

	return written, nil
}
