// Package visualization renders output maps as greyscale PNG slices and plots
// voxel concentration curves.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"dcefit/internal/models"
)

// Viewer extracts 2D slices from a 3D map, scaling voxel values linearly from
// the display window [low, high] to the full greyscale range
type Viewer struct {
	volume *models.Image3D

	// display window; values outside are clipped
	low  float64
	high float64
}

// NewViewer creates a viewer whose window spans the finite range of img
func NewViewer(img *models.Image3D) *Viewer {
	v := &Viewer{volume: img}
	v.low, v.high = finiteRange(img.Data)
	return v
}

// SetWindow overrides the display window
func (v *Viewer) SetWindow(low, high float64) error {
	if !(high > low) {
		return fmt.Errorf("window [%g, %g] is empty", low, high)
	}
	v.low, v.high = low, high
	return nil
}

// Window returns the display window
func (v *Viewer) Window() (low, high float64) { return v.low, v.high }

func finiteRange(data []float64) (low, high float64) {
	low, high = math.Inf(1), math.Inf(-1)
	for _, d := range data {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		low = math.Min(low, d)
		high = math.Max(high, d)
	}
	if math.IsInf(low, 1) {
		return 0, 1
	}
	if high == low {
		high = low + 1
	}
	return low, high
}

// gray maps a voxel value into the display window. NaN is black.
func (v *Viewer) gray(d float64) color.Gray16 {
	if math.IsNaN(d) {
		return color.Gray16{}
	}
	t := (d - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(1, t)) * 65535)}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.volume.Width, v.volume.Height, v.volume.Depth

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		img = image.NewGray16(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetGray16(z, y, v.gray(v.volume.At(v.volume.Index(position, y, z))))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, z, v.gray(v.volume.At(v.volume.Index(x, position, z))))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		img = image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, y, v.gray(v.volume.At(v.volume.Index(x, y, position))))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// as outputDir/<prefix>_<axis>_NNN.png
func (v *Viewer) SaveSliceSequence(axis, outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
