package models

import (
	"fmt"
	"math"
)

// ImageType identifies what an Image3D holds
type ImageType int

const (
	TypeUndefined ImageType = iota
	TypeT1
	TypeM0
	TypeB1
	TypeSignal
	TypeConcentration
	TypeParameterMap
	TypeErrorMap
	TypeMask
)

var imageTypeNames = [...]string{
	TypeUndefined:     "undefined",
	TypeT1:            "T1",
	TypeM0:            "M0",
	TypeB1:            "B1",
	TypeSignal:        "signal",
	TypeConcentration: "concentration",
	TypeParameterMap:  "parameter map",
	TypeErrorMap:      "error map",
	TypeMask:          "mask",
}

func (t ImageType) String() string {
	if t < 0 || int(t) >= len(imageTypeNames) {
		return fmt.Sprintf("ImageType(%d)", int(t))
	}
	return imageTypeNames[t]
}

// VoxelSize is the physical size of each voxel in mm
type VoxelSize struct {
	X, Y, Z float64
}

// voxelSizeTolerance is the largest per-axis difference treated as equal
const voxelSizeTolerance = 1e-4

// Image3D represents a single 3D volume. Dynamic series are held as one
// Image3D per timepoint.
type Image3D struct {
	// Data is the volume data as a 1D array in row-major order (x fastest)
	Data []float64

	// Width, Height, Depth are the matrix dimensions in voxels
	Width, Height, Depth int

	// VoxelSize is the physical size of each voxel
	VoxelSize VoxelSize

	// Type discriminates maps, e.g. TypeErrorMap
	Type ImageType

	// TimeStamp is the acquisition time in minutes, for dynamic volumes
	TimeStamp float64
}

// NewImage3D creates a zero-filled image with the given matrix and voxel size
func NewImage3D(width, height, depth int, size VoxelSize, t ImageType) *Image3D {
	return &Image3D{
		Data:      make([]float64, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: size,
		Type:      t,
	}
}

// NewImageLike creates a zero-filled image sharing the geometry of ref
func NewImageLike(ref *Image3D, t ImageType) *Image3D {
	return NewImage3D(ref.Width, ref.Height, ref.Depth, ref.VoxelSize, t)
}

// NumVoxels returns the number of voxels in the matrix
func (img *Image3D) NumVoxels() int {
	if img == nil {
		return 0
	}
	return img.Width * img.Height * img.Depth
}

// Empty reports whether the image has no voxels
func (img *Image3D) Empty() bool {
	return img.NumVoxels() == 0
}

// Index converts x, y, z co-ordinates to a voxel index
func (img *Image3D) Index(x, y, z int) int {
	return z*img.Width*img.Height + y*img.Width + x
}

// Coords converts a voxel index back to x, y, z co-ordinates
func (img *Image3D) Coords(idx int) (x, y, z int) {
	plane := img.Width * img.Height
	z = idx / plane
	rem := idx % plane
	return rem % img.Width, rem / img.Width, z
}

// At returns the value at voxel index idx
func (img *Image3D) At(idx int) float64 {
	return img.Data[idx]
}

// Set stores v at voxel index idx
func (img *Image3D) Set(idx int, v float64) {
	img.Data[idx] = v
}

// SameMatrix reports whether both images have identical matrix dimensions
func (img *Image3D) SameMatrix(o *Image3D) bool {
	return img.Width == o.Width && img.Height == o.Height && img.Depth == o.Depth
}

// SameVoxelSize reports whether both images have the same voxel size
func (img *Image3D) SameVoxelSize(o *Image3D) bool {
	return math.Abs(img.VoxelSize.X-o.VoxelSize.X) <= voxelSizeTolerance &&
		math.Abs(img.VoxelSize.Y-o.VoxelSize.Y) <= voxelSizeTolerance &&
		math.Abs(img.VoxelSize.Z-o.VoxelSize.Z) <= voxelSizeTolerance
}

// DimensionString formats the matrix and voxel size for messages
func (img *Image3D) DimensionString() string {
	return fmt.Sprintf("%dx%dx%d (%.4gx%.4gx%.4g mm)", img.Width, img.Height, img.Depth,
		img.VoxelSize.X, img.VoxelSize.Y, img.VoxelSize.Z)
}
