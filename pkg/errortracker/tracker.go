// Package errortracker records error codes for each voxel of a volume across
// the DCE modelling pipeline, and fixes the reference geometry every input
// image of a run must match.
package errortracker

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"dcefit/internal/models"
)

var (
	// ErrMismatchedImage is returned when an image does not match the reference geometry
	ErrMismatchedImage = errors.New("mismatched image dimensions")

	// ErrIndexOutOfRange is returned for voxel indices outside the error image
	ErrIndexOutOfRange = errors.New("voxel index out of range")

	// ErrWrongImageType is returned when setting an error image of another type
	ErrWrongImageType = errors.New("image is not an error map")

	// ErrUninitialised is returned by operations that need reference dimensions
	ErrUninitialised = errors.New("error tracker has no reference dimensions")
)

type trackerState int

const (
	uninitialised trackerState = iota
	initialised
)

// Tracker accumulates ErrorCode bitmasks per voxel. It moves from
// uninitialised to initialised when reference dimensions are set, and back
// on ResetErrorImage.
//
// UpdateVoxel may be called concurrently as long as each caller writes to its
// own voxel indices. All other methods must not run concurrently with it.
type Tracker struct {
	state trackerState

	// ref holds the reference geometry; its Data is unused
	ref models.Image3D

	codes []ErrorCode

	voxelSizeWarnOnly bool

	log *logrus.Entry
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger used for voxel-size warnings
func WithLogger(l *logrus.Entry) Option {
	return func(t *Tracker) { t.log = l }
}

// New creates an uninitialised tracker
func New(opts ...Option) *Tracker {
	t := &Tracker{log: logrus.WithField("component", "errortracker")}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialised reports whether reference dimensions are set
func (t *Tracker) Initialised() bool {
	return t.state == initialised
}

// SetVoxelSizeWarnOnly sets whether images matching the reference matrix but
// not its voxel size pass with a warning instead of failing
func (t *Tracker) SetVoxelSizeWarnOnly(flag bool) {
	t.voxelSizeWarnOnly = flag
}

// NumVoxels returns the number of voxels in the error image, 0 if uninitialised
func (t *Tracker) NumVoxels() int {
	return len(t.codes)
}

// InitErrorImage initialises a zeroed error image copying the geometry of img
func (t *Tracker) InitErrorImage(img *models.Image3D) error {
	if img.Empty() {
		return fmt.Errorf("cannot initialise error image from empty image: %w", ErrMismatchedImage)
	}
	t.ref = models.Image3D{
		Width:     img.Width,
		Height:    img.Height,
		Depth:     img.Depth,
		VoxelSize: img.VoxelSize,
		Type:      models.TypeErrorMap,
	}
	t.codes = make([]ErrorCode, img.NumVoxels())
	t.state = initialised
	return nil
}

// ResetErrorImage discards the error image and reference dimensions
func (t *Tracker) ResetErrorImage() {
	t.ref = models.Image3D{}
	t.codes = nil
	t.state = uninitialised
}

// ErrorImage returns the accumulated codes as a TypeErrorMap image. It returns
// nil when the tracker is uninitialised.
func (t *Tracker) ErrorImage() *models.Image3D {
	if t.state != initialised {
		return nil
	}
	img := models.NewImageLike(&t.ref, models.TypeErrorMap)
	for i, c := range t.codes {
		img.Data[i] = float64(c)
	}
	return img
}

// SetErrorImage replaces the accumulated codes with those in img. The image
// must be of type TypeErrorMap and match the reference dimensions; otherwise
// the tracker is left unchanged. An uninitialised tracker takes its reference
// dimensions from img.
func (t *Tracker) SetErrorImage(img *models.Image3D) error {
	if img.Empty() {
		return fmt.Errorf("error image is empty: %w", ErrMismatchedImage)
	}
	if img.Type != models.TypeErrorMap {
		return fmt.Errorf("cannot set error image of type %v: %w", img.Type, ErrWrongImageType)
	}
	if len(img.Data) != img.NumVoxels() {
		return fmt.Errorf("error image holds %d values for %d voxels: %w",
			len(img.Data), img.NumVoxels(), ErrMismatchedImage)
	}
	if t.state == initialised {
		if err := t.compare(img, "error image"); err != nil {
			return err
		}
	} else if err := t.InitErrorImage(img); err != nil {
		return err
	}
	for i, v := range img.Data {
		t.codes[i] = ErrorCode(uint32(v))
	}
	return nil
}

// UpdateVoxel ORs code into the stored code at voxelIndex. Bits are never cleared.
func (t *Tracker) UpdateVoxel(voxelIndex int, code ErrorCode) error {
	if voxelIndex < 0 || voxelIndex >= len(t.codes) {
		return fmt.Errorf("voxel %d, error image has %d voxels: %w",
			voxelIndex, len(t.codes), ErrIndexOutOfRange)
	}
	t.codes[voxelIndex] |= code
	return nil
}

// Code returns the accumulated code at voxelIndex
func (t *Tracker) Code(voxelIndex int) (ErrorCode, error) {
	if voxelIndex < 0 || voxelIndex >= len(t.codes) {
		return OK, fmt.Errorf("voxel %d, error image has %d voxels: %w",
			voxelIndex, len(t.codes), ErrIndexOutOfRange)
	}
	return t.codes[voxelIndex], nil
}

// MaskSingleErrorCode returns a mask image where voxels with every bit of
// code set are 1 and all others 0
func (t *Tracker) MaskSingleErrorCode(code ErrorCode) (*models.Image3D, error) {
	if t.state != initialised {
		return nil, ErrUninitialised
	}
	mask := models.NewImageLike(&t.ref, models.TypeMask)
	for i, c := range t.codes {
		if c&code == code {
			mask.Data[i] = 1
		}
	}
	return mask, nil
}

// CheckOrSetDimension checks img against the reference dimensions. If none
// are set yet, img's geometry becomes the reference for the rest of the run
// and the error image is allocated. msg names the image in errors.
func (t *Tracker) CheckOrSetDimension(img *models.Image3D, msg string) error {
	if t.state == uninitialised {
		if err := t.InitErrorImage(img); err != nil {
			return fmt.Errorf("%s: %w", msg, err)
		}
		t.log.WithFields(logrus.Fields{
			"image":      msg,
			"dimensions": img.DimensionString(),
		}).Debug("Set reference dimensions")
		return nil
	}
	return t.compare(img, msg)
}

// CheckDimension checks img against the reference dimensions without
// modifying the tracker
func (t *Tracker) CheckDimension(img *models.Image3D, msg string) error {
	if t.state != initialised {
		return fmt.Errorf("checking %s: %w", msg, ErrUninitialised)
	}
	return t.compare(img, msg)
}

func (t *Tracker) compare(img *models.Image3D, msg string) error {
	if !t.ref.SameMatrix(img) {
		return fmt.Errorf("%s has matrix %s, expected %s: %w",
			msg, img.DimensionString(), t.ref.DimensionString(), ErrMismatchedImage)
	}
	if !t.ref.SameVoxelSize(img) {
		if !t.voxelSizeWarnOnly {
			return fmt.Errorf("%s has voxel size %s, expected %s: %w",
				msg, img.DimensionString(), t.ref.DimensionString(), ErrMismatchedImage)
		}
		t.log.WithFields(logrus.Fields{
			"image":    msg,
			"got":      img.DimensionString(),
			"expected": t.ref.DimensionString(),
		}).Warn("Voxel sizes do not match reference")
	}
	return nil
}
