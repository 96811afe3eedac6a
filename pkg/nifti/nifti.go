// Package nifti reads and writes single-file NIfTI-1 images (.nii, .nii.gz)
// as Image3D volumes.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"dcefit/internal/models"
)

// Header defines the structure of the NIfTI-1 header.
//
// Type translation from nifti1 C header to golang:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]int8 // Any text you like
	AuxFile [24]int8 // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]int8 // 'name' or meaning of data

	Magic [4]int8 // Must be "n+1\0" for single-file images
}

const (
	headerSize    = 352
	minHeaderSize = 348
)

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

const unitsMM = 2

var singleFileMagic = [4]int8{'n', '+', '1', 0}

// ErrInvalidHeader is returned for files that are not single-file NIfTI-1
var ErrInvalidHeader = errors.New("invalid nifti1 header")

// readBytes returns the contents of a file, inflating gzip-compressed files
func readBytes(filename string) ([]byte, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if len(content) > 2 && content[0] == 0x1f && content[1] == 0x8b {
		log.WithFields(log.Fields{
			"file":          filename,
			"decompression": "gzip",
		}).Debug("Decompressing ...")
		g, err := gzip.NewReader(bytes.NewReader(content))
		if err != nil {
			return nil, err
		}
		defer g.Close()
		return io.ReadAll(g)
	}
	return content, nil
}

// ReadHeader decodes a header and returns the byte order of the file
func ReadHeader(b []byte) (Header, binary.ByteOrder, error) {
	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
		return h, nil, fmt.Errorf("reading header: %w", err)
	}
	if h.SizeOfHdr != minHeaderSize {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
			return h, nil, fmt.Errorf("reading header: %w", err)
		}
	}
	if err := validateHeader(h); err != nil {
		return h, nil, err
	}
	log.WithFields(log.Fields{
		"byteOrder": order,
		"dim":       h.Dim,
	}).Debug("Read header")
	return h, order, nil
}

func validateHeader(h Header) error {
	switch {
	case h.SizeOfHdr != minHeaderSize:
		return fmt.Errorf("header size %d: %w", h.SizeOfHdr, ErrInvalidHeader)
	case h.Magic != singleFileMagic:
		return fmt.Errorf("data must be stored in the same file as the header: %w", ErrInvalidHeader)
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("dim[0]=%d not in range [1, 7]: %w", h.Dim[0], ErrInvalidHeader)
	}
	if _, err := bytesPerVoxel(h.DataType); err != nil {
		return err
	}
	return nil
}

func bytesPerVoxel(dataType int16) (int, error) {
	switch dataType {
	case dtUint8, dtInt8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtUint32, dtFloat32:
		return 4, nil
	case dtFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported datatype %d: %w", dataType, ErrInvalidHeader)
}

// ReadVolumes reads every 3D volume of a NIfTI-1 file. A 4D file yields one
// image per timepoint.
func ReadVolumes(filename string, t models.ImageType) ([]*models.Image3D, error) {
	b, err := readBytes(filename)
	if err != nil {
		return nil, err
	}
	h, order, err := ReadHeader(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	dims := [4]int{1, 1, 1, 1}
	for i := 1; i <= int(h.Dim[0]) && i <= 4; i++ {
		if h.Dim[i] > 0 {
			dims[i-1] = int(h.Dim[i])
		}
	}
	nx, ny, nz, nt := dims[0], dims[1], dims[2], dims[3]

	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	bpv, _ := bytesPerVoxel(h.DataType)
	nVox := nx * ny * nz
	needed := offset + nVox*nt*bpv
	if len(b) < needed {
		return nil, fmt.Errorf("%s: file has %d bytes, header requires %d: %w", filename, len(b), needed, ErrInvalidHeader)
	}

	values, err := decode(b[offset:needed], h.DataType, order)
	if err != nil {
		return nil, err
	}
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		m, c := float64(h.SclSlope), float64(h.SclInter)
		for i, v := range values {
			values[i] = m*v + c
		}
	}

	size := models.VoxelSize{X: float64(h.PixDim[1]), Y: float64(h.PixDim[2]), Z: float64(h.PixDim[3])}
	out := make([]*models.Image3D, nt)
	for ti := 0; ti < nt; ti++ {
		img := models.NewImage3D(nx, ny, nz, size, t)
		copy(img.Data, values[ti*nVox:(ti+1)*nVox])
		out[ti] = img
	}
	return out, nil
}

// ReadImage reads the first 3D volume of a NIfTI-1 file
func ReadImage(filename string, t models.ImageType) (*models.Image3D, error) {
	vols, err := ReadVolumes(filename, t)
	if err != nil {
		return nil, err
	}
	return vols[0], nil
}

func decode(b []byte, dataType int16, order binary.ByteOrder) ([]float64, error) {
	bpv, err := bytesPerVoxel(dataType)
	if err != nil {
		return nil, err
	}
	n := len(b) / bpv
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		p := b[i*bpv:]
		switch dataType {
		case dtUint8:
			out[i] = float64(p[0])
		case dtInt8:
			out[i] = float64(int8(p[0]))
		case dtInt16:
			out[i] = float64(int16(order.Uint16(p)))
		case dtUint16:
			out[i] = float64(order.Uint16(p))
		case dtInt32:
			out[i] = float64(int32(order.Uint32(p)))
		case dtUint32:
			out[i] = float64(order.Uint32(p))
		case dtFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(p)))
		case dtFloat64:
			out[i] = math.Float64frombits(order.Uint64(p))
		}
	}
	return out, nil
}

// WriteImage writes img as a float32 NIfTI-1 file, gzip-compressed when
// filename ends in .gz
func WriteImage(filename string, img *models.Image3D) error {
	return WriteVolumes(filename, []*models.Image3D{img})
}

// WriteVolumes writes a series of images sharing one matrix as a 4D float32
// NIfTI-1 file
func WriteVolumes(filename string, imgs []*models.Image3D) error {
	if len(imgs) == 0 || imgs[0].Empty() {
		return fmt.Errorf("%s: no image data to write", filename)
	}
	ref := imgs[0]
	for i, img := range imgs {
		if !ref.SameMatrix(img) {
			return fmt.Errorf("%s: volume %d has matrix %s, expected %s", filename, i,
				img.DimensionString(), ref.DimensionString())
		}
	}

	h := Header{
		SizeOfHdr: minHeaderSize,
		DataType:  dtFloat32,
		BitPix:    32,
		VoxOffset: headerSize,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		Magic:     singleFileMagic,
	}
	h.Dim = [8]int16{3, int16(ref.Width), int16(ref.Height), int16(ref.Depth), 1, 1, 1, 1}
	if len(imgs) > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(len(imgs))
	}
	h.PixDim = [8]float32{1, float32(ref.VoxelSize.X), float32(ref.VoxelSize.Y), float32(ref.VoxelSize.Z), 1, 1, 1, 1}
	copy(h.Descrip[:], toInt8(ref.Type.String()))

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	buf.Write(make([]byte, headerSize-minHeaderSize)) // empty extension block
	for _, img := range imgs {
		for _, v := range img.Data {
			if err := binary.Write(&buf, binary.LittleEndian, float32(v)); err != nil {
				return err
			}
		}
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.HasSuffix(filename, ".gz") {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(buf.Bytes()); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}
	} else if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"file":    filename,
		"volumes": len(imgs),
	}).Debug("Wrote image")
	return f.Close()
}

func toInt8(s string) []int8 {
	out := make([]int8, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = int8(s[i])
	}
	return out
}
