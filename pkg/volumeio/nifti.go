package volumeio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	"labelmerge/internal/models"
)

// NIfTI-1 datatype codes
const (
	dtUint8   int16 = 2
	dtInt16   int16 = 4
	dtInt32   int16 = 8
	dtFloat32 int16 = 16
	dtFloat64 int16 = 64
	dtInt8    int16 = 256
	dtUint16  int16 = 512
	dtUint32  int16 = 768
	dtInt64   int16 = 1024
	dtUint64  int16 = 1280
)

const (
	headerSize = 348
	voxOffset  = 352
)

// niftiHeader is the on-disk NIfTI-1 header. Field order and sizes match
// the 348 byte layout, so it can be read and written with encoding/binary.
type niftiHeader struct {
	SizeofHdr    int32
	DataType     [10]byte
	DbName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XyztUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

// Decode reads a single-file NIfTI-1 volume. When compressed is set the
// stream is gunzipped first.
func Decode(r io.Reader, compressed bool) (*models.Volume, error) {
	if compressed {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("can't uncompress gzip data: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	br := bufio.NewReader(r)

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("error reading nifti header: %w", err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw[:4]) != headerSize {
		if binary.BigEndian.Uint32(raw[:4]) != headerSize {
			return nil, fmt.Errorf("not a nifti-1 file: header size field is not %d", headerSize)
		}
		order = binary.BigEndian
	}
	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("error decoding nifti header: %w", err)
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("unsupported nifti magic %q (only single-file n+1 is supported)", hdr.Magic[:3])
	}

	grid, err := hdr.grid()
	if err != nil {
		return nil, err
	}

	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("invalid nifti vox_offset %v", hdr.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, br, skip); err != nil {
		return nil, fmt.Errorf("error skipping nifti extensions: %w", err)
	}

	data, err := readVoxels(br, order, hdr.Datatype, grid.NumVoxels())
	if err != nil {
		return nil, err
	}
	vol := &models.Volume{Grid: grid, Data: data}
	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i, v := range vol.Data {
			vol.Data[i] = v*slope + inter
		}
	}
	return vol, nil
}

func (h *niftiHeader) grid() (models.Grid, error) {
	ndim := int(h.Dim[0])
	if ndim < 3 || ndim > 7 {
		return models.Grid{}, fmt.Errorf("expected a 3D volume, header has %d dimensions", ndim)
	}
	for i := 4; i <= ndim; i++ {
		if h.Dim[i] > 1 {
			return models.Grid{}, fmt.Errorf("expected a 3D volume, dimension %d has size %d", i, h.Dim[i])
		}
	}

	g := models.Grid{
		Dims:      [3]int{int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])},
		Direction: models.IdentityDirection,
	}
	if err := g.Validate(); err != nil {
		return models.Grid{}, err
	}
	for i := 0; i < 3; i++ {
		g.Spacing[i] = math.Abs(float64(h.Pixdim[i+1]))
		if g.Spacing[i] == 0 {
			g.Spacing[i] = 1
		}
	}

	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				g.Direction[r*3+c] = float64(rows[r][c]) / g.Spacing[c]
			}
			g.Origin[r] = float64(rows[r][3])
		}
	case h.QformCode > 0:
		g.Direction = quaternToDirection(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD), float64(h.Pixdim[0]))
		g.Origin = [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)}
	}
	return g, nil
}

// quaternToDirection builds the rotation from the qform quaternion; qfac
// (pixdim[0]) of -1 flips the third axis.
func quaternToDirection(b, c, d, qfac float64) [9]float64 {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*a, c*a, d*a
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	if qfac >= 0 {
		qfac = 1
	} else {
		qfac = -1
	}
	return [9]float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c) * qfac,
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b) * qfac,
		2 * (b*d - a*c), 2 * (c*d + a*b), (a*a + d*d - c*c - b*b) * qfac,
	}
}

// directionToQuatern is the inverse of quaternToDirection for an
// orthonormal direction matrix.
func directionToQuatern(dir [9]float64) (b, c, d, qfac float64) {
	r := dir
	qfac = 1
	if mat.Det(mat.NewDense(3, 3, r[:])) < 0 {
		qfac = -1
		r[2], r[5], r[8] = -r[2], -r[5], -r[8]
	}
	r11, r12, r13 := r[0], r[1], r[2]
	r21, r22, r23 := r[3], r[4], r[5]
	r31, r32, r33 := r[6], r[7], r[8]

	var a float64
	if tr := r11 + r22 + r33 + 1; tr > 0.5 {
		a = 0.5 * math.Sqrt(tr)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1 + r11 - (r22 + r33)
		yd := 1 + r22 - (r11 + r33)
		zd := 1 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac
}

// readChunk bounds each read of voxel bytes. The output grows with the data
// actually read, so a header claiming more voxels than the stream holds fails
// without allocating the whole claimed volume.
const readChunk = 1 << 20

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	width, convert, err := voxelConverter(order, datatype)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, min(n, readChunk))
	buf := make([]byte, min(n*width, readChunk))
	for len(out) < n {
		want := min((n-len(out))*width, len(buf))
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			return nil, fmt.Errorf("error reading %d voxels: %w", n, err)
		}
		for off := 0; off < want; off += width {
			out = append(out, convert(buf[off:off+width]))
		}
	}
	return out, nil
}

// voxelConverter returns the stored size of one voxel and how to turn its
// bytes into a value.
func voxelConverter(order binary.ByteOrder, datatype int16) (int, func([]byte) float64, error) {
	switch datatype {
	case dtUint8:
		return 1, func(b []byte) float64 { return float64(b[0]) }, nil
	case dtInt8:
		return 1, func(b []byte) float64 { return float64(int8(b[0])) }, nil
	case dtInt16:
		return 2, func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, nil
	case dtUint16:
		return 2, func(b []byte) float64 { return float64(order.Uint16(b)) }, nil
	case dtInt32:
		return 4, func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, nil
	case dtUint32:
		return 4, func(b []byte) float64 { return float64(order.Uint32(b)) }, nil
	case dtInt64:
		return 8, func(b []byte) float64 { return float64(int64(order.Uint64(b))) }, nil
	case dtUint64:
		return 8, func(b []byte) float64 { return float64(order.Uint64(b)) }, nil
	case dtFloat32:
		return 4, func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, nil
	case dtFloat64:
		return 8, func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, nil
	default:
		return 0, nil, fmt.Errorf("unsupported nifti datatype %d", datatype)
	}
}

// Encode writes a label volume as single-file NIfTI-1 using the smallest
// unsigned integer type that holds its largest value.
func Encode(w io.Writer, vol *models.LabelVolume, compressed bool) error {
	if compressed {
		zw := gzip.NewWriter(w)
		if err := encode(zw, vol); err != nil {
			zw.Close()
			return err
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("can't compress nifti data: %w", err)
		}
		return nil
	}
	return encode(w, vol)
}

func encode(w io.Writer, vol *models.LabelVolume) error {
	if err := vol.Grid.Validate(); err != nil {
		return err
	}
	if len(vol.Data) != vol.Grid.NumVoxels() {
		return fmt.Errorf("volume holds %d voxels but its grid needs %d", len(vol.Data), vol.Grid.NumVoxels())
	}
	for i, d := range vol.Grid.Dims {
		if d > math.MaxInt16 {
			return fmt.Errorf("dimension %d size %d does not fit a nifti-1 header", i, d)
		}
	}

	maxVal := vol.Max()
	hdr := newHeader(vol.Grid)
	switch {
	case maxVal <= math.MaxUint8:
		hdr.Datatype, hdr.Bitpix = dtUint8, 8
	case maxVal <= math.MaxUint16:
		hdr.Datatype, hdr.Bitpix = dtUint16, 16
	default:
		hdr.Datatype, hdr.Bitpix = dtUint32, 32
	}
	hdr.CalMax = float32(maxVal)

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("error writing nifti header: %w", err)
	}
	// empty extension block
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("error writing nifti header: %w", err)
	}

	var err error
	switch hdr.Datatype {
	case dtUint8:
		buf := make([]uint8, len(vol.Data))
		for i, v := range vol.Data {
			buf[i] = uint8(v)
		}
		err = binary.Write(bw, binary.LittleEndian, buf)
	case dtUint16:
		buf := make([]uint16, len(vol.Data))
		for i, v := range vol.Data {
			buf[i] = uint16(v)
		}
		err = binary.Write(bw, binary.LittleEndian, buf)
	default:
		err = binary.Write(bw, binary.LittleEndian, vol.Data)
	}
	if err != nil {
		return fmt.Errorf("error writing voxels: %w", err)
	}
	return bw.Flush()
}

func newHeader(g models.Grid) *niftiHeader {
	hdr := &niftiHeader{
		SizeofHdr: headerSize,
		Regular:   'r',
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: 2, // mm
		QformCode: 1,
		SformCode: 1,
	}
	hdr.Dim = [8]int16{3, int16(g.Dims[0]), int16(g.Dims[1]), int16(g.Dims[2]), 1, 1, 1, 1}
	copy(hdr.Magic[:], "n+1\x00")
	copy(hdr.Descrip[:], "labelmerge")

	b, c, d, qfac := directionToQuatern(g.Direction)
	hdr.Pixdim = [8]float32{float32(qfac), float32(g.Spacing[0]), float32(g.Spacing[1]), float32(g.Spacing[2]), 1, 1, 1, 1}
	hdr.QuaternB, hdr.QuaternC, hdr.QuaternD = float32(b), float32(c), float32(d)
	hdr.QoffsetX, hdr.QoffsetY, hdr.QoffsetZ = float32(g.Origin[0]), float32(g.Origin[1]), float32(g.Origin[2])

	rows := [3]*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(g.Direction[r*3+c] * g.Spacing[c])
		}
		rows[r][3] = float32(g.Origin[r])
	}
	return hdr
}
