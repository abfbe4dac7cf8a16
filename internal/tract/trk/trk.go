// Package trk reads and writes TrackVis .trk tractography files.
//
// A .trk file is a fixed 1000-byte header followed by track records.
// Each record is an int32 point count, then per point three float32
// millimetre coordinates plus n_scalars float32 scalar values, then
// n_properties float32 per-track properties. The header carries the
// volume dimensions and voxel size, so a .trk file alone fully
// parameterizes a density count.
package trk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/foxet/pbc1109/internal/tract"
)

// Fixed layout of the .trk header (TrackVis format, version 2).
const (
	HeaderSize = 1000    // total header bytes; also the endianness sentinel
	Magic      = "TRACK" // id_string prefix
	Version    = 2

	MaxScalars    = 10 // scalar name slots in the header
	MaxProperties = 10 // property name slots in the header
	nameLen       = 20 // bytes per name slot

	// Point counts above this are treated as corruption rather than a
	// plausible track. 2^26 points is ~768MB of coordinates.
	maxTrackPoints = 1 << 26
)

// rawHeader mirrors the on-disk header byte-for-byte. Field order and
// sizes must not change; binary.Read depends on the layout summing to
// exactly HeaderSize.
type rawHeader struct {
	IDString                [6]byte    // "TRACK\x00"
	Dim                     [3]int16   // volume extent in voxels
	VoxelSize               [3]float32 // mm per voxel
	Origin                  [3]float32 // mm origin (informational; TrackVis ignores it)
	NScalars                int16      // float32 scalars stored per point
	ScalarNames             [MaxScalars][nameLen]byte
	NProperties             int16 // float32 properties stored per track
	PropertyNames           [MaxProperties][nameLen]byte
	VoxToRAS                [4][4]float32 // voxel-to-RAS transform; zero row 3 means unset
	Reserved                [444]byte
	VoxelOrder              [4]byte
	Pad2                    [4]byte
	ImageOrientationPatient [6]float32
	Pad1                    [2]byte
	InvertX                 uint8
	InvertY                 uint8
	InvertZ                 uint8
	SwapXY                  uint8
	SwapYZ                  uint8
	SwapZX                  uint8
	NCount                  int32 // number of tracks; 0 means unknown
	Version                 int32
	HdrSize                 int32 // must equal HeaderSize; other values flag byte order
}

// Header is the decoded .trk header.
type Header struct {
	Dim           [3]int16
	VoxelSize     [3]float32
	Origin        [3]float32
	NScalars      int16
	ScalarNames   []string
	NProperties   int16
	PropertyNames []string
	VoxToRAS      [4][4]float32
	VoxelOrder    string
	NCount        int32
	Version       int32

	// ByteOrder is the detected file byte order. Little-endian is the
	// native TrackVis encoding; big-endian files are read transparently.
	ByteOrder binary.ByteOrder
}

// NewHeader builds a minimal little-endian header for the given grid
// parameters, as the generator and tests need.
func NewHeader(shape tract.VolumeShape, size tract.VoxelSize) *Header {
	h := &Header{
		NCount:     0,
		Version:    Version,
		VoxelOrder: "LPS",
		ByteOrder:  binary.LittleEndian,
	}
	for a := 0; a < 3; a++ {
		h.Dim[a] = int16(shape[a])
		h.VoxelSize[a] = float32(size[a])
	}
	return h
}

// VolumeShape derives the kernel volume shape from the header.
func (h *Header) VolumeShape() (tract.VolumeShape, error) {
	shape := tract.VolumeShape{int(h.Dim[0]), int(h.Dim[1]), int(h.Dim[2])}
	if err := shape.Validate(); err != nil {
		return tract.VolumeShape{}, fmt.Errorf("header dim %v: %w", h.Dim, err)
	}
	return shape, nil
}

// VoxelSizeMM derives the kernel voxel size from the header.
func (h *Header) VoxelSizeMM() (tract.VoxelSize, error) {
	size := tract.VoxelSize{float64(h.VoxelSize[0]), float64(h.VoxelSize[1]), float64(h.VoxelSize[2])}
	if err := size.Validate(); err != nil {
		return tract.VoxelSize{}, fmt.Errorf("header voxel size %v: %w", h.VoxelSize, err)
	}
	return size, nil
}

// valuesPerPoint is the float32 count of one point record.
func (h *Header) valuesPerPoint() int {
	return 3 + int(h.NScalars)
}

// ParseHeader decodes and validates the 1000-byte header, detecting the
// file byte order from the hdr_size field.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("short header: %d bytes, want %d", len(data), HeaderSize)
	}

	var raw rawHeader
	order := binary.ByteOrder(binary.LittleEndian)
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), order, &raw); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if raw.HdrSize != HeaderSize {
		// A byte-swapped hdr_size means the file was written big-endian.
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(data[:HeaderSize]), order, &raw); err != nil {
			return nil, fmt.Errorf("decoding header: %w", err)
		}
		if raw.HdrSize != HeaderSize {
			return nil, fmt.Errorf("bad hdr_size %d in either byte order, want %d", raw.HdrSize, HeaderSize)
		}
	}

	if string(raw.IDString[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("bad magic %q, want %q", raw.IDString[:len(Magic)], Magic)
	}
	if raw.NScalars < 0 || raw.NScalars > MaxScalars {
		return nil, fmt.Errorf("n_scalars %d out of range [0,%d]", raw.NScalars, MaxScalars)
	}
	if raw.NProperties < 0 || raw.NProperties > MaxProperties {
		return nil, fmt.Errorf("n_properties %d out of range [0,%d]", raw.NProperties, MaxProperties)
	}
	if raw.NCount < 0 {
		return nil, fmt.Errorf("negative n_count %d", raw.NCount)
	}

	h := &Header{
		Dim:         raw.Dim,
		VoxelSize:   raw.VoxelSize,
		Origin:      raw.Origin,
		NScalars:    raw.NScalars,
		NProperties: raw.NProperties,
		VoxToRAS:    raw.VoxToRAS,
		VoxelOrder:  trimName(raw.VoxelOrder[:]),
		NCount:      raw.NCount,
		Version:     raw.Version,
		ByteOrder:   order,
	}
	for i := 0; i < int(raw.NScalars); i++ {
		h.ScalarNames = append(h.ScalarNames, trimName(raw.ScalarNames[i][:]))
	}
	for i := 0; i < int(raw.NProperties); i++ {
		h.PropertyNames = append(h.PropertyNames, trimName(raw.PropertyNames[i][:]))
	}
	return h, nil
}

// trimName cuts a fixed-width header name at its first NUL.
func trimName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// encode re-packs the header for writing. The output is always exactly
// HeaderSize bytes in h.ByteOrder.
func (h *Header) encode() ([]byte, error) {
	if int(h.NScalars) > MaxScalars || h.NScalars < 0 {
		return nil, fmt.Errorf("n_scalars %d out of range [0,%d]", h.NScalars, MaxScalars)
	}
	if int(h.NProperties) > MaxProperties || h.NProperties < 0 {
		return nil, fmt.Errorf("n_properties %d out of range [0,%d]", h.NProperties, MaxProperties)
	}

	raw := rawHeader{
		Dim:         h.Dim,
		VoxelSize:   h.VoxelSize,
		Origin:      h.Origin,
		NScalars:    h.NScalars,
		NProperties: h.NProperties,
		VoxToRAS:    h.VoxToRAS,
		NCount:      h.NCount,
		Version:     h.Version,
		HdrSize:     HeaderSize,
	}
	copy(raw.IDString[:], Magic)
	copy(raw.VoxelOrder[:], h.VoxelOrder)
	for i, name := range h.ScalarNames {
		if i >= MaxScalars {
			break
		}
		copy(raw.ScalarNames[i][:], name)
	}
	for i, name := range h.PropertyNames {
		if i >= MaxProperties {
			break
		}
		copy(raw.PropertyNames[i][:], name)
	}
	if raw.Version == 0 {
		raw.Version = Version
	}

	order := h.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := binary.Write(&buf, order, &raw); err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	if buf.Len() != HeaderSize {
		return nil, fmt.Errorf("encoded header is %d bytes, want %d", buf.Len(), HeaderSize)
	}
	return buf.Bytes(), nil
}

// Reader streams tracks out of a .trk file.
type Reader struct {
	br     *bufio.Reader
	header *Header
	read   int32
}

// NewReader consumes and validates the header, leaving the reader
// positioned at the first track record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Reader{br: br, header: h}, nil
}

// Header returns the decoded file header.
func (r *Reader) Header() *Header {
	return r.header
}

// Next returns the next track in millimetre space. Scalars and
// properties are consumed and discarded. io.EOF signals a clean end of
// file; a truncated record is an error.
func (r *Reader) Next() (tract.Track, error) {
	if r.header.NCount > 0 && r.read >= r.header.NCount {
		return nil, io.EOF
	}

	var n int32
	if err := binary.Read(r.br, r.header.ByteOrder, &n); err != nil {
		if err == io.EOF && r.header.NCount == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading track %d point count: %w", r.read, err)
	}
	if n < 0 || n > maxTrackPoints {
		return nil, fmt.Errorf("track %d: implausible point count %d", r.read, n)
	}

	values := make([]float32, int(n)*r.header.valuesPerPoint()+int(r.header.NProperties))
	if err := binary.Read(r.br, r.header.ByteOrder, values); err != nil {
		return nil, fmt.Errorf("reading track %d (%d points): %w", r.read, n, err)
	}

	track := make(tract.Track, n)
	stride := r.header.valuesPerPoint()
	for i := 0; i < int(n); i++ {
		base := i * stride
		track[i] = tract.Point{
			float64(values[base]),
			float64(values[base+1]),
			float64(values[base+2]),
		}
	}
	r.read++
	return track, nil
}

// ReadAll drains the remaining tracks.
func (r *Reader) ReadAll() ([]tract.Track, error) {
	var tracks []tract.Track
	for {
		track, err := r.Next()
		if err == io.EOF {
			return tracks, nil
		}
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
}

// ReadFile loads a whole .trk file.
func ReadFile(path string) (*Header, []tract.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	tracks, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return r.Header(), tracks, nil
}

// Writer emits a .trk file. The header's NCount should be set before
// NewWriter when the track count is known; readers treat 0 as unknown
// and read to EOF.
type Writer struct {
	w     io.Writer
	order binary.ByteOrder
	wrote int32
}

// NewWriter writes the header immediately and returns a writer for the
// track records.
func NewWriter(w io.Writer, h *Header) (*Writer, error) {
	buf, err := h.encode()
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	order := h.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	return &Writer{w: w, order: order}, nil
}

// WriteTrack appends one track record with no scalars or properties.
func (w *Writer) WriteTrack(track tract.Track) error {
	if len(track) > maxTrackPoints {
		return fmt.Errorf("track has %d points, limit %d", len(track), maxTrackPoints)
	}
	if err := binary.Write(w.w, w.order, int32(len(track))); err != nil {
		return fmt.Errorf("writing track %d point count: %w", w.wrote, err)
	}
	values := make([]float32, 0, len(track)*3)
	for _, p := range track {
		values = append(values, float32(p[0]), float32(p[1]), float32(p[2]))
	}
	if err := binary.Write(w.w, w.order, values); err != nil {
		return fmt.Errorf("writing track %d points: %w", w.wrote, err)
	}
	w.wrote++
	return nil
}

// WriteFile writes header metadata and all tracks to path. The header's
// NCount is set to len(tracks).
func WriteFile(path string, h *Header, tracks []tract.Track) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	hdr := *h
	hdr.NCount = int32(len(tracks))
	bw := bufio.NewWriter(f)
	w, err := NewWriter(bw, &hdr)
	if err != nil {
		return err
	}
	for _, track := range tracks {
		if err := w.WriteTrack(track); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return f.Close()
}
