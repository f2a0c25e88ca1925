package segment

import (
	"fmt"
	"math/bits"
	"strings"
)

const (
	// MaxSegmentSize is the allocation ceiling applied to every declared size
	// before a buffer is sized from it.
	MaxSegmentSize uint64 = 256 * 1024 * 1024

	// DefaultChunkSize is the buffer size used when streaming ranges.
	DefaultChunkSize = 64 * 1024
)

// ByteRange is an absolute file position and a length.
type ByteRange struct {
	Offset uint64 `json:"offset" yaml:"offset"`
	Size   uint64 `json:"size" yaml:"size"`
}

// End returns Offset+Size and false when the sum overflows.
func (r ByteRange) End() (uint64, bool) {
	end, carry := bits.Add64(r.Offset, r.Size, 0)
	return end, carry == 0
}

// Contains reports whether other lies fully inside r.
func (r ByteRange) Contains(other ByteRange) bool {
	end, ok := r.End()
	oend, ook := other.End()
	return ok && ook && other.Offset >= r.Offset && oend <= end
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d+%d]", r.Offset, r.Size)
}

// TotalSize sums the sizes of ranges, reporting false on overflow.
func TotalSize(ranges []ByteRange) (uint64, bool) {
	var total uint64
	for _, r := range ranges {
		var carry uint64
		total, carry = bits.Add64(total, r.Size, 0)
		if carry != 0 {
			return 0, false
		}
	}
	return total, true
}

// Kind is the logical classification of a segment.
type Kind int

const (
	KindOther Kind = iota
	KindXMP
	KindJUMBF
	KindExif
	KindImageData
)

var kindNames = map[Kind]string{
	KindOther:     "other",
	KindXMP:       "xmp",
	KindJUMBF:     "jumbf",
	KindExif:      "exif",
	KindImageData: "image_data",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText prints the kind name in json/yaml output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind maps a kind name (as printed by String) back to a Kind.
// "c2pa" and "manifest" are accepted for KindJUMBF.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xmp":
		return KindXMP, nil
	case "jumbf", "c2pa", "manifest":
		return KindJUMBF, nil
	case "exif":
		return KindExif, nil
	case "image_data", "image":
		return KindImageData, nil
	case "other":
		return KindOther, nil
	}
	return KindOther, fmt.Errorf("unknown segment kind: %q", s)
}

// XMPPart describes one extended XMP marker.
type XMPPart struct {
	GUID      string `json:"guid" yaml:"guid"`
	TotalSize uint32 `json:"total_size" yaml:"total_size"`
	Offset    uint32 `json:"offset" yaml:"offset"`
}

// ExtendedXMP is the reassembly descriptor for JPEG extended XMP. Parts are
// parallel to Segment.Ranges[1:].
type ExtendedXMP struct {
	GUID  string    `json:"guid" yaml:"guid"`
	Parts []XMPPart `json:"parts" yaml:"parts"`
}

// TotalSize returns the declared size of the reassembled extended packet.
func (e *ExtendedXMP) TotalSize() uint32 {
	if e == nil || len(e.Parts) == 0 {
		return 0
	}
	return e.Parts[0].TotalSize
}

// Thumbnail locates an embedded preview image. Width and Height are zero
// when the directory does not declare them.
type Thumbnail struct {
	Range  ByteRange `json:"range" yaml:"range"`
	Width  uint32    `json:"width,omitempty" yaml:"width,omitempty"`
	Height uint32    `json:"height,omitempty" yaml:"height,omitempty"`
}

// Segment is one logical unit inside a container.
type Segment struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Label string `json:"label" yaml:"label"`

	// Ranges are the payload byte ranges in reassembly order.
	Ranges []ByteRange `json:"ranges" yaml:"ranges"`

	// Frames are the full framing units (markers, chunks, boxes) carrying the payload.
	Frames []ByteRange `json:"frames" yaml:"frames"`

	// Checksum is the size of a trailer following each payload range whose
	// value depends on the payload (PNG CRC).
	Checksum uint64 `json:"checksum,omitempty" yaml:"checksum,omitempty"`

	Compressed bool         `json:"compressed,omitempty" yaml:"compressed,omitempty"`
	Extended   *ExtendedXMP `json:"extended,omitempty" yaml:"extended,omitempty"`

	// Thumbnail is set on EXIF segments that carry a JPEG preview.
	Thumbnail *Thumbnail `json:"thumbnail,omitempty" yaml:"thumbnail,omitempty"`

	payload payloadCell
}

type payloadCell struct {
	loaded bool
	data   []byte
}

// New builds a segment with a single frame and its payload ranges.
func New(kind Kind, label string, frame ByteRange, ranges ...ByteRange) *Segment {
	return &Segment{
		Kind:   kind,
		Label:  label,
		Frames: []ByteRange{frame},
		Ranges: ranges,
	}
}

// PayloadSize is the declared payload size summed over all ranges.
func (s *Segment) PayloadSize() uint64 {
	total, _ := TotalSize(s.Ranges)
	return total
}

// Span returns the smallest range covering every frame.
func (s *Segment) Span() ByteRange {
	frames := s.Frames
	if len(frames) == 0 {
		frames = s.Ranges
	}
	if len(frames) == 0 {
		return ByteRange{}
	}
	lo, hi := frames[0].Offset, frames[0].Offset
	for _, f := range frames {
		if f.Offset < lo {
			lo = f.Offset
		}
		if end, ok := f.End(); ok && end > hi {
			hi = end
		}
	}
	return ByteRange{Offset: lo, Size: hi - lo}
}

// Loaded returns the cached payload if Load has succeeded before.
func (s *Segment) Loaded() ([]byte, bool) {
	return s.payload.data, s.payload.loaded
}

func (s *Segment) setPayload(data []byte) {
	s.payload = payloadCell{loaded: true, data: data}
}
