package segment

import (
	"fmt"
	"io"
	"sort"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
)

// Structure is the parsed map of a container: its segments in file order
// plus indices of the metadata-bearing ones. A destination structure
// describes the output layout of a write, not the source.
type Structure struct {
	Container Container  `json:"container" yaml:"container"`
	MediaType MediaType  `json:"media_type" yaml:"media_type"`
	TotalSize uint64     `json:"total_size" yaml:"total_size"`
	Segments  []*Segment `json:"segments" yaml:"segments"`

	xmpIndex     int
	jumbfIndices []int
	exifIndex    int

	mapping *Mapping
}

// NewStructure creates an empty structure for a container family.
func NewStructure(c Container, mt MediaType) *Structure {
	return &Structure{
		Container: c,
		MediaType: mt,
		xmpIndex:  -1,
		exifIndex: -1,
	}
}

// Add appends a segment and maintains the kind indices: the first XMP,
// every JUMBF and the first Exif segment are indexed.
func (s *Structure) Add(seg *Segment) int {
	idx := len(s.Segments)
	s.Segments = append(s.Segments, seg)
	switch seg.Kind {
	case KindXMP:
		if s.xmpIndex < 0 {
			s.xmpIndex = idx
		}
	case KindJUMBF:
		s.jumbfIndices = append(s.jumbfIndices, idx)
	case KindExif:
		if s.exifIndex < 0 {
			s.exifIndex = idx
		}
	}
	return idx
}

// XMPIndex returns the index of the XMP segment, or -1.
func (s *Structure) XMPIndex() int { return s.xmpIndex }

// JUMBFIndices returns the indices of every manifest segment.
func (s *Structure) JUMBFIndices() []int { return s.jumbfIndices }

// ExifIndex returns the index of the Exif segment, or -1.
func (s *Structure) ExifIndex() int { return s.exifIndex }

// XMP returns the indexed XMP segment.
func (s *Structure) XMP() (*Segment, bool) {
	if s.xmpIndex < 0 {
		return nil, false
	}
	return s.Segments[s.xmpIndex], true
}

// JUMBF returns the first manifest segment.
func (s *Structure) JUMBF() (*Segment, bool) {
	if len(s.jumbfIndices) == 0 {
		return nil, false
	}
	return s.Segments[s.jumbfIndices[0]], true
}

// Exif returns the indexed Exif segment.
func (s *Structure) Exif() (*Segment, bool) {
	if s.exifIndex < 0 {
		return nil, false
	}
	return s.Segments[s.exifIndex], true
}

// First returns the first segment of the given kind.
func (s *Structure) First(kind Kind) (*Segment, bool) {
	switch kind {
	case KindXMP:
		return s.XMP()
	case KindJUMBF:
		return s.JUMBF()
	case KindExif:
		return s.Exif()
	}
	for _, seg := range s.Segments {
		if seg.Kind == kind {
			return seg, true
		}
	}
	return nil, false
}

// Has reports whether a segment of the given kind exists.
func (s *Structure) Has(kind Kind) bool {
	_, ok := s.First(kind)
	return ok
}

// Thumbnail returns the preview recorded on the first EXIF segment.
func (s *Structure) Thumbnail() (*Thumbnail, bool) {
	seg, ok := s.Exif()
	if !ok || seg.Thumbnail == nil {
		return nil, false
	}
	return seg.Thumbnail, true
}

// AttachMapping makes subsequent loads read from a memory-mapped view of the source.
// Loaded payloads are copies; only Slice hands out views into the mapping.
func (s *Structure) AttachMapping(m *Mapping) {
	s.mapping = m
}

// Release detaches the mapping and drops every cached payload. It is called
// before the source is closed, after which loads fail instead of reading
// released memory.
func (s *Structure) Release() {
	s.mapping = nil
	for _, seg := range s.Segments {
		seg.payload = payloadCell{}
	}
}

// Mapping returns the attached mapping, if any.
func (s *Structure) Mapping() *Mapping {
	return s.mapping
}

// Slice returns a zero-copy view of a range of the mapped source. It reports
// false when no mapping is attached, the range is out of bounds or its end
// overflows. The view must not be used once the mapping is closed.
func (s *Structure) Slice(r ByteRange) ([]byte, bool) {
	if s.mapping == nil {
		return nil, false
	}
	return s.mapping.Slice(r)
}

// Load reads a segment's ranges concatenated in declared order. The declared
// total is checked against MaxSegmentSize before any allocation. The result is
// cached on the segment.
func (s *Structure) Load(seg *Segment, r io.ReadSeeker) ([]byte, error) {
	if data, ok := seg.Loaded(); ok {
		return data, nil
	}
	if len(seg.Ranges) == 0 {
		return nil, errors.NotFound(seg.Kind.String() + " payload")
	}

	total, ok := TotalSize(seg.Ranges)
	if !ok || total > MaxSegmentSize {
		return nil, errors.SizeLimit(total, MaxSegmentSize)
	}

	if s.mapping != nil {
		data, err := s.loadMapped(seg, total)
		if err != nil {
			return nil, err
		}
		seg.setPayload(data)
		return data, nil
	}

	if r == nil {
		return nil, errors.IO(fmt.Errorf("no source for %s payload", seg.Kind))
	}

	buf := make([]byte, total)
	var pos uint64
	for _, rng := range seg.Ranges {
		if _, err := r.Seek(int64(rng.Offset), io.SeekStart); err != nil {
			return nil, errors.IO(err)
		}
		if _, err := io.ReadFull(r, buf[pos:pos+rng.Size]); err != nil {
			return nil, errors.IO(err)
		}
		pos += rng.Size
	}

	seg.setPayload(buf)
	return buf, nil
}

// loadMapped copies the ranges out of the mapping so the cached payload
// survives an unmap.
func (s *Structure) loadMapped(seg *Segment, total uint64) ([]byte, error) {
	buf := make([]byte, 0, total)
	for _, rng := range seg.Ranges {
		view, ok := s.mapping.Slice(rng)
		if !ok {
			return nil, errors.IO(io.ErrUnexpectedEOF)
		}
		buf = append(buf, view...)
	}
	return buf, nil
}

// Validate checks index/kind agreement, that ranges lie within TotalSize and
// that no two payload ranges overlap.
func (s *Structure) Validate() error {
	check := func(idx int, kind Kind) error {
		if idx < 0 {
			return nil
		}
		if idx >= len(s.Segments) || s.Segments[idx].Kind != kind {
			return errors.InvalidFormat("%s index %d does not point at a %s segment", kind, idx, kind)
		}
		return nil
	}
	if err := check(s.xmpIndex, KindXMP); err != nil {
		return err
	}
	if err := check(s.exifIndex, KindExif); err != nil {
		return err
	}
	for _, idx := range s.jumbfIndices {
		if err := check(idx, KindJUMBF); err != nil {
			return err
		}
	}

	var all []ByteRange
	for _, seg := range s.Segments {
		for _, r := range seg.Ranges {
			end, ok := r.End()
			if !ok || (s.TotalSize > 0 && end > s.TotalSize) {
				return errors.InvalidFormat("%s range %s outside file of %d bytes", seg.Label, r, s.TotalSize)
			}
			if r.Size > 0 {
				all = append(all, r)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Offset < all[j].Offset
	})
	for i := 1; i < len(all); i++ {
		prevEnd, _ := all[i-1].End()
		if all[i].Offset < prevEnd {
			return errors.InvalidFormat("ranges %s and %s overlap", all[i-1], all[i])
		}
	}
	return nil
}

// ExclusionRanges returns the byte zones that a hash excluding kinds must skip,
// sorted and merged. Full excludes whole frames; DataOnly excludes payload
// ranges extended by their checksum trailer.
func (s *Structure) ExclusionRanges(kinds []Kind, mode ExclusionMode) []ByteRange {
	var zones []ByteRange
	for _, seg := range s.Segments {
		if !containsKind(kinds, seg.Kind) {
			continue
		}
		if mode == ExcludeFull && len(seg.Frames) > 0 {
			zones = append(zones, seg.Frames...)
			continue
		}
		for _, r := range seg.Ranges {
			zones = append(zones, ByteRange{Offset: r.Offset, Size: r.Size + seg.Checksum})
		}
	}
	return mergeRanges(zones)
}

// HashableRanges is the complement of ExclusionRanges over [0, TotalSize).
func (s *Structure) HashableRanges(kinds []Kind, mode ExclusionMode) []ByteRange {
	var out []ByteRange
	var cursor uint64
	for _, z := range s.ExclusionRanges(kinds, mode) {
		if z.Offset > cursor {
			out = append(out, ByteRange{Offset: cursor, Size: z.Offset - cursor})
		}
		if end, _ := z.End(); end > cursor {
			cursor = end
		}
	}
	if cursor < s.TotalSize {
		out = append(out, ByteRange{Offset: cursor, Size: s.TotalSize - cursor})
	}
	return out
}

func mergeRanges(in []ByteRange) []ByteRange {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		return in[i].Offset < in[j].Offset
	})
	out := []ByteRange{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		lastEnd, _ := last.End()
		if r.Offset <= lastEnd {
			if end, _ := r.End(); end > lastEnd {
				last.Size = end - last.Offset
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// CopyRange streams a source range into dst using a single chunk-sized buffer.
func CopyRange(dst io.Writer, src io.ReadSeeker, r ByteRange, chunk int) error {
	if r.Size == 0 {
		return nil
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if _, err := src.Seek(int64(r.Offset), io.SeekStart); err != nil {
		return errors.IO(err)
	}
	if uint64(chunk) > r.Size {
		chunk = int(r.Size)
	}
	buf := make([]byte, chunk)
	n, err := io.CopyBuffer(dst, io.LimitReader(src, int64(r.Size)), buf)
	if err != nil {
		return errors.IO(err)
	}
	if uint64(n) != r.Size {
		return errors.IO(fmt.Errorf("short copy of %s: %d bytes: %w", r, n, io.ErrUnexpectedEOF))
	}
	return nil
}
