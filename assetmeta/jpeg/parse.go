package jpeg

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/exif"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// Parse walks the marker stream and records where every marker lives.
// Payloads are never loaded; the entropy-coded scan is located by searching
// for EOI.
func (h *Handler) Parse(r io.ReadSeeker) (*segment.Structure, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.IO(err)
	}
	fileSize := uint64(size)

	var soi [2]byte
	if err := readAt(r, 0, soi[:]); err != nil {
		return nil, errors.InvalidFormat("not a JPEG file: %v", err)
	}
	if soi[0] != 0xFF || Marker(soi[1]) != SOI {
		return nil, errors.InvalidFormat("not a JPEG file: missing SOI")
	}

	s := segment.NewStructure(segment.ContainerJPEG, segment.MediaJPEG)
	s.Add(otherSegment("SOI", 0, 2))

	p := &parser{r: r, s: s, size: fileSize}
	offset := uint64(2)
	for {
		next, done, err := p.marker(offset)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		offset = next
	}

	sortExtendedParts(s)
	logger.Debug("jpeg: parsed %d segments, %d bytes", len(s.Segments), s.TotalSize)
	return s, nil
}

type parser struct {
	r    io.ReadSeeker
	s    *segment.Structure
	size uint64
}

func otherSegment(label string, offset, size uint64) *segment.Segment {
	return wholeSegment(segment.KindOther, label, offset, size)
}

// wholeSegment is a segment whose payload is its entire frame.
func wholeSegment(kind segment.Kind, label string, offset, size uint64) *segment.Segment {
	br := segment.ByteRange{Offset: offset, Size: size}
	return segment.New(kind, label, br, br)
}

// marker parses the marker at offset and returns the offset of the next one.
func (p *parser) marker(offset uint64) (uint64, bool, error) {
	var head [2]byte
	if offset+2 > p.size {
		return 0, false, errors.InvalidFormat("missing EOI marker")
	}
	if err := readAt(p.r, offset, head[:]); err != nil {
		return 0, false, errors.IO(err)
	}
	if head[0] != 0xFF {
		return 0, false, errors.InvalidFormat("expected 0xFF at offset %d, got 0x%02X", offset, head[0])
	}

	m := Marker(head[1])
	if m == 0xFF {
		// fill byte
		return offset + 1, false, nil
	}

	switch {
	case m == EOI:
		p.s.Add(otherSegment(m.Name(), offset, 2))
		p.s.TotalSize = offset + 2
		return 0, true, nil
	case m.standalone():
		p.s.Add(otherSegment(m.Name(), offset, 2))
		return offset + 2, false, nil
	}

	var lenBuf [2]byte
	if offset+4 > p.size {
		return 0, false, errors.InvalidFormat("%s at offset %d truncated", m.Name(), offset)
	}
	if err := readAt(p.r, offset+2, lenBuf[:]); err != nil {
		return 0, false, errors.IO(err)
	}
	length := uint64(binary.BigEndian.Uint16(lenBuf[:]))
	if length < 2 {
		return 0, false, errors.InvalidFormat("%s at offset %d has length %d", m.Name(), offset, length)
	}
	end := offset + 2 + length
	if end > p.size {
		return 0, false, errors.InvalidFormat("%s at offset %d runs past end of file", m.Name(), offset)
	}
	frame := segment.ByteRange{Offset: offset, Size: 2 + length}
	dataOffset := offset + 4
	dataSize := length - 2

	switch m {
	case SOS:
		eoi, err := findEOI(p.r, end)
		if err != nil {
			return 0, false, err
		}
		p.s.Add(wholeSegment(segment.KindImageData, "SOS", offset, eoi-offset))
		p.s.Add(otherSegment(EOI.Name(), eoi, 2))
		p.s.TotalSize = eoi + 2
		return 0, true, nil
	case APP1:
		if err := p.app1(frame, dataOffset, dataSize); err != nil {
			return 0, false, err
		}
	case APP11:
		if err := p.app11(frame, dataOffset, dataSize); err != nil {
			return 0, false, err
		}
	default:
		p.s.Add(otherSegment(m.Name(), offset, frame.Size))
	}
	return end, false, nil
}

func (p *parser) app1(frame segment.ByteRange, dataOffset, dataSize uint64) error {
	head := make([]byte, min(dataSize, uint64(extendedHeaderSize)))
	if err := readAt(p.r, dataOffset, head); err != nil {
		return errors.IO(err)
	}

	switch {
	case bytes.HasPrefix(head, []byte(xmpSignature)):
		sig := uint64(len(xmpSignature))
		p.s.Add(segment.New(segment.KindXMP, "APP1", frame,
			segment.ByteRange{Offset: dataOffset + sig, Size: dataSize - sig}))
		return nil

	case bytes.HasPrefix(head, []byte(xmpExtendedSignature)) && len(head) == extendedHeaderSize:
		main, ok := p.s.XMP()
		if !ok {
			logger.Debug("jpeg: extended XMP at offset %d without a main packet", frame.Offset)
			p.s.Add(otherSegment("APP1", frame.Offset, frame.Size))
			return nil
		}
		sig := len(xmpExtendedSignature)
		part := segment.XMPPart{
			GUID:      string(head[sig : sig+32]),
			TotalSize: binary.BigEndian.Uint32(head[sig+32 : sig+36]),
			Offset:    binary.BigEndian.Uint32(head[sig+36 : sig+40]),
		}
		if main.Extended == nil {
			main.Extended = &segment.ExtendedXMP{GUID: part.GUID}
		}
		main.Extended.Parts = append(main.Extended.Parts, part)
		main.Frames = append(main.Frames, frame)
		main.Ranges = append(main.Ranges, segment.ByteRange{
			Offset: dataOffset + uint64(extendedHeaderSize),
			Size:   dataSize - uint64(extendedHeaderSize),
		})
		logger.Debug("jpeg: extended XMP part guid=%s offset=%d total=%d", part.GUID, part.Offset, part.TotalSize)
		return nil

	case bytes.HasPrefix(head, []byte(exifSignature)):
		sig := uint64(len(exifSignature))
		tiff := segment.ByteRange{Offset: dataOffset + sig, Size: dataSize - sig}
		seg := segment.New(segment.KindExif, "APP1", frame, tiff)
		th, err := exif.Locate(p.r, tiff)
		if err != nil {
			return err
		}
		seg.Thumbnail = th
		p.s.Add(seg)
		return nil
	}

	p.s.Add(otherSegment("APP1", frame.Offset, frame.Size))
	return nil
}

func (p *parser) app11(frame segment.ByteRange, dataOffset, dataSize uint64) error {
	head := make([]byte, min(dataSize, 32))
	if err := readAt(p.r, dataOffset, head); err != nil {
		return errors.IO(err)
	}

	jpegXT := len(head) >= xtHeaderSize && string(head[0:2]) == xtCommonIdentifier
	xtManifest := jpegXT &&
		((len(head) >= 16 && string(head[12:16]) == "jumb") || (len(head) >= 32 && string(head[28:32]) == "c2pa"))
	rawManifest := (len(head) >= 8 && string(head[4:8]) == "jumb") || (len(head) >= 24 && string(head[20:24]) == "c2pa")

	if !xtManifest && !rawManifest {
		p.s.Add(otherSegment("APP11", frame.Offset, frame.Size))
		return nil
	}

	payload := segment.ByteRange{Offset: dataOffset, Size: dataSize}
	seq := uint32(1)
	if xtManifest {
		seq = binary.BigEndian.Uint32(head[4:8])
		overhead := uint64(xtHeaderSize)
		if seq > 1 {
			overhead += boxHeaderRepeat
		}
		if dataSize < overhead {
			return errors.InvalidFormat("APP11 at offset %d shorter than its JPEG XT header", frame.Offset)
		}
		payload = segment.ByteRange{Offset: dataOffset + overhead, Size: dataSize - overhead}
	}

	if seq > 1 && len(p.s.Segments) > 0 {
		last := p.s.Segments[len(p.s.Segments)-1]
		if last.Kind == segment.KindJUMBF {
			last.Frames = append(last.Frames, frame)
			last.Ranges = append(last.Ranges, payload)
			return nil
		}
	}

	p.s.Add(segment.New(segment.KindJUMBF, "APP11", frame, payload))
	return nil
}

// sortExtendedParts orders extended XMP parts (with their ranges and frames)
// by declared offset. The main packet stays first.
func sortExtendedParts(s *segment.Structure) {
	for _, seg := range s.Segments {
		if seg.Extended == nil || len(seg.Extended.Parts) != len(seg.Ranges)-1 {
			continue
		}
		n := len(seg.Extended.Parts)
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool {
			return seg.Extended.Parts[order[i]].Offset < seg.Extended.Parts[order[j]].Offset
		})

		parts := make([]segment.XMPPart, n)
		ranges := make([]segment.ByteRange, 0, n+1)
		frames := make([]segment.ByteRange, 0, n+1)
		ranges = append(ranges, seg.Ranges[0])
		frames = append(frames, seg.Frames[0])
		for i, idx := range order {
			parts[i] = seg.Extended.Parts[idx]
			ranges = append(ranges, seg.Ranges[idx+1])
			frames = append(frames, seg.Frames[idx+1])
		}
		seg.Extended.Parts = parts
		seg.Ranges = ranges
		seg.Frames = frames
	}
}

// findEOI scans entropy-coded data from start for an EOI marker. Stuffed
// FF00 pairs, FF padding and RST markers are skipped.
func findEOI(r io.ReadSeeker, start uint64) (uint64, error) {
	if _, err := r.Seek(int64(start), io.SeekStart); err != nil {
		return 0, errors.IO(err)
	}
	br := bufio.NewReaderSize(r, 8192)

	pos := start
	prevFF := false
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return 0, errors.InvalidFormat("EOI marker not found")
		}
		if err != nil {
			return 0, errors.IO(err)
		}
		if prevFF && Marker(b) == EOI {
			return pos - 1, nil
		}
		prevFF = b == 0xFF
		pos++
	}
}

func readAt(r io.ReadSeeker, offset uint64, buf []byte) error {
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(r, buf)
	return err
}
