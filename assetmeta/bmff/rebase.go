package bmff

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/procwriter"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// relocation maps a source file offset to its place in the output.
type relocation func(offset uint64) (uint64, bool)

type move struct {
	src segment.ByteRange
	dst uint64
}

// rebased lists the top-level boxes whose descendants can hold absolute
// file offsets.
var rebased = map[string]bool{"moov": true, "meta": true, "moof": true, "mfra": true}

// withRebasing returns plan with every copied moov, meta, moof and mfra box
// replaced by a rewritten copy whose stco, co64, iloc, tfhd and tfra entries
// point at the moved data. Plans that move nothing are returned as they are.
func withRebasing(plan procwriter.Plan, r io.ReadSeeker) procwriter.Plan {
	var (
		moves  []move
		cursor uint64
		moved  bool
	)
	for _, pc := range plan {
		if pc.Copy != nil && len(pc.Copy.Frames) > 0 {
			src := pc.Copy.Frames[0]
			moves = append(moves, move{src: src, dst: cursor})
			moved = moved || src.Offset != cursor
		}
		cursor += pc.FrameSize()
	}
	if !moved {
		return plan
	}

	relocate := func(offset uint64) (uint64, bool) {
		for _, m := range moves {
			if offset >= m.src.Offset && offset-m.src.Offset < m.src.Size {
				return m.dst + (offset - m.src.Offset), true
			}
		}
		return offset, false
	}

	out := make(procwriter.Plan, len(plan))
	copy(out, plan)
	for i, pc := range out {
		if pc.Copy == nil || !rebased[pc.Label] {
			continue
		}
		frame := pc.Copy.Frames[0]
		out[i] = &procwriter.Piece{
			Kind:  pc.Kind,
			Label: pc.Label,
			Size:  frame.Size,
			Payload: procwriter.Memoize(func() ([]byte, error) {
				return rebaseBox(r, frame, relocate)
			}),
		}
	}
	return out
}

// rebaseBox loads a top-level box and rewrites the absolute offsets of its
// chunk offset and item location tables.
func rebaseBox(r io.ReadSeeker, frame segment.ByteRange, relocate relocation) ([]byte, error) {
	if frame.Size > segment.MaxSegmentSize {
		return nil, errors.SizeLimit(frame.Size, segment.MaxSegmentSize)
	}
	buf := make([]byte, frame.Size)
	if err := readAt(r, frame.Offset, buf); err != nil {
		return nil, errors.IO(err)
	}

	tree, err := ReadTree(bytes.NewReader(buf), 0, uint64(len(buf)))
	if err != nil {
		return nil, err
	}
	for i := range tree.Boxes {
		b := &tree.Boxes[i]
		body := buf[b.PayloadOffset():b.End()]
		switch b.Type {
		case "stco":
			err = rebaseChunkOffsets(body, 4, relocate)
		case "co64":
			err = rebaseChunkOffsets(body, 8, relocate)
		case "iloc":
			err = rebaseItemLocations(body, relocate)
		case "tfhd":
			err = rebaseTrackFragmentHeader(body, relocate)
		case "tfra":
			err = rebaseRandomAccess(body, relocate)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Debug("bmff: rebased %s of box at offset %d", tree.Path(i), frame.Offset)
	}
	return buf, nil
}

// rebaseChunkOffsets rewrites a stco (width 4) or co64 (width 8) body.
func rebaseChunkOffsets(body []byte, width int, relocate relocation) error {
	if len(body) < 8 {
		return errors.InvalidFormat("chunk offset box too small")
	}
	count := uint64(binary.BigEndian.Uint32(body[4:8]))
	if count > uint64(len(body)-8)/uint64(width) {
		return errors.InvalidFormat("chunk offset box declares %d entries in %d bytes", count, len(body)-8)
	}
	for i := uint64(0); i < count; i++ {
		field := body[8+i*uint64(width):]
		if err := relocateField(field, width, relocate); err != nil {
			return err
		}
	}
	return nil
}

// rebaseItemLocations rewrites an iloc body. Only items stored in this file
// (construction method 0, data reference 0) carry absolute offsets. When a
// base offset is present it is shifted and the extents follow it.
func rebaseItemLocations(body []byte, relocate relocation) error {
	c := &fieldReader{buf: body}
	version, err := c.next(1)
	if err != nil {
		return err
	}
	c.pos = fullBoxSize

	sizes, err := c.next(1)
	if err != nil {
		return err
	}
	more, err := c.next(1)
	if err != nil {
		return err
	}
	offsetSize, lengthSize := int(sizes>>4), int(sizes&0xF)
	baseOffsetSize, indexSize := int(more>>4), 0
	if version == 1 || version == 2 {
		indexSize = int(more & 0xF)
	}
	for _, n := range []int{offsetSize, lengthSize, baseOffsetSize, indexSize} {
		if n != 0 && n != 4 && n != 8 {
			return errors.InvalidFormat("iloc field size %d", n)
		}
	}

	idWidth := 2
	if version == 2 {
		idWidth = 4
	}
	items, err := c.next(idWidth)
	if err != nil {
		return err
	}

	for i := uint64(0); i < items; i++ {
		if _, err := c.next(idWidth); err != nil {
			return err
		}
		method := uint64(0)
		if version == 1 || version == 2 {
			v, err := c.next(2)
			if err != nil {
				return err
			}
			method = v & 0xF
		}
		dataRef, err := c.next(2)
		if err != nil {
			return err
		}
		basePos := c.pos
		base, err := c.next(baseOffsetSize)
		if err != nil {
			return err
		}
		extents, err := c.next(2)
		if err != nil {
			return err
		}

		var offsetPos []int
		for e := uint64(0); e < extents; e++ {
			if err := c.skip(indexSize); err != nil {
				return err
			}
			offsetPos = append(offsetPos, c.pos)
			if err := c.skip(offsetSize + lengthSize); err != nil {
				return err
			}
		}
		if method != 0 || dataRef != 0 {
			continue
		}

		if baseOffsetSize > 0 {
			ref := base
			if len(offsetPos) > 0 && offsetSize > 0 {
				ref += readUint(body[offsetPos[0]:], offsetSize)
			}
			to, ok := relocate(ref)
			if !ok {
				logger.Warn("bmff: iloc reference %d is outside every kept box", ref)
				continue
			}
			if err := putUint(body[basePos:], baseOffsetSize, base+(to-ref)); err != nil {
				return err
			}
			continue
		}
		for _, pos := range offsetPos {
			if offsetSize == 0 {
				break
			}
			if err := relocateField(body[pos:], offsetSize, relocate); err != nil {
				return err
			}
		}
	}
	return nil
}

// tfhdBaseDataOffset is the tfhd flag announcing an explicit base data offset.
const tfhdBaseDataOffset = 0x000001

// rebaseTrackFragmentHeader shifts the explicit base data offset of a tfhd.
// Without it, sample offsets are relative to the enclosing moof and move
// with it.
func rebaseTrackFragmentHeader(body []byte, relocate relocation) error {
	if len(body) < fullBoxSize+4 {
		return errors.InvalidFormat("tfhd too small")
	}
	flags := binary.BigEndian.Uint32(body[0:4]) & 0xFFFFFF
	if flags&tfhdBaseDataOffset == 0 {
		return nil
	}
	if len(body) < fullBoxSize+4+8 {
		return errors.InvalidFormat("tfhd truncated before base data offset")
	}
	return relocateField(body[fullBoxSize+4:], 8, relocate)
}

// rebaseRandomAccess rewrites the moof offsets listed in a tfra.
func rebaseRandomAccess(body []byte, relocate relocation) error {
	c := &fieldReader{buf: body}
	version, err := c.next(1)
	if err != nil {
		return err
	}
	c.pos = fullBoxSize
	if err := c.skip(4); err != nil {
		return err
	}
	sizes, err := c.next(4)
	if err != nil {
		return err
	}
	count, err := c.next(4)
	if err != nil {
		return err
	}

	width := 4
	if version == 1 {
		width = 8
	}
	rest := int(sizes>>4&3) + int(sizes>>2&3) + int(sizes&3) + 3
	for i := uint64(0); i < count; i++ {
		if err := c.skip(width); err != nil {
			return err
		}
		pos := c.pos
		if err := c.skip(width + rest); err != nil {
			return err
		}
		if err := relocateField(body[pos:], width, relocate); err != nil {
			return err
		}
	}
	return nil
}

func relocateField(field []byte, width int, relocate relocation) error {
	from := readUint(field, width)
	to, ok := relocate(from)
	if !ok {
		logger.Warn("bmff: media offset %d is outside every kept box", from)
		return nil
	}
	return putUint(field, width, to)
}

func readUint(b []byte, width int) uint64 {
	switch width {
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	case 8:
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func putUint(b []byte, width int, v uint64) error {
	switch width {
	case 4:
		if v > math.MaxUint32 {
			return errors.InvalidFormat("rebased offset %d no longer fits 32 bits", v)
		}
		binary.BigEndian.PutUint32(b, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(b, v)
	}
	return nil
}

// fieldReader reads big-endian fields with bounds checks.
type fieldReader struct {
	buf []byte
	pos int
}

func (c *fieldReader) next(width int) (uint64, error) {
	if width == 0 {
		return 0, nil
	}
	if c.pos+width > len(c.buf) {
		return 0, errors.InvalidFormat("box truncated at byte %d", c.pos)
	}
	var v uint64
	for _, b := range c.buf[c.pos : c.pos+width] {
		v = v<<8 | uint64(b)
	}
	c.pos += width
	return v, nil
}

func (c *fieldReader) skip(n int) error {
	if c.pos+n > len(c.buf) {
		return errors.InvalidFormat("box truncated at byte %d", c.pos)
	}
	c.pos += n
	return nil
}
