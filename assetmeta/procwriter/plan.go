package procwriter

import (
	"fmt"
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// PayloadFunc produces the logical payload a group of pieces slices from.
type PayloadFunc func() ([]byte, error)

// Piece is one unit of output. It is either a verbatim copy of a source
// segment's frames, or a framed emission: Prefix, the first Repeat bytes of
// the payload, payload[Offset:Offset+Size], then a trailer of TrailerSize
// bytes computed from the prefix and the data.
type Piece struct {
	Kind  segment.Kind
	Label string

	// Group joins consecutive framed pieces into one destination segment.
	// Zero means the piece stands alone.
	Group int

	Copy *segment.Segment

	Prefix      []byte
	Repeat      uint64
	Offset      uint64
	Size        uint64
	Payload     PayloadFunc
	TrailerSize uint64
	Trailer     func(prefix, data []byte) []byte

	// Part is the extended XMP descriptor carried by this piece.
	Part *segment.XMPPart
}

// FrameSize is the number of bytes the piece emits.
func (p *Piece) FrameSize() uint64 {
	if p.Copy != nil {
		var total uint64
		for _, f := range copyFrames(p.Copy) {
			total += f.Size
		}
		return total
	}
	return uint64(len(p.Prefix)) + p.Repeat + p.Size + p.TrailerSize
}

func copyFrames(seg *segment.Segment) []segment.ByteRange {
	if len(seg.Frames) > 0 {
		return seg.Frames
	}
	return seg.Ranges
}

// Memoize returns a PayloadFunc that runs fn once and replays its result.
func Memoize(fn PayloadFunc) PayloadFunc {
	var (
		done bool
		data []byte
		err  error
	)
	return func() ([]byte, error) {
		if !done {
			data, err = fn()
			done = true
		}
		return data, err
	}
}

// Static wraps an in-memory payload.
func Static(data []byte) PayloadFunc {
	return func() ([]byte, error) { return data, nil }
}

// Plan is the ordered output of a write. The same plan yields the destination
// structure and drives emission, so the two cannot disagree.
type Plan []*Piece

// Destination computes the structure the plan will produce.
func (p Plan) Destination(c segment.Container, mt segment.MediaType) *segment.Structure {
	s := segment.NewStructure(c, mt)
	groups := make(map[int]*segment.Segment)
	var cursor uint64

	for _, pc := range p {
		if pc.Copy != nil {
			s.Add(shifted(pc.Copy, cursor))
			cursor += pc.FrameSize()
			continue
		}

		frame := segment.ByteRange{Offset: cursor, Size: pc.FrameSize()}
		rng := segment.ByteRange{Offset: cursor + uint64(len(pc.Prefix)) + pc.Repeat, Size: pc.Size}

		seg := groups[pc.Group]
		if pc.Group == 0 || seg == nil {
			seg = &segment.Segment{Kind: pc.Kind, Label: pc.Label, Checksum: pc.TrailerSize}
			s.Add(seg)
			if pc.Group != 0 {
				groups[pc.Group] = seg
			}
		}
		seg.Frames = append(seg.Frames, frame)
		seg.Ranges = append(seg.Ranges, rng)
		if pc.Part != nil {
			if seg.Extended == nil {
				seg.Extended = &segment.ExtendedXMP{GUID: pc.Part.GUID}
			}
			seg.Extended.Parts = append(seg.Extended.Parts, *pc.Part)
		}
		cursor += frame.Size
	}

	s.TotalSize = cursor
	return s
}

// shifted relocates a copied segment so its frames start at pos, laid out
// back to back in frame order.
func shifted(src *segment.Segment, pos uint64) *segment.Segment {
	out := &segment.Segment{
		Kind:       src.Kind,
		Label:      src.Label,
		Checksum:   src.Checksum,
		Compressed: src.Compressed,
		Extended:   src.Extended,
	}
	for _, f := range copyFrames(src) {
		out.Frames = append(out.Frames, segment.ByteRange{Offset: pos, Size: f.Size})
		for _, r := range src.Ranges {
			if f.Contains(r) {
				out.Ranges = append(out.Ranges, segment.ByteRange{Offset: pos + (r.Offset - f.Offset), Size: r.Size})
			}
		}
		if th := src.Thumbnail; th != nil && f.Contains(th.Range) {
			moved := *th
			moved.Range.Offset = pos + (th.Range.Offset - f.Offset)
			out.Thumbnail = &moved
		}
		pos += f.Size
	}
	return out
}

// Emit writes every piece through w, toggling exclusion per proc, and checks
// that exactly want bytes were produced.
func (p Plan) Emit(w *Writer, r io.ReadSeeker, proc segment.Processing, want uint64) error {
	start := w.Written()
	chunk := proc.Chunk()

	for _, pc := range p {
		excluded := proc.Excludes(pc.Kind)
		if pc.Copy != nil {
			if err := CopyFrames(w, r, pc.Copy, excluded, proc.Mode, chunk); err != nil {
				return err
			}
			continue
		}
		if err := emitFramed(w, pc, excluded, proc.Mode); err != nil {
			return err
		}
	}

	if got := uint64(w.Written() - start); got != want {
		return errors.IO(fmt.Errorf("wrote %d bytes, planned %d", got, want))
	}
	return nil
}

func emitFramed(w *Writer, pc *Piece, excluded bool, mode segment.ExclusionMode) error {
	var data []byte
	if pc.Payload != nil {
		payload, err := pc.Payload()
		if err != nil {
			return err
		}
		end := pc.Offset + pc.Size
		if end < pc.Offset || uint64(len(payload)) < end || uint64(len(payload)) < pc.Repeat {
			return errors.InvalidFormat("%s payload is %d bytes, planned %d", pc.Label, len(payload), end)
		}
		data = payload[pc.Offset:end]
		if pc.Repeat > 0 {
			prefix := make([]byte, 0, len(pc.Prefix)+int(pc.Repeat))
			prefix = append(prefix, pc.Prefix...)
			prefix = append(prefix, payload[:pc.Repeat]...)
			if err := w.Emit(prefix, excluded && mode == segment.ExcludeFull); err != nil {
				return err
			}
		} else if err := w.Emit(pc.Prefix, excluded && mode == segment.ExcludeFull); err != nil {
			return err
		}
	} else {
		if pc.Size != 0 || pc.Repeat != 0 {
			return errors.InvalidFormat("%s has no payload source", pc.Label)
		}
		if err := w.Emit(pc.Prefix, excluded && mode == segment.ExcludeFull); err != nil {
			return err
		}
	}

	if err := w.Emit(data, excluded); err != nil {
		return err
	}

	if pc.TrailerSize > 0 {
		trailer := pc.Trailer(pc.Prefix, data)
		if uint64(len(trailer)) != pc.TrailerSize {
			return errors.InvalidFormat("%s trailer is %d bytes, planned %d", pc.Label, len(trailer), pc.TrailerSize)
		}
		if err := w.Emit(trailer, excluded); err != nil {
			return err
		}
	}
	return nil
}
