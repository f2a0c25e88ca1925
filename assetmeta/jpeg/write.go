package jpeg

import (
	"encoding/binary"
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/procwriter"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// CalculateDestination returns the structure Write would produce for u,
// without reading the source.
func (h *Handler) CalculateDestination(s *segment.Structure, u segment.Updates) (*segment.Structure, error) {
	plan, err := h.plan(s, nil, u)
	if err != nil {
		return nil, err
	}
	return plan.Destination(segment.ContainerJPEG, segment.MediaJPEG), nil
}

// Write copies the source to w applying u and returns the destination structure.
func (h *Handler) Write(s *segment.Structure, r io.ReadSeeker, w io.Writer, u segment.Updates) (*segment.Structure, error) {
	return h.WriteWithProcessor(s, r, w, u, nil)
}

// WriteWithProcessor writes like Write and feeds every byte outside the
// excluded kinds to fn in the same pass.
func (h *Handler) WriteWithProcessor(s *segment.Structure, r io.ReadSeeker, w io.Writer, u segment.Updates, fn procwriter.ProcessFunc) (*segment.Structure, error) {
	if !h.SupportsHashMode(u.Processing.HashMode, true) {
		return nil, errors.ErrHashModeUnsupported.WithDetail("mode", u.Processing.HashMode.String())
	}
	plan, err := h.plan(s, r, u)
	if err != nil {
		return nil, err
	}
	dest := plan.Destination(segment.ContainerJPEG, segment.MediaJPEG)

	pw := procwriter.New(w, fn)
	if err := plan.Emit(pw, r, u.Processing, dest.TotalSize); err != nil {
		return nil, err
	}
	logger.Debug("jpeg: wrote %d bytes in %d segments", dest.TotalSize, len(dest.Segments))
	return dest, nil
}

// planner builds the output plan. r is nil when only sizes are needed.
type planner struct {
	s     *segment.Structure
	r     io.ReadSeeker
	plan  procwriter.Plan
	group int
}

func (p *planner) nextGroup() int {
	p.group++
	return p.group
}

func (h *Handler) plan(s *segment.Structure, r io.ReadSeeker, u segment.Updates) (procwriter.Plan, error) {
	if u.JUMBF.Action == segment.ActionSet && len(u.JUMBF.Data) == 0 {
		return nil, errors.InvalidFormat("empty manifest")
	}
	for _, up := range []segment.Update{u.XMP, u.JUMBF} {
		if up.Action == segment.ActionSet && uint64(len(up.Data)) > segment.MaxSegmentSize {
			return nil, errors.SizeLimit(uint64(len(up.Data)), segment.MaxSegmentSize)
		}
	}

	p := &planner{s: s, r: r}
	newXMP := u.XMP.Action == segment.ActionSet && !s.Has(segment.KindXMP)
	newJUMBF := u.JUMBF.Action == segment.ActionSet && !s.Has(segment.KindJUMBF)
	insertAt := insertionIndex(s)

	var xmpSet, jumbfSet bool
	for i, seg := range s.Segments {
		if i == insertAt {
			if newXMP {
				p.xmp(u.XMP.Data)
			}
			if newJUMBF {
				p.manifest(procwriter.Static(u.JUMBF.Data), uint64(len(u.JUMBF.Data)))
			}
		}

		switch seg.Kind {
		case segment.KindXMP:
			switch u.XMP.Action {
			case segment.ActionSet:
				if !xmpSet {
					p.xmp(u.XMP.Data)
					xmpSet = true
				}
			case segment.ActionKeep:
				if err := p.keepXMP(seg); err != nil {
					return nil, err
				}
			}
		case segment.KindJUMBF:
			switch u.JUMBF.Action {
			case segment.ActionSet:
				if !jumbfSet {
					p.manifest(procwriter.Static(u.JUMBF.Data), uint64(len(u.JUMBF.Data)))
					jumbfSet = true
				}
			case segment.ActionKeep:
				if err := p.keepManifest(seg); err != nil {
					return nil, err
				}
			}
		default:
			p.plan = append(p.plan, &procwriter.Piece{Kind: seg.Kind, Label: seg.Label, Copy: seg})
		}
	}
	if insertAt == len(s.Segments) {
		if newXMP {
			p.xmp(u.XMP.Data)
		}
		if newJUMBF {
			p.manifest(procwriter.Static(u.JUMBF.Data), uint64(len(u.JUMBF.Data)))
		}
	}
	return p.plan, nil
}

// insertionIndex is where absent metadata goes: before the first frame-setup
// marker, else before the image data, else before EOI.
func insertionIndex(s *segment.Structure) int {
	fallback := len(s.Segments)
	for i, seg := range s.Segments {
		if setupLabel(seg.Label) {
			return i
		}
		if fallback == len(s.Segments) && (seg.Kind == segment.KindImageData || seg.Label == "EOI") {
			fallback = i
		}
	}
	return fallback
}

func markerPrefix(m Marker, payloadLen int, extra ...[]byte) []byte {
	n := 4
	for _, e := range extra {
		n += len(e)
	}
	buf := make([]byte, 4, n)
	buf[0] = 0xFF
	buf[1] = byte(m)
	binary.BigEndian.PutUint16(buf[2:4], uint16(n-2+payloadLen))
	for _, e := range extra {
		buf = append(buf, e...)
	}
	return buf
}

// xmp plans a new XMP packet: one marker when it fits, otherwise a stub main
// packet pointing at extended markers that carry the full packet.
func (p *planner) xmp(packet []byte) {
	group := p.nextGroup()
	if len(packet) <= mainXMPCapacity {
		p.plan = append(p.plan, &procwriter.Piece{
			Kind:    segment.KindXMP,
			Label:   "APP1",
			Group:   group,
			Prefix:  markerPrefix(APP1, len(packet), []byte(xmpSignature)),
			Size:    uint64(len(packet)),
			Payload: procwriter.Static(packet),
		})
		return
	}

	guid := GUIDFor(packet)
	stub := stubPacket(guid)
	p.plan = append(p.plan, &procwriter.Piece{
		Kind:    segment.KindXMP,
		Label:   "APP1",
		Group:   group,
		Prefix:  markerPrefix(APP1, len(stub), []byte(xmpSignature)),
		Size:    uint64(len(stub)),
		Payload: procwriter.Static(stub),
	})
	p.extended(group, guid, procwriter.Static(packet), uint64(len(packet)))
}

func (p *planner) extended(group int, guid string, payload procwriter.PayloadFunc, total uint64) {
	for _, c := range splitExtended(total) {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(total))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(c.offset))
		p.plan = append(p.plan, &procwriter.Piece{
			Kind:    segment.KindXMP,
			Label:   "APP1",
			Group:   group,
			Prefix:  markerPrefix(APP1, int(c.size), []byte(xmpExtendedSignature), []byte(guid), hdr[:]),
			Offset:  c.offset,
			Size:    c.size,
			Payload: payload,
			Part:    &segment.XMPPart{GUID: guid, TotalSize: uint32(total), Offset: uint32(c.offset)},
		})
	}
}

// keepXMP re-emits an existing packet: the main packet verbatim and the
// extended packet re-chunked under its original GUID.
func (p *planner) keepXMP(seg *segment.Segment) error {
	group := p.nextGroup()
	main := seg.Ranges[0]
	s, r := p.s, p.r
	p.plan = append(p.plan, &procwriter.Piece{
		Kind:   segment.KindXMP,
		Label:  seg.Label,
		Group:  group,
		Prefix: markerPrefix(APP1, int(main.Size), []byte(xmpSignature)),
		Size:   main.Size,
		Payload: procwriter.Memoize(func() ([]byte, error) {
			return mainPacket(s, seg, r)
		}),
	})

	if seg.Extended == nil || len(seg.Extended.Parts) == 0 {
		return nil
	}
	guid := seg.Extended.Parts[0].GUID
	if len(guid) != 32 {
		return errors.InvalidFormat("extended XMP GUID %q is not 32 characters", guid)
	}
	total := uint64(seg.Extended.TotalSize())
	if total > segment.MaxSegmentSize {
		return errors.SizeLimit(total, segment.MaxSegmentSize)
	}
	p.extended(group, guid, procwriter.Memoize(func() ([]byte, error) {
		return assembleExtended(s, seg, r)
	}), total)
	return nil
}

// manifest plans a JPEG XT wrapped manifest. The first marker carries
// FirstManifestCapacity bytes; each continuation repeats the manifest's
// LBox/TBox and carries ContinuationManifestCapacity bytes.
func (p *planner) manifest(payload procwriter.PayloadFunc, size uint64) {
	group := p.nextGroup()
	var off uint64
	for seq := uint32(1); off < size || seq == 1; seq++ {
		capacity := uint64(FirstManifestCapacity)
		var repeat uint64
		if seq > 1 {
			capacity = ContinuationManifestCapacity
			repeat = boxHeaderRepeat
		}
		n := min(capacity, size-off)

		var xt [xtHeaderSize]byte
		copy(xt[0:2], xtCommonIdentifier)
		binary.BigEndian.PutUint16(xt[2:4], xtBoxInstance)
		binary.BigEndian.PutUint32(xt[4:8], seq)

		p.plan = append(p.plan, &procwriter.Piece{
			Kind:    segment.KindJUMBF,
			Label:   "APP11",
			Group:   group,
			Prefix:  markerPrefix(APP11, int(repeat+n), xt[:]),
			Repeat:  repeat,
			Offset:  off,
			Size:    n,
			Payload: payload,
		})
		off += n
	}
}

func (p *planner) keepManifest(seg *segment.Segment) error {
	size, ok := segment.TotalSize(seg.Ranges)
	if !ok || size > segment.MaxSegmentSize {
		return errors.SizeLimit(size, segment.MaxSegmentSize)
	}
	s, r := p.s, p.r
	p.manifest(procwriter.Memoize(func() ([]byte, error) {
		return s.Load(seg, r)
	}), size)
	return nil
}
