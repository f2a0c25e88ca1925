package bmff

import (
	"encoding/binary"
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/procwriter"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// CalculateDestination returns the structure Write would produce for u.
// Box sizes never change, so no source bytes are needed.
func (h *Handler) CalculateDestination(s *segment.Structure, u segment.Updates) (*segment.Structure, error) {
	plan, err := h.plan(s, u)
	if err != nil {
		return nil, err
	}
	return plan.Destination(segment.ContainerBMFF, s.MediaType), nil
}

// Write copies the source to w applying u and returns the destination structure.
func (h *Handler) Write(s *segment.Structure, r io.ReadSeeker, w io.Writer, u segment.Updates) (*segment.Structure, error) {
	return h.WriteWithProcessor(s, r, w, u, nil)
}

// WriteWithProcessor writes ftyp, the XMP box, the manifest boxes and then
// every other top-level box, feeding non-excluded bytes to fn. When boxes
// move, absolute media offsets in moov and meta are rebased.
func (h *Handler) WriteWithProcessor(s *segment.Structure, r io.ReadSeeker, w io.Writer, u segment.Updates, fn procwriter.ProcessFunc) (*segment.Structure, error) {
	if !h.SupportsHashMode(u.Processing.HashMode, true) {
		return nil, errors.ErrHashModeUnsupported.
			WithDetail("mode", u.Processing.HashMode.String()).
			WithMessage("box offset hashing needs final offsets; hash the finished file with HashBoxOffsets")
	}
	plan, err := h.plan(s, u)
	if err != nil {
		return nil, err
	}
	dest := plan.Destination(segment.ContainerBMFF, s.MediaType)
	rebased := withRebasing(plan, r)

	if err := rebased.Emit(procwriter.New(w, fn), r, u.Processing, dest.TotalSize); err != nil {
		return nil, err
	}
	logger.Debug("bmff: wrote %d bytes in %d top-level boxes", dest.TotalSize, len(dest.Segments))
	return dest, nil
}

func (h *Handler) plan(s *segment.Structure, u segment.Updates) (procwriter.Plan, error) {
	if len(s.Segments) == 0 || s.Segments[0].Label != "ftyp" {
		return nil, errors.InvalidFormat("structure does not start with ftyp")
	}
	if u.JUMBF.Action == segment.ActionSet && len(u.JUMBF.Data) == 0 {
		return nil, errors.InvalidFormat("empty manifest")
	}
	for _, up := range []segment.Update{u.XMP, u.JUMBF} {
		if up.Action == segment.ActionSet && uint64(len(up.Data)) > segment.MaxSegmentSize {
			return nil, errors.SizeLimit(uint64(len(up.Data)), segment.MaxSegmentSize)
		}
	}

	copyOf := func(seg *segment.Segment) *procwriter.Piece {
		return &procwriter.Piece{Kind: seg.Kind, Label: seg.Label, Copy: seg}
	}
	plan := procwriter.Plan{copyOf(s.Segments[0])}

	switch u.XMP.Action {
	case segment.ActionSet:
		plan = append(plan, uuidBox(segment.KindXMP, XMPBoxID[:], nil, u.XMP.Data))
	case segment.ActionKeep:
		if seg, ok := s.XMP(); ok {
			plan = append(plan, copyOf(seg))
		}
	}

	switch u.JUMBF.Action {
	case segment.ActionSet:
		plan = append(plan, uuidBox(segment.KindJUMBF, C2PABoxID[:], manifestHeader(ManifestPurpose), u.JUMBF.Data))
	case segment.ActionKeep:
		for _, idx := range s.JUMBFIndices() {
			plan = append(plan, copyOf(s.Segments[idx]))
		}
	}

	for _, seg := range s.Segments[1:] {
		if seg.Kind == segment.KindXMP || seg.Kind == segment.KindJUMBF {
			continue
		}
		plan = append(plan, copyOf(seg))
	}
	return plan, nil
}

// uuidBox plans a new uuid box: header, extended type, body header, payload.
func uuidBox(kind segment.Kind, id, body, payload []byte) *procwriter.Piece {
	size := headerSize + uuidSize + len(body) + len(payload)
	prefix := make([]byte, headerSize, headerSize+uuidSize+len(body))
	binary.BigEndian.PutUint32(prefix[0:4], uint32(size))
	copy(prefix[4:8], "uuid")
	prefix = append(prefix, id...)
	prefix = append(prefix, body...)

	return &procwriter.Piece{
		Kind:    kind,
		Label:   "uuid",
		Prefix:  prefix,
		Size:    uint64(len(payload)),
		Payload: procwriter.Static(payload),
	}
}

// HashBoxOffsets feeds fn the 8-byte big-endian offset of every top-level
// box whose kind is not excluded. It runs over a finished file's structure.
func HashBoxOffsets(s *segment.Structure, exclude []segment.Kind, fn procwriter.ProcessFunc) error {
	if s.Container != segment.ContainerBMFF {
		return errors.ErrHashModeUnsupported.WithDetail("container", s.Container.String())
	}
	var buf [8]byte
	for _, seg := range s.Segments {
		if excluded(exclude, seg.Kind) || len(seg.Frames) == 0 {
			continue
		}
		binary.BigEndian.PutUint64(buf[:], seg.Frames[0].Offset)
		fn(buf[:])
	}
	return nil
}

func excluded(kinds []segment.Kind, k segment.Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
