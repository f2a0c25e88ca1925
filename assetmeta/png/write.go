package png

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/procwriter"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// CalculateDestination returns the structure Write would produce for u.
func (h *Handler) CalculateDestination(s *segment.Structure, u segment.Updates) (*segment.Structure, error) {
	plan, err := h.plan(s, u)
	if err != nil {
		return nil, err
	}
	return plan.Destination(segment.ContainerPNG, segment.MediaPNG), nil
}

// Write copies the source to w applying u and returns the destination structure.
func (h *Handler) Write(s *segment.Structure, r io.ReadSeeker, w io.Writer, u segment.Updates) (*segment.Structure, error) {
	return h.WriteWithProcessor(s, r, w, u, nil)
}

// WriteWithProcessor writes like Write and feeds every byte outside the
// excluded kinds to fn. CRCs of new chunks are computed while streaming.
func (h *Handler) WriteWithProcessor(s *segment.Structure, r io.ReadSeeker, w io.Writer, u segment.Updates, fn procwriter.ProcessFunc) (*segment.Structure, error) {
	if !h.SupportsHashMode(u.Processing.HashMode, true) {
		return nil, errors.ErrHashModeUnsupported.WithDetail("mode", u.Processing.HashMode.String())
	}
	plan, err := h.plan(s, u)
	if err != nil {
		return nil, err
	}
	dest := plan.Destination(segment.ContainerPNG, segment.MediaPNG)

	if err := plan.Emit(procwriter.New(w, fn), r, u.Processing, dest.TotalSize); err != nil {
		return nil, err
	}
	logger.Debug("png: wrote %d bytes in %d chunks", dest.TotalSize, len(dest.Segments))
	return dest, nil
}

func (h *Handler) plan(s *segment.Structure, u segment.Updates) (procwriter.Plan, error) {
	if u.JUMBF.Action == segment.ActionSet && len(u.JUMBF.Data) == 0 {
		return nil, errors.InvalidFormat("empty manifest")
	}
	for _, up := range []segment.Update{u.XMP, u.JUMBF} {
		if up.Action == segment.ActionSet && uint64(len(up.Data)) > min(segment.MaxSegmentSize, uint64(maxChunkLength-textHeaderSize)) {
			return nil, errors.SizeLimit(uint64(len(up.Data)), segment.MaxSegmentSize)
		}
	}

	var plan procwriter.Plan
	newXMP := u.XMP.Action == segment.ActionSet && !s.Has(segment.KindXMP)
	newJUMBF := u.JUMBF.Action == segment.ActionSet && !s.Has(segment.KindJUMBF)

	var xmpSet, jumbfSet bool
	for _, seg := range s.Segments {
		if seg.Label == typeIEND {
			if newXMP {
				plan = append(plan, xmpChunk(u.XMP.Data))
			}
			if newJUMBF {
				plan = append(plan, chunk(segment.KindJUMBF, typeCaBX, nil, u.JUMBF.Data))
			}
		}

		update := u.For(seg.Kind)
		switch {
		case seg.Kind != segment.KindXMP && seg.Kind != segment.KindJUMBF,
			update.Action == segment.ActionKeep:
			plan = append(plan, &procwriter.Piece{Kind: seg.Kind, Label: seg.Label, Copy: seg})
		case update.Action == segment.ActionSet && seg.Kind == segment.KindXMP && !xmpSet:
			plan = append(plan, xmpChunk(update.Data))
			xmpSet = true
		case update.Action == segment.ActionSet && seg.Kind == segment.KindJUMBF && !jumbfSet:
			plan = append(plan, chunk(segment.KindJUMBF, typeCaBX, nil, update.Data))
			jumbfSet = true
		}
	}
	return plan, nil
}

// textHeaderSize is the iTXt header this package writes ahead of an XMP
// packet: keyword, NUL, uncompressed flag and method, empty language tag and
// empty translated keyword.
const textHeaderSize = len(xmpKeyword) + 1 + 2 + 1 + 1

func textHeader() []byte {
	hdr := make([]byte, 0, textHeaderSize)
	hdr = append(hdr, xmpKeyword...)
	return append(hdr, 0, 0, 0, 0, 0)
}

func xmpChunk(packet []byte) *procwriter.Piece {
	return chunk(segment.KindXMP, typeITXt, textHeader(), packet)
}

// chunk plans a new chunk whose data is header followed by payload. The
// payload is the segment's range and the CRC is its trailer.
func chunk(kind segment.Kind, typ string, header, payload []byte) *procwriter.Piece {
	prefix := make([]byte, chunkHeaderSize, chunkHeaderSize+len(header))
	binary.BigEndian.PutUint32(prefix[0:4], uint32(len(header)+len(payload)))
	copy(prefix[4:8], typ)
	prefix = append(prefix, header...)

	return &procwriter.Piece{
		Kind:        kind,
		Label:       typ,
		Prefix:      prefix,
		Size:        uint64(len(payload)),
		Payload:     procwriter.Static(payload),
		TrailerSize: crcSize,
		Trailer:     chunkCRC,
	}
}

// chunkCRC covers the chunk type and data, skipping the length field.
func chunkCRC(prefix, data []byte) []byte {
	h := crc32.NewIEEE()
	h.Write(prefix[4:])
	h.Write(data)
	return h.Sum(nil)
}

// RepairChecksums recomputes the CRC of every chunk framing seg. It is run
// after a payload has been patched in place.
func RepairChecksums(rw io.ReadWriteSeeker, seg *segment.Segment) error {
	for _, f := range seg.Frames {
		if f.Size < chunkHeaderSize+crcSize {
			return errors.InvalidFormat("%s frame at offset %d is shorter than a chunk", seg.Label, f.Offset)
		}
		if _, err := rw.Seek(int64(f.Offset)+4, io.SeekStart); err != nil {
			return errors.IO(err)
		}
		h := crc32.NewIEEE()
		covered := int64(f.Size) - 4 - crcSize
		if _, err := io.CopyN(h, rw, covered); err != nil {
			return errors.IO(err)
		}

		// the CRC trailer immediately follows the covered bytes
		if _, err := rw.Write(h.Sum(nil)); err != nil {
			return errors.IO(err)
		}
		logger.Debug("png: repaired %s CRC at offset %d", seg.Label, f.Offset+f.Size-crcSize)
	}
	return nil
}
