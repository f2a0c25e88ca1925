package bmff

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

const (
	// maxPurpose bounds the NUL-terminated purpose string of a manifest box.
	maxPurpose = 256

	merkleOffsetSize = 8

	// ManifestPurpose is the purpose written into new manifest boxes.
	ManifestPurpose = "manifest"
)

// MediaTypeForBrand classifies a file by its ftyp major brand.
func MediaTypeForBrand(brand string) segment.MediaType {
	switch brand {
	case "heic", "heix", "heim", "heis":
		return segment.MediaHEIC
	case "avif", "avis":
		return segment.MediaAVIF
	case "mif1", "msf1":
		return segment.MediaHEIF
	case "M4A ", "M4B ":
		return segment.MediaMP4Audio
	case "qt  ":
		return segment.MediaQuickTime
	}
	return segment.MediaMP4Video
}

// Parse builds the box tree and records one segment per top-level box. The
// first box must be ftyp; XMP and manifest uuid boxes are classified, mdat is
// image data.
func (h *Handler) Parse(r io.ReadSeeker) (*segment.Structure, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.IO(err)
	}
	fileSize := uint64(size)

	tree, err := ReadTree(r, 0, fileSize)
	if err != nil {
		return nil, err
	}
	if len(tree.Roots) == 0 || tree.Boxes[tree.Roots[0]].Type != "ftyp" {
		return nil, errors.InvalidFormat("not a BMFF file: first box is not ftyp")
	}

	ftyp := tree.Boxes[tree.Roots[0]]
	if ftyp.PayloadSize() < 8 {
		return nil, errors.InvalidFormat("ftyp box too small")
	}
	brand := make([]byte, 4)
	if err := readAt(r, ftyp.PayloadOffset(), brand); err != nil {
		return nil, errors.IO(err)
	}
	media := MediaTypeForBrand(string(brand))

	s := segment.NewStructure(segment.ContainerBMFF, media)
	s.TotalSize = fileSize
	for _, idx := range tree.Roots {
		seg, err := classify(r, s, &tree.Boxes[idx])
		if err != nil {
			return nil, err
		}
		s.Add(seg)
	}

	logger.Debug("bmff: parsed %d boxes (%d top-level), brand %q, media %s", len(tree.Boxes), len(tree.Roots), brand, media)
	return s, nil
}

func frameOf(b *Box) segment.ByteRange {
	return segment.ByteRange{Offset: b.Offset, Size: b.Size}
}

func classify(r io.ReadSeeker, s *segment.Structure, b *Box) (*segment.Segment, error) {
	frame := frameOf(b)
	switch {
	case b.Type == "mdat":
		return segment.New(segment.KindImageData, b.Type, frame,
			segment.ByteRange{Offset: b.PayloadOffset(), Size: b.PayloadSize()}), nil

	case b.Type == "uuid" && b.UserType == XMPBoxID && !s.Has(segment.KindXMP):
		if b.PayloadSize() > segment.MaxSegmentSize {
			return nil, errors.SizeLimit(b.PayloadSize(), segment.MaxSegmentSize)
		}
		return segment.New(segment.KindXMP, b.Type, frame,
			segment.ByteRange{Offset: b.PayloadOffset(), Size: b.PayloadSize()}), nil

	case b.Type == "uuid" && b.UserType == C2PABoxID:
		if b.PayloadSize() > segment.MaxSegmentSize {
			return nil, errors.SizeLimit(b.PayloadSize(), segment.MaxSegmentSize)
		}
		payload, purpose, err := manifestPayload(r, b)
		if err != nil {
			return nil, err
		}
		logger.Debug("bmff: manifest box at offset %d, purpose %q, %d bytes", b.Offset, purpose, payload.Size)
		return segment.New(segment.KindJUMBF, b.Type, frame, payload), nil
	}
	return segment.New(segment.KindOther, b.Type, frame, frame), nil
}

// manifestPayload locates the payload of a manifest box after its version
// and flags, purpose and merkle offset.
func manifestPayload(r io.ReadSeeker, b *Box) (segment.ByteRange, string, error) {
	body := b.PayloadOffset()
	head := make([]byte, min(b.PayloadSize(), fullBoxSize+maxPurpose+1))
	if err := readAt(r, body, head); err != nil {
		return segment.ByteRange{}, "", errors.IO(err)
	}
	if len(head) < fullBoxSize {
		return segment.ByteRange{}, "", errors.InvalidFormat("manifest box at offset %d has no version", b.Offset)
	}
	nul := bytes.IndexByte(head[fullBoxSize:], 0)
	if nul < 0 {
		return segment.ByteRange{}, "", errors.InvalidFormat("manifest box at offset %d has an unterminated purpose", b.Offset)
	}
	purpose := string(head[fullBoxSize : fullBoxSize+nul])

	overhead := uint64(fullBoxSize + nul + 1 + merkleOffsetSize)
	if overhead > b.PayloadSize() {
		return segment.ByteRange{}, "", errors.InvalidFormat("manifest box at offset %d truncated", b.Offset)
	}
	return segment.ByteRange{Offset: body + overhead, Size: b.PayloadSize() - overhead}, purpose, nil
}

// manifestHeader is the body prefix of a new manifest box.
func manifestHeader(purpose string) []byte {
	hdr := make([]byte, fullBoxSize, fullBoxSize+len(purpose)+1+merkleOffsetSize)
	hdr = append(hdr, purpose...)
	hdr = append(hdr, 0)
	return binary.BigEndian.AppendUint64(hdr, 0)
}
