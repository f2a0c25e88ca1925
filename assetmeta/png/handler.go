package png

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// Handler is the PNG chunk engine. PNG carries each payload in one chunk;
// there is no multi-part convention.
type Handler struct{}

func New() *Handler {
	return &Handler{}
}

func (h *Handler) Container() segment.Container {
	return segment.ContainerPNG
}

func (h *Handler) Detect(header []byte) bool {
	return len(header) >= len(signature) && string(header[:len(signature)]) == signature
}

func (h *Handler) Extensions() []string {
	return segment.MediaPNG.Extensions()
}

func (h *Handler) MIMETypes() []string {
	return []string{segment.MediaPNG.MIME()}
}

// ReadXMP returns the XMP packet, inflating it when the iTXt chunk is compressed.
func (h *Handler) ReadXMP(s *segment.Structure, r io.ReadSeeker) ([]byte, error) {
	seg, ok := s.XMP()
	if !ok {
		return nil, errors.NotFound("xmp")
	}
	data, err := s.Load(seg, r)
	if err != nil {
		return nil, err
	}
	if !seg.Compressed {
		return data, nil
	}
	return inflate(data)
}

// ReadJUMBF returns the first caBX manifest.
func (h *Handler) ReadJUMBF(s *segment.Structure, r io.ReadSeeker) ([]byte, error) {
	seg, ok := s.JUMBF()
	if !ok {
		return nil, errors.NotFound("jumbf")
	}
	return s.Load(seg, r)
}

// SupportsHashMode reports that only literal hashing is available.
func (h *Handler) SupportsHashMode(mode segment.HashMode, streaming bool) bool {
	return mode == segment.HashLiteral
}

// inflate decompresses a zlib stream, refusing output beyond the allocation ceiling.
func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.InvalidFormat("compressed XMP: %v", err)
	}
	defer zr.Close()

	var out bytes.Buffer
	n, err := io.Copy(&out, io.LimitReader(zr, int64(segment.MaxSegmentSize)+1))
	if err != nil {
		return nil, errors.InvalidFormat("compressed XMP: %v", err)
	}
	if uint64(n) > segment.MaxSegmentSize {
		return nil, errors.SizeLimit(uint64(n), segment.MaxSegmentSize)
	}
	logger.Debug("png: inflated XMP from %d to %d bytes", len(data), n)
	return out.Bytes(), nil
}
