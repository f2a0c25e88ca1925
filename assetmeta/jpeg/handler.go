package jpeg

import (
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// Handler is the JPEG marker engine.
type Handler struct{}

// New returns a JPEG handler.
func New() *Handler {
	return &Handler{}
}

func (h *Handler) Container() segment.Container {
	return segment.ContainerJPEG
}

// Detect reports whether header starts with SOI followed by another marker.
func (h *Handler) Detect(header []byte) bool {
	return len(header) >= 3 && header[0] == 0xFF && Marker(header[1]) == SOI && header[2] == 0xFF
}

func (h *Handler) Extensions() []string {
	return segment.MediaJPEG.Extensions()
}

func (h *Handler) MIMETypes() []string {
	return []string{segment.MediaJPEG.MIME()}
}

// ReadXMP returns the XMP packet. When the packet is split, the assembled
// extended packet is returned.
func (h *Handler) ReadXMP(s *segment.Structure, r io.ReadSeeker) ([]byte, error) {
	seg, ok := s.XMP()
	if !ok {
		return nil, errors.NotFound("xmp")
	}
	if seg.Extended != nil && len(seg.Extended.Parts) > 0 {
		return assembleExtended(s, seg, r)
	}
	return mainPacket(s, seg, r)
}

// ReadJUMBF returns the first manifest, its continuation markers concatenated.
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
