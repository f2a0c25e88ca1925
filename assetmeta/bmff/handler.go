package bmff

import (
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// Handler is the ISO base media file format engine (HEIC, HEIF, AVIF, MP4,
// M4A and QuickTime).
type Handler struct{}

func New() *Handler {
	return &Handler{}
}

func (h *Handler) Container() segment.Container {
	return segment.ContainerBMFF
}

// Detect reports whether the first box is ftyp.
func (h *Handler) Detect(header []byte) bool {
	return len(header) >= 8 && string(header[4:8]) == "ftyp"
}

func (h *Handler) Extensions() []string {
	var out []string
	for _, mt := range segment.MediaTypes(segment.ContainerBMFF) {
		out = append(out, mt.Extensions()...)
	}
	return out
}

func (h *Handler) MIMETypes() []string {
	var out []string
	for _, mt := range segment.MediaTypes(segment.ContainerBMFF) {
		out = append(out, mt.MIME())
	}
	return out
}

func (h *Handler) ReadXMP(s *segment.Structure, r io.ReadSeeker) ([]byte, error) {
	seg, ok := s.XMP()
	if !ok {
		return nil, errors.NotFound("xmp")
	}
	return s.Load(seg, r)
}

// ReadJUMBF returns the payload of the first manifest box.
func (h *Handler) ReadJUMBF(s *segment.Structure, r io.ReadSeeker) ([]byte, error) {
	seg, ok := s.JUMBF()
	if !ok {
		return nil, errors.NotFound("jumbf")
	}
	return s.Load(seg, r)
}

// SupportsHashMode reports whether a session can hash in mode. Box offset
// hashing needs the final layout, so it is only offered on a finished file.
func (h *Handler) SupportsHashMode(mode segment.HashMode, streaming bool) bool {
	switch mode {
	case segment.HashLiteral:
		return true
	case segment.HashBoxOffsets:
		return !streaming
	}
	return false
}
