package assetmeta

import (
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"

	"github.com/flaneur2020/asset-meta/assetmeta/bmff"
	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/jpeg"
	"github.com/flaneur2020/asset-meta/assetmeta/png"
	"github.com/flaneur2020/asset-meta/assetmeta/procwriter"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// HeaderSize is the number of leading bytes Detect needs.
const HeaderSize = 16

// Handler is a container engine.
type Handler interface {
	Container() segment.Container
	Detect(header []byte) bool
	Extensions() []string
	MIMETypes() []string

	// Parse maps the source into a structure without loading payloads.
	Parse(r io.ReadSeeker) (*segment.Structure, error)
	ReadXMP(s *segment.Structure, r io.ReadSeeker) ([]byte, error)
	ReadJUMBF(s *segment.Structure, r io.ReadSeeker) ([]byte, error)

	// CalculateDestination returns the structure Write would produce,
	// without touching the source.
	CalculateDestination(s *segment.Structure, u segment.Updates) (*segment.Structure, error)
	Write(s *segment.Structure, r io.ReadSeeker, w io.Writer, u segment.Updates) (*segment.Structure, error)
	WriteWithProcessor(s *segment.Structure, r io.ReadSeeker, w io.Writer, u segment.Updates, fn procwriter.ProcessFunc) (*segment.Structure, error)
	SupportsHashMode(mode segment.HashMode, streaming bool) bool
}

var handlers = []Handler{
	jpeg.New(),
	png.New(),
	bmff.New(),
}

// Handlers returns every registered engine.
func Handlers() []Handler {
	return append([]Handler(nil), handlers...)
}

// Detect picks the engine recognizing header.
func Detect(header []byte) (Handler, error) {
	for _, h := range handlers {
		if h.Detect(header) {
			return h, nil
		}
	}
	return nil, errors.ErrUnsupportedContainer.WithDetail("header", hex.EncodeToString(header))
}

// DetectReader reads the first HeaderSize bytes of r, rewinds it and detects.
func DetectReader(r io.ReadSeeker) (Handler, error) {
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.IO(err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.IO(err)
	}
	return Detect(header[:n])
}

// ForExtension returns the engine for a file extension or path.
func ForExtension(ext string) (Handler, error) {
	if strings.Contains(ext, ".") {
		ext = filepath.Ext(ext)
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	mt, ok := segment.MediaTypeForExtension(ext)
	if !ok {
		return nil, errors.ErrUnsupportedContainer.WithDetail("extension", ext)
	}
	return ForContainer(mt.Container())
}

// ForMIME returns the engine for a MIME type.
func ForMIME(mime string) (Handler, error) {
	mt, ok := segment.MediaTypeForMIME(mime)
	if !ok {
		return nil, errors.ErrUnsupportedContainer.WithDetail("mime", mime)
	}
	return ForContainer(mt.Container())
}

// ForContainer returns the engine for a container family.
func ForContainer(c segment.Container) (Handler, error) {
	for _, h := range handlers {
		if h.Container() == c {
			return h, nil
		}
	}
	return nil, errors.ErrUnsupportedContainer.WithDetail("container", c.String())
}
