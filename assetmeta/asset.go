package assetmeta

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/flaneur2020/asset-meta/assetmeta/bmff"
	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/procwriter"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

type options struct {
	mmap     bool
	handler  Handler
	progress ProgressCallback
}

// Option configures Open and NewAsset.
type Option func(*options)

// WithMmap reads the source through a read-only memory map. Hashing reads
// the map directly; extracted payloads are copied out of it.
func WithMmap() Option {
	return func(o *options) { o.mmap = true }
}

// WithHandler skips detection and parses with h.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithProgress reports write and hash progress to callback.
func WithProgress(callback ProgressCallback) Option {
	return func(o *options) { o.progress = callback }
}

// Asset is a parsed source file. It is not safe for concurrent use; open
// one Asset per goroutine.
type Asset struct {
	handler   Handler
	source    io.ReadSeeker
	structure *segment.Structure
	progress  ProgressCallback
	closers   []io.Closer
}

// Open parses the file at path.
func Open(path string, opts ...Option) (*Asset, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IO(fmt.Errorf("failed to open %s: %w", path, err))
	}
	closers := []io.Closer{f}
	var (
		source  io.ReadSeeker = f
		mapping *segment.Mapping
	)
	if o.mmap {
		mapping, err = segment.MapFile(f)
		if err != nil {
			f.Close()
			return nil, errors.IO(err)
		}
		closers = append(closers, mapping)
		source = io.NewSectionReader(mapping, 0, int64(mapping.Len()))
	}

	a, err := newAsset(source, o)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	if mapping != nil {
		a.structure.AttachMapping(mapping)
	}
	a.closers = closers
	logger.Debug("opened %s as %s (%s), %d segments", path, a.structure.MediaType, a.structure.Container, len(a.structure.Segments))
	return a, nil
}

// NewAsset parses r. The reader must stay valid while the Asset is used.
func NewAsset(r io.ReadSeeker, opts ...Option) (*Asset, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return newAsset(r, o)
}

func newAsset(r io.ReadSeeker, o *options) (*Asset, error) {
	h := o.handler
	if h == nil {
		var err error
		if h, err = DetectReader(r); err != nil {
			return nil, err
		}
	}
	s, err := h.Parse(r)
	if err != nil {
		return nil, err
	}
	return &Asset{handler: h, source: r, structure: s, progress: o.progress}, nil
}

// Handler returns the engine the asset was parsed with.
func (a *Asset) Handler() Handler {
	return a.handler
}

// Structure returns the source structure.
func (a *Asset) Structure() *segment.Structure {
	return a.structure
}

// XMP returns the XMP packet, assembled and inflated as needed.
func (a *Asset) XMP() ([]byte, error) {
	return a.handler.ReadXMP(a.structure, a.source)
}

// JUMBF returns the first manifest payload.
func (a *Asset) JUMBF() ([]byte, error) {
	return a.handler.ReadJUMBF(a.structure, a.source)
}

// Thumbnail returns the embedded preview image bytes. Containers without an
// EXIF preview report ErrNotFound.
func (a *Asset) Thumbnail() ([]byte, error) {
	th, ok := a.structure.Thumbnail()
	if !ok {
		return nil, errors.NotFound("thumbnail")
	}
	seg := segment.New(segment.KindImageData, "thumbnail", th.Range, th.Range)
	return a.structure.Load(seg, a.source)
}

// Destination returns the structure Write would produce for u.
func (a *Asset) Destination(u segment.Updates) (*segment.Structure, error) {
	return a.handler.CalculateDestination(a.structure, u)
}

// SetProgress replaces the progress callback. Nil disables reporting.
func (a *Asset) SetProgress(callback ProgressCallback) {
	a.progress = callback
}

// Write copies the asset to w applying u.
func (a *Asset) Write(w io.Writer, u segment.Updates) (*segment.Structure, error) {
	return a.WriteWithProcessor(w, u, nil)
}

// WriteWithProcessor writes like Write and feeds every byte outside the
// excluded kinds to fn in the same pass.
func (a *Asset) WriteWithProcessor(w io.Writer, u segment.Updates, fn procwriter.ProcessFunc) (*segment.Structure, error) {
	if a.progress != nil {
		dest, err := a.Destination(u)
		if err != nil {
			return nil, err
		}
		w = withProgress(w, int64(dest.TotalSize), a.progress)
	}
	return a.handler.WriteWithProcessor(a.structure, a.source, w, u, fn)
}

// WriteHashed writes the asset and digests the processed bytes with alg in
// the same pass.
func (a *Asset) WriteHashed(w io.Writer, u segment.Updates, alg string) (*segment.Structure, digest.Digest, error) {
	d, err := NewDigester(alg)
	if err != nil {
		return nil, "", err
	}
	h := d.Hash()
	dest, err := a.WriteWithProcessor(w, u, func(p []byte) { h.Write(p) })
	if err != nil {
		return nil, "", err
	}
	return dest, d.Digest(), nil
}

// WriteFile writes the asset to path through a temporary file in the same
// directory, renamed into place once complete.
func (a *Asset) WriteFile(path string, u segment.Updates) (*segment.Structure, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".assetmeta-*")
	if err != nil {
		return nil, errors.IO(fmt.Errorf("failed to create temporary file: %w", err))
	}
	defer os.Remove(tmp.Name())

	dest, err := a.Write(tmp, u)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, errors.IO(err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.IO(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, errors.IO(fmt.Errorf("failed to move output into place: %w", err))
	}
	return dest, nil
}

// HashOptions selects what Hash digests.
type HashOptions struct {
	Algorithm string
	Exclude   []segment.Kind
	Mode      segment.ExclusionMode
	HashMode  segment.HashMode
	ChunkSize int
}

// Hash digests the asset as it is on disk: the bytes outside the excluded
// zones, or for HashBoxOffsets the offsets of the kept top-level boxes.
func (a *Asset) Hash(opts HashOptions) (digest.Digest, error) {
	if !a.handler.SupportsHashMode(opts.HashMode, false) {
		return "", errors.ErrHashModeUnsupported.
			WithDetail("mode", opts.HashMode.String()).
			WithDetail("container", a.structure.Container.String())
	}
	d, err := NewDigester(opts.Algorithm)
	if err != nil {
		return "", err
	}
	h := d.Hash()

	if opts.HashMode == segment.HashBoxOffsets {
		if err := bmff.HashBoxOffsets(a.structure, opts.Exclude, func(p []byte) { h.Write(p) }); err != nil {
			return "", err
		}
		return d.Digest(), nil
	}

	ranges := a.structure.HashableRanges(opts.Exclude, opts.Mode)
	total, _ := segment.TotalSize(ranges)
	var w io.Writer = h
	w = withProgress(w, int64(total), a.progress)
	for _, r := range ranges {
		if view, ok := a.structure.Slice(r); ok {
			if _, err := w.Write(view); err != nil {
				return "", errors.IO(err)
			}
			continue
		}
		if err := segment.CopyRange(w, a.source, r, opts.ChunkSize); err != nil {
			return "", err
		}
	}
	logger.Debug("hashed %d bytes in %d ranges", total, len(ranges))
	return d.Digest(), nil
}

// Close releases the file and mapping opened by Open. Payloads returned
// earlier stay valid; later reads fail with ErrIO.
func (a *Asset) Close() error {
	if a.closers == nil {
		return nil
	}
	a.structure.Release()
	err := closeAll(a.closers)
	a.closers = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
