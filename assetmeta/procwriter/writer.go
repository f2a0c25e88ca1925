package procwriter

import (
	"fmt"
	"io"
	"sort"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// ProcessFunc receives every byte written while the writer is Including,
// typically a hash update.
type ProcessFunc func(p []byte)

// State is the exclusion state of a Writer.
type State int

const (
	Including State = iota
	Excluding
)

func (s State) String() string {
	if s == Excluding {
		return "excluding"
	}
	return "including"
}

// Writer forwards every byte to the destination and, while Including, the
// accepted bytes to a processing callback. Format engines switch the state
// around exactly the bytes of an excluded segment.
type Writer struct {
	dst     io.Writer
	fn      ProcessFunc
	state   State
	written int64
}

// New wraps dst. fn may be nil, in which case the writer only counts bytes.
func New(dst io.Writer, fn ProcessFunc) *Writer {
	return &Writer{dst: dst, fn: fn}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		if w.state == Including && w.fn != nil {
			w.fn(p[:n])
		}
		w.written += int64(n)
	}
	return n, err
}

// State returns the current exclusion state.
func (w *Writer) State() State {
	return w.state
}

// Exclude stops forwarding to the callback.
func (w *Writer) Exclude() {
	w.state = Excluding
}

// Include resumes forwarding to the callback.
func (w *Writer) Include() {
	w.state = Including
}

// Guard runs fn in the Excluding state when cond holds and restores the
// previous state afterwards.
func (w *Writer) Guard(cond bool, fn func() error) error {
	if !cond {
		return fn()
	}
	prev := w.state
	w.state = Excluding
	defer func() { w.state = prev }()
	return fn()
}

// Written returns the number of bytes accepted by the destination so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Seek passes through to the destination when it is an io.Seeker.
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	seeker, ok := w.dst.(io.Seeker)
	if !ok {
		return 0, errors.IO(fmt.Errorf("destination %T is not seekable", w.dst))
	}
	return seeker.Seek(offset, whence)
}

// Emit writes b in full, excluded from processing when excluded is set.
func (w *Writer) Emit(b []byte, excluded bool) error {
	return w.Guard(excluded, func() error {
		if _, err := w.Write(b); err != nil {
			return errors.IO(err)
		}
		return nil
	})
}

// Copy streams a source range, excluded from processing when excluded is set.
func (w *Writer) Copy(r io.ReadSeeker, br segment.ByteRange, excluded bool, chunk int) error {
	return w.Guard(excluded, func() error {
		return segment.CopyRange(w, r, br, chunk)
	})
}

// CopyFrames streams a kept segment's frames verbatim. When exclude is set,
// Full mode excludes whole frames and DataOnly mode excludes only the payload
// ranges (and their checksum trailers) inside each frame.
func CopyFrames(w *Writer, r io.ReadSeeker, seg *segment.Segment, exclude bool, mode segment.ExclusionMode, chunk int) error {
	frames := seg.Frames
	if len(frames) == 0 {
		frames = seg.Ranges
	}
	if !exclude || mode == segment.ExcludeFull {
		for _, f := range frames {
			if err := w.Copy(r, f, exclude, chunk); err != nil {
				return err
			}
		}
		return nil
	}

	zones := make([]segment.ByteRange, 0, len(seg.Ranges))
	for _, rng := range seg.Ranges {
		zones = append(zones, segment.ByteRange{Offset: rng.Offset, Size: rng.Size + seg.Checksum})
	}
	sort.Slice(zones, func(i, j int) bool {
		return zones[i].Offset < zones[j].Offset
	})

	for _, f := range frames {
		cursor := f.Offset
		fend, _ := f.End()
		for _, z := range zones {
			if !f.Contains(z) {
				continue
			}
			if z.Offset > cursor {
				if err := w.Copy(r, segment.ByteRange{Offset: cursor, Size: z.Offset - cursor}, false, chunk); err != nil {
					return err
				}
			}
			if err := w.Copy(r, z, true, chunk); err != nil {
				return err
			}
			cursor, _ = z.End()
		}
		if cursor < fend {
			if err := w.Copy(r, segment.ByteRange{Offset: cursor, Size: fend - cursor}, false, chunk); err != nil {
				return err
			}
		}
	}
	return nil
}
