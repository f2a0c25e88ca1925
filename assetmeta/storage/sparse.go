package storage

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

type extent struct {
	offset int64
	data   []byte
}

// Sparse is a read-only seekable file of a declared size whose content is
// zero except for explicitly placed extents. It lets tests describe
// multi-hundred-megabyte containers without allocating them.
type Sparse struct {
	mu      sync.RWMutex
	size    int64
	extents []extent
	pos     int64
}

// NewSparse constructs an all-zero Sparse file of the given size.
func NewSparse(size int64) *Sparse {
	return &Sparse{size: size}
}

// Place puts data at offset. Extents must not overlap.
func (s *Sparse) Place(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset < 0 || offset+int64(len(data)) > s.size {
		return fmt.Errorf("sparse: extent at %d with length %d exceeds size %d", offset, len(data), s.size)
	}
	for _, e := range s.extents {
		if offset < e.offset+int64(len(e.data)) && e.offset < offset+int64(len(data)) {
			return fmt.Errorf("sparse: extent at %d overlaps extent at %d", offset, e.offset)
		}
	}
	s.extents = append(s.extents, extent{offset: offset, data: append([]byte(nil), data...)})
	sort.Slice(s.extents, func(i, j int) bool {
		return s.extents[i].offset < s.extents[j].offset
	})
	return nil
}

// Size returns the declared size.
func (s *Sparse) Size() int64 {
	return s.size
}

// ReadAt implements io.ReaderAt.
func (s *Sparse) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if off < 0 {
		return 0, fmt.Errorf("sparse: negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > s.size-off {
		n = int(s.size - off)
	}
	clear(p[:n])
	end := off + int64(n)
	for _, e := range s.extents {
		eend := e.offset + int64(len(e.data))
		if eend <= off || e.offset >= end {
			continue
		}
		lo := max(off, e.offset)
		hi := min(end, eend)
		copy(p[lo-off:hi-off], e.data[lo-e.offset:hi-e.offset])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Sparse) Read(p []byte) (int, error) {
	s.mu.RLock()
	pos := s.pos
	s.mu.RUnlock()

	n, err := s.ReadAt(p, pos)
	s.mu.Lock()
	s.pos += int64(n)
	s.mu.Unlock()
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek implements io.Seeker.
func (s *Sparse) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.size + offset
	default:
		return 0, fmt.Errorf("sparse: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("sparse: negative position %d", abs)
	}
	s.pos = abs
	return abs, nil
}
