package segment

import (
	"fmt"
	"io"
)

// Mapping is a read-only view of a whole source file. On linux and darwin it
// is a shared memory map; elsewhere the file is read into memory.
type Mapping struct {
	data   []byte
	unmap  func([]byte) error
	closed bool
}

// Len returns the mapped size.
func (m *Mapping) Len() int {
	return len(m.data)
}

// Bytes returns the whole view. It must not be used after Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Slice returns the bytes of r without copying. It reports false when r is
// out of bounds, its end overflows, or the mapping is closed.
func (m *Mapping) Slice(r ByteRange) ([]byte, bool) {
	if m == nil || m.closed {
		return nil, false
	}
	end, ok := r.End()
	if !ok || end > uint64(len(m.data)) {
		return nil, false
	}
	return m.data[r.Offset:end], true
}

// ReadAt implements io.ReaderAt over the view.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || m.closed {
		return 0, fmt.Errorf("read at offset %d on closed or invalid mapping", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the view. Slices obtained from it become invalid.
func (m *Mapping) Close() error {
	if m == nil || m.closed {
		return nil
	}
	m.closed = true
	data := m.data
	m.data = nil
	if m.unmap != nil && len(data) > 0 {
		return m.unmap(data)
	}
	return nil
}
