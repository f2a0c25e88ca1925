package storage

import (
	"fmt"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"
)

// Buffer is an in-memory seekable file. It serves as a write sink, a patch
// target and a parse source.
type Buffer struct {
	mu   sync.RWMutex
	data []byte
	pos  int64
}

// NewBuffer constructs a Buffer holding a copy of data, positioned at 0.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: append([]byte(nil), data...)}
}

// Bytes returns a copy of the current contents.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.data...)
}

// Len returns the current size.
func (b *Buffer) Len() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

// Digest returns the sha256 digest of the contents.
func (b *Buffer) Digest() digest.Digest {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return digest.FromBytes(b.data)
}

func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.writeAt(p, b.pos)
	b.pos += int64(n)
	return n, nil
}

// ReadAt implements io.ReaderAt.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if off < 0 {
		return 0, fmt.Errorf("buffer: negative offset %d", off)
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt, growing the buffer as needed.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("buffer: negative offset %d", off)
	}
	return b.writeAt(p, off), nil
}

func (b *Buffer) writeAt(p []byte, off int64) int {
	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	return copy(b.data[off:end], p)
}

// Seek implements io.Seeker. Seeking past the end is allowed; a later write
// fills the gap with zeros.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("buffer: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("buffer: negative position %d", abs)
	}
	b.pos = abs
	return abs, nil
}
