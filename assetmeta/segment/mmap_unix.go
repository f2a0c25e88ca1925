//go:build darwin || linux

package segment

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapFile maps f read-only with MAP_SHARED. The file must stay open and
// unmodified while the mapping is in use.
func MapFile(f *os.File) (*Mapping, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", f.Name(), err)
	}
	size := info.Size()
	if size == 0 {
		return &Mapping{}, nil
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("file %s too large to map: %d bytes", f.Name(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to memory-map %s: %w", f.Name(), err)
	}
	return &Mapping{data: data, unmap: unix.Munmap}, nil
}
