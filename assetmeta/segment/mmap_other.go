//go:build !(darwin || linux)

package segment

import (
	"fmt"
	"io"
	"os"
)

// MapFile reads f into memory; no shared mapping is available on this platform.
func MapFile(f *os.File) (*Mapping, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s: %w", f.Name(), err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
	}
	return &Mapping{data: data}, nil
}
