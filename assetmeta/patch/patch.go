// Package patch rewrites a reserved payload in place. The destination
// structure from a previous write says where the payload lives; the file
// length never changes, so no other offset moves.
package patch

import (
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// Capacity is the number of payload bytes reserved for kind in s.
func Capacity(s *segment.Structure, kind segment.Kind) (uint64, error) {
	seg, ok := s.First(kind)
	if !ok {
		return 0, errors.NotFound(kind.String())
	}
	total, ok := segment.TotalSize(seg.Ranges)
	if !ok {
		return 0, errors.InvalidFormat("%s ranges overflow", kind)
	}
	return total, nil
}

// Patch writes payload over the first segment of kind, zero padded to the
// exact reserved capacity and split across the segment's ranges in order.
// The capacity check precedes any write, so an oversized payload leaves the
// file untouched. It returns the number of bytes written.
func Patch(w io.WriteSeeker, s *segment.Structure, kind segment.Kind, payload []byte) (int, error) {
	capacity, err := Capacity(s, kind)
	if err != nil {
		return 0, err
	}
	if uint64(len(payload)) > capacity {
		return 0, errors.Capacity(uint64(len(payload)), capacity)
	}

	seg, _ := s.First(kind)
	padded := make([]byte, capacity)
	copy(padded, payload)

	written := 0
	for _, r := range seg.Ranges {
		if _, err := w.Seek(int64(r.Offset), io.SeekStart); err != nil {
			return written, errors.IO(err)
		}
		n, err := w.Write(padded[:r.Size])
		written += n
		if err != nil {
			return written, errors.IO(err)
		}
		padded = padded[r.Size:]
	}

	logger.Debug("patch: wrote %d of %d bytes of %s across %d ranges", len(payload), capacity, kind, len(seg.Ranges))
	return written, nil
}
