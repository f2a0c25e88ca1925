package jpeg

import (
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// RepairContinuations rewrites the LBox/TBox copy that every continuation
// APP11 marker of seg repeats, so it matches the first eight bytes of
// payload. It is needed after a manifest is patched in place.
func RepairContinuations(w io.WriteSeeker, seg *segment.Segment, payload []byte) error {
	if seg.Kind != segment.KindJUMBF || len(seg.Ranges) < 2 {
		return nil
	}
	var header [boxHeaderRepeat]byte
	copy(header[:], payload)

	for _, r := range seg.Ranges[1:] {
		if r.Offset < boxHeaderRepeat {
			return errors.InvalidFormat("continuation payload at offset %d has no room for a box header", r.Offset)
		}
		if _, err := w.Seek(int64(r.Offset-boxHeaderRepeat), io.SeekStart); err != nil {
			return errors.IO(err)
		}
		if _, err := w.Write(header[:]); err != nil {
			return errors.IO(err)
		}
	}
	return nil
}
