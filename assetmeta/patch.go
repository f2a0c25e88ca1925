package assetmeta

import (
	"fmt"
	"io"
	"os"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/jpeg"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/patch"
	"github.com/flaneur2020/asset-meta/assetmeta/png"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// Patch overwrites the reserved payload of kind in a file previously written
// with destination structure dest, then fixes whatever framing depends on
// the payload: PNG chunk CRCs and the repeated box header of JPEG manifest
// continuations. It returns the number of payload bytes written.
func Patch(rw io.ReadWriteSeeker, dest *segment.Structure, kind segment.Kind, payload []byte) (int, error) {
	n, err := patch.Patch(rw, dest, kind, payload)
	if err != nil {
		return n, err
	}

	seg, _ := dest.First(kind)
	switch dest.Container {
	case segment.ContainerPNG:
		err = png.RepairChecksums(rw, seg)
	case segment.ContainerJPEG:
		err = jpeg.RepairContinuations(rw, seg, payload)
	}
	return n, err
}

// PatchFile opens path for writing and patches it. The file must still have
// the size dest describes.
func PatchFile(path string, dest *segment.Structure, kind segment.Kind, payload []byte) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, errors.IO(fmt.Errorf("failed to open %s: %w", path, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, errors.IO(err)
	}
	if uint64(info.Size()) != dest.TotalSize {
		return 0, errors.InvalidFormat("%s is %d bytes, destination structure describes %d", path, info.Size(), dest.TotalSize)
	}

	n, err := Patch(f, dest, kind, payload)
	if err != nil {
		return n, err
	}
	if err := f.Sync(); err != nil {
		return n, errors.IO(err)
	}
	logger.Info("patched %d bytes of %s in %s", n, kind, path)
	return n, nil
}
