// Package exif locates the JPEG preview stored in IFD1 of an EXIF TIFF
// structure. Only the directory entries it needs are read.
package exif

import (
	"encoding/binary"
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

const (
	headerSize = 8
	entrySize  = 12

	// MaxEntries bounds the directories walked.
	MaxEntries = 1000
)

// IFD1 tags describing the preview.
const (
	tagImageWidth     = 0x0100
	tagImageLength    = 0x0101
	tagJPEGOffset     = 0x0201
	tagJPEGByteLength = 0x0202
)

// TIFF field types that can hold the preview tags.
const (
	typeShort = 3
	typeLong  = 4
)

// Locate walks the TIFF structure stored at tiff in r and returns the
// preview's location in file coordinates. A structure without IFD1, without
// the JPEG tags, or pointing outside tiff has no preview; only read
// failures are errors.
func Locate(r io.ReadSeeker, tiff segment.ByteRange) (*segment.Thumbnail, error) {
	t := &reader{r: r, base: tiff.Offset, size: tiff.Size}

	var hdr [headerSize]byte
	if ok, err := t.read(0, hdr[:]); !ok || err != nil {
		return nil, err
	}
	switch string(hdr[0:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return nil, nil
	}
	if t.order.Uint16(hdr[2:4]) != 0x2A {
		return nil, nil
	}

	ifd1, ok, err := t.nextIFD(uint64(t.order.Uint32(hdr[4:8])))
	if !ok || err != nil {
		return nil, err
	}

	th, ok, err := t.preview(ifd1)
	if !ok || err != nil {
		return nil, err
	}
	logger.Debug("exif: thumbnail at offset %d, %d bytes", th.Range.Offset, th.Range.Size)
	return th, nil
}

type reader struct {
	r     io.ReadSeeker
	order binary.ByteOrder
	base  uint64
	size  uint64
}

// read fills buf from offset off of the TIFF structure. It reports false
// without reading when the bytes lie outside the structure.
func (t *reader) read(off uint64, buf []byte) (bool, error) {
	if off > t.size || uint64(len(buf)) > t.size-off {
		return false, nil
	}
	if _, err := t.r.Seek(int64(t.base+off), io.SeekStart); err != nil {
		return false, errors.IO(err)
	}
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return false, errors.IO(err)
	}
	return true, nil
}

// entries reads the entry count of the directory at off.
func (t *reader) entries(off uint64) (uint64, bool, error) {
	var cnt [2]byte
	ok, err := t.read(off, cnt[:])
	if !ok || err != nil {
		return 0, false, err
	}
	n := uint64(t.order.Uint16(cnt[:]))
	if n > MaxEntries {
		return 0, false, nil
	}
	return n, true, nil
}

// nextIFD skips over the directory at off and returns the offset of the one
// following it.
func (t *reader) nextIFD(off uint64) (uint64, bool, error) {
	n, ok, err := t.entries(off)
	if !ok || err != nil {
		return 0, false, err
	}
	var next [4]byte
	ok, err = t.read(off+2+n*entrySize, next[:])
	if !ok || err != nil {
		return 0, false, err
	}
	ifd := uint64(t.order.Uint32(next[:]))
	if ifd == 0 || ifd >= t.size {
		return 0, false, nil
	}
	return ifd, true, nil
}

func (t *reader) preview(off uint64) (*segment.Thumbnail, bool, error) {
	n, ok, err := t.entries(off)
	if !ok || err != nil {
		return nil, false, err
	}
	dir := make([]byte, n*entrySize)
	ok, err = t.read(off+2, dir)
	if !ok || err != nil {
		return nil, false, err
	}

	var (
		th             segment.Thumbnail
		start, length  uint64
		hasStart, hasN bool
	)
	for i := uint64(0); i < n; i++ {
		e := dir[i*entrySize : (i+1)*entrySize]
		v, ok := t.value(e)
		if !ok {
			continue
		}
		switch t.order.Uint16(e[0:2]) {
		case tagJPEGOffset:
			start, hasStart = uint64(v), true
		case tagJPEGByteLength:
			length, hasN = uint64(v), true
		case tagImageWidth:
			th.Width = v
		case tagImageLength:
			th.Height = v
		}
	}
	if !hasStart || !hasN || length == 0 || start > t.size || length > t.size-start {
		return nil, false, nil
	}
	th.Range = segment.ByteRange{Offset: t.base + start, Size: length}
	return &th, true, nil
}

// value decodes a single SHORT or LONG stored inline in entry e.
func (t *reader) value(e []byte) (uint32, bool) {
	if t.order.Uint32(e[4:8]) != 1 {
		return 0, false
	}
	switch t.order.Uint16(e[2:4]) {
	case typeShort:
		return uint32(t.order.Uint16(e[8:10])), true
	case typeLong:
		return t.order.Uint32(e[8:12]), true
	}
	return 0, false
}
