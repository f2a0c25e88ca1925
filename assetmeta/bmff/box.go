package bmff

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
)

// MaxDepth bounds box nesting.
const MaxDepth = 32

const (
	headerSize      = 8
	largeHeaderSize = 16
	uuidSize        = 16
	fullBoxSize     = 4
)

var (
	// XMPBoxID identifies the uuid box carrying an XMP packet. It has no
	// version or flags.
	XMPBoxID = uuid.MustParse("be7acfcb-97a9-42e8-9c71-999491e3afac")

	// C2PABoxID identifies the uuid box carrying a manifest: version and
	// flags, a NUL-terminated purpose, a u64 merkle offset, then the payload.
	C2PABoxID = uuid.MustParse("d8fec3d6-1b0e-483c-9297-5828877ec481")
)

// containerTypes are walked into when building the tree.
var containerTypes = map[string]bool{
	"moov": true, "trak": true, "mdia": true, "minf": true, "stbl": true,
	"moof": true, "traf": true, "edts": true, "udta": true, "dinf": true,
	"tref": true, "treg": true, "mvex": true, "mfra": true, "meta": true,
	"schi": true, "iprp": true, "ipco": true,
}

// Box is one node of the arena. Parent and Children are indices into Tree.Boxes.
type Box struct {
	Type     string
	UserType uuid.UUID
	Offset   uint64
	Size     uint64

	// HeaderSize covers the size and type fields, the largesize when
	// present and the extended type of uuid boxes.
	HeaderSize uint64

	Parent   int
	Children []int
	Depth    int
}

// End is the offset just past the box.
func (b *Box) End() uint64 {
	return b.Offset + b.Size
}

// PayloadOffset is where the box body starts.
func (b *Box) PayloadOffset() uint64 {
	return b.Offset + b.HeaderSize
}

// PayloadSize is the size of the box body.
func (b *Box) PayloadSize() uint64 {
	return b.Size - b.HeaderSize
}

// Tree is an arena of boxes. Roots are the top-level boxes in file order.
type Tree struct {
	Boxes []Box
	Roots []int
}

// Find returns the indices of every box of the given type, in file order.
func (t *Tree) Find(typ string) []int {
	var out []int
	for i := range t.Boxes {
		if t.Boxes[i].Type == typ {
			out = append(out, i)
		}
	}
	return out
}

// Path is the slash separated chain of box types from the root to box i.
func (t *Tree) Path(i int) string {
	var parts []string
	for ; i >= 0; i = t.Boxes[i].Parent {
		parts = append(parts, t.Boxes[i].Type)
	}
	for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
		parts[l], parts[r] = parts[r], parts[l]
	}
	return "/" + strings.Join(parts, "/")
}

// ReadTree builds the box tree of [start, end) in r.
func ReadTree(r io.ReadSeeker, start, end uint64) (*Tree, error) {
	t := &Tree{}
	roots, err := t.walk(r, start, end, -1, 0)
	if err != nil {
		return nil, err
	}
	t.Roots = roots
	return t, nil
}

func (t *Tree) walk(r io.ReadSeeker, start, end uint64, parent, depth int) ([]int, error) {
	var indices []int
	for offset := start; offset < end; {
		if depth >= MaxDepth {
			return nil, errors.InvalidFormat("boxes nested deeper than %d at offset %d", MaxDepth, offset)
		}
		box, err := readHeader(r, offset, end)
		if err != nil {
			return nil, err
		}
		box.Parent = parent
		box.Depth = depth

		idx := len(t.Boxes)
		t.Boxes = append(t.Boxes, box)
		indices = append(indices, idx)

		if containerTypes[box.Type] {
			childStart := box.PayloadOffset()
			if box.Type == "meta" {
				quickTime, err := quickTimeMeta(r, &box)
				if err != nil {
					return nil, err
				}
				if !quickTime {
					childStart += fullBoxSize
				}
			}
			if childStart > box.End() {
				return nil, errors.InvalidFormat("%s box at offset %d too small for its header", box.Type, box.Offset)
			}
			children, err := t.walk(r, childStart, box.End(), idx, depth+1)
			if err != nil {
				return nil, err
			}
			t.Boxes[idx].Children = children
		}
		offset = box.End()
	}
	return indices, nil
}

// readHeader decodes the box header at offset. A size of 1 selects the
// 64-bit largesize and 0 extends the box to end.
func readHeader(r io.ReadSeeker, offset, end uint64) (Box, error) {
	if offset+headerSize > end {
		return Box{}, errors.InvalidFormat("truncated box header at offset %d", offset)
	}
	var hdr [largeHeaderSize]byte
	if err := readAt(r, offset, hdr[:headerSize]); err != nil {
		return Box{}, errors.IO(err)
	}

	box := Box{
		Type:       string(hdr[4:8]),
		Offset:     offset,
		Size:       uint64(binary.BigEndian.Uint32(hdr[0:4])),
		HeaderSize: headerSize,
	}
	switch box.Size {
	case 1:
		if offset+largeHeaderSize > end {
			return Box{}, errors.InvalidFormat("truncated largesize header at offset %d", offset)
		}
		if err := readAt(r, offset+headerSize, hdr[headerSize:]); err != nil {
			return Box{}, errors.IO(err)
		}
		box.Size = binary.BigEndian.Uint64(hdr[headerSize:])
		box.HeaderSize = largeHeaderSize
	case 0:
		box.Size = end - offset
	}

	if box.Size < box.HeaderSize {
		return Box{}, errors.InvalidFormat("%s box at offset %d has size %d below its header", box.Type, offset, box.Size)
	}
	if box.Size > end-offset {
		return Box{}, errors.InvalidFormat("%s box at offset %d overruns its parent", box.Type, offset)
	}

	if box.Type == "uuid" {
		if box.Size < box.HeaderSize+uuidSize {
			return Box{}, errors.InvalidFormat("uuid box at offset %d has no extended type", offset)
		}
		var id [uuidSize]byte
		if err := readAt(r, offset+box.HeaderSize, id[:]); err != nil {
			return Box{}, errors.IO(err)
		}
		box.UserType = uuid.UUID(id)
		box.HeaderSize += uuidSize
	}
	return box, nil
}

// quickTimeMeta reports whether a meta box uses the QuickTime layout, where
// children start right after the header instead of after version and flags.
func quickTimeMeta(r io.ReadSeeker, box *Box) (bool, error) {
	if box.PayloadSize() < headerSize {
		return false, nil
	}
	var peek [headerSize]byte
	if err := readAt(r, box.PayloadOffset(), peek[:]); err != nil {
		return false, errors.IO(err)
	}
	return string(peek[4:8]) == "hdlr", nil
}

func readAt(r io.ReadSeeker, offset uint64, buf []byte) error {
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(r, buf)
	return err
}
