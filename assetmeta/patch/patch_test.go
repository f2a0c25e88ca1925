package patch

import (
	"bytes"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
	"github.com/flaneur2020/asset-meta/assetmeta/storage"
)

// fixture reserves 6 bytes of manifest across two ranges: [4,3] and [10,3].
func fixture() (*segment.Structure, []byte) {
	data := []byte("hdr:___||:___:end")
	s := segment.NewStructure(segment.ContainerJPEG, segment.MediaJPEG)
	s.TotalSize = uint64(len(data))
	seg := &segment.Segment{
		Kind:   segment.KindJUMBF,
		Label:  "APP11",
		Frames: []segment.ByteRange{{Offset: 0, Size: 8}, {Offset: 8, Size: 9}},
		Ranges: []segment.ByteRange{{Offset: 4, Size: 3}, {Offset: 10, Size: 3}},
	}
	s.Add(seg)
	return s, data
}

func TestPatch(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"exact capacity", []byte("abcdef"), "hdr:abc||:def:end"},
		{"zero padded", []byte("abcd"), "hdr:abc||:d\x00\x00:end"},
		{"empty", nil, "hdr:\x00\x00\x00||:\x00\x00\x00:end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, data := fixture()
			buf := storage.NewBuffer(data)

			n, err := Patch(buf, s, segment.KindJUMBF, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, 6, n)
			assert.Equal(t, tt.want, string(buf.Bytes()))
			assert.Equal(t, int64(len(data)), buf.Len())
		})
	}
}

func TestPatchOverCapacityLeavesFileUnchanged(t *testing.T) {
	s, data := fixture()
	original := bytes.Clone(data)
	buf := storage.NewBuffer(data)

	n, err := Patch(buf, s, segment.KindJUMBF, []byte("abcdefg"))
	assert.True(t, stderrors.Is(err, errors.ErrCapacityExceeded), "got %v", err)
	assert.Zero(t, n)
	assert.Equal(t, original, buf.Bytes())
}

func TestPatchMissingKind(t *testing.T) {
	s, data := fixture()
	_, err := Patch(storage.NewBuffer(data), s, segment.KindXMP, []byte("x"))
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))

	_, err = Capacity(s, segment.KindXMP)
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))

	c, err := Capacity(s, segment.KindJUMBF)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), c)
}
