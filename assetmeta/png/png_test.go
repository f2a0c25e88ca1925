package png

import (
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"hash/crc32"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
	"github.com/flaneur2020/asset-meta/assetmeta/storage"
)

func pngChunk(typ string, data []byte) []byte {
	out := make([]byte, 8, 12+len(data))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(data)))
	copy(out[4:8], typ)
	out = append(out, data...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out[4:]))
}

func basePNG(extra ...[]byte) []byte {
	out := []byte(signature)
	out = append(out, pngChunk("IHDR", []byte{0, 0, 0, 1, 0, 0, 0, 1, 8, 2, 0, 0, 0})...)
	for _, e := range extra {
		out = append(out, e...)
	}
	out = append(out, pngChunk("IDAT", []byte{0x78, 0x9c, 0x62, 0x60, 0x00, 0x00})...)
	return append(out, pngChunk("IEND", nil)...)
}

func xmpText(packet []byte, compressed bool) []byte {
	hdr := append([]byte(xmpKeyword), 0)
	if compressed {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write(packet)
		zw.Close()
		return append(append(hdr, 1, 0, 'e', 'n', 0, 0), buf.Bytes()...)
	}
	return append(append(hdr, 0, 0, 0, 0), packet...)
}

// checkCRCs walks every chunk of a PNG and verifies its CRC.
func checkCRCs(t *testing.T, data []byte) {
	t.Helper()
	pos := len(signature)
	for pos < len(data) {
		length := int(binary.BigEndian.Uint32(data[pos:]))
		end := pos + 8 + length
		want := crc32.ChecksumIEEE(data[pos+4 : end])
		assert.Equal(t, want, binary.BigEndian.Uint32(data[end:]), "chunk %s at %d", data[pos+4:pos+8], pos)
		pos = end + 4
	}
}

func parse(t *testing.T, data []byte) (*segment.Structure, *storage.Buffer) {
	t.Helper()
	src := storage.NewBuffer(data)
	s, err := New().Parse(src)
	require.NoError(t, err)
	return s, src
}

func write(t *testing.T, s *segment.Structure, src *storage.Buffer, u segment.Updates) (*segment.Structure, []byte) {
	t.Helper()
	out := storage.NewBuffer(nil)
	dest, err := New().Write(s, src, out, u)
	require.NoError(t, err)
	require.Equal(t, uint64(out.Len()), dest.TotalSize)
	return dest, out.Bytes()
}

func labels(s *segment.Structure) []string {
	var out []string
	for _, seg := range s.Segments {
		out = append(out, seg.Kind.String()+":"+seg.Label)
	}
	return out
}

func TestParse(t *testing.T) {
	data := basePNG(
		pngChunk("iTXt", xmpText([]byte("<x:xmpmeta/>"), false)),
		pngChunk("tEXt", []byte("Comment\x00hi")),
		pngChunk("caBX", []byte("manifest")),
		pngChunk("eXIf", []byte("MM\x00\x2a")),
	)
	s, src := parse(t, data)

	assert.Equal(t, uint64(len(data)), s.TotalSize)
	assert.Equal(t, []string{
		"other:Signature", "other:IHDR", "xmp:iTXt", "other:tEXt", "jumbf:caBX", "exif:eXIf", "image_data:IDAT", "other:IEND",
	}, labels(s))
	require.NoError(t, s.Validate())

	xmp, _ := s.XMP()
	assert.Equal(t, uint64(crcSize), xmp.Checksum)
	assert.Equal(t, xmp.Frames[0].Offset+8+uint64(textHeaderSize), xmp.Ranges[0].Offset)

	got, err := New().ReadXMP(s, src)
	require.NoError(t, err)
	assert.Equal(t, "<x:xmpmeta/>", string(got))

	manifest, err := New().ReadJUMBF(s, src)
	require.NoError(t, err)
	assert.Equal(t, "manifest", string(manifest))
}

func TestCompressedXMP(t *testing.T) {
	packet := bytes.Repeat([]byte("<rdf:Description/>"), 100)
	s, src := parse(t, basePNG(pngChunk("iTXt", xmpText(packet, true))))

	seg, _ := s.XMP()
	assert.True(t, seg.Compressed)

	got, err := New().ReadXMP(s, src)
	require.NoError(t, err)
	assert.Equal(t, packet, got)

	// kept compressed chunks are copied as they are
	_, out := write(t, s, src, segment.KeepAll())
	assert.Equal(t, basePNG(pngChunk("iTXt", xmpText(packet, true))), out)
}

func TestNonXMPTextChunkIsOther(t *testing.T) {
	s, _ := parse(t, basePNG(pngChunk("iTXt", []byte("Title\x00\x00\x00\x00\x00hello"))))
	assert.False(t, s.Has(segment.KindXMP))
}

func TestParseRejectsMalformed(t *testing.T) {
	hugeHeader := func(typ string, length uint32) []byte {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], length)
		copy(hdr[4:], typ)
		return hdr[:]
	}
	base := basePNG()
	withoutIEND := base[:len(base)-12]

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad signature", []byte("\x89PNX\r\n\x1a\n"), errors.ErrInvalidFormat},
		{"missing IEND", withoutIEND, errors.ErrInvalidFormat},
		{"truncated header", append(append([]byte{}, withoutIEND...), 0, 0, 0), errors.ErrInvalidFormat},
		{"chunk past end", append(append([]byte{}, withoutIEND...), pngChunk("tEXt", []byte("abc"))[:10]...), errors.ErrInvalidFormat},
		{"length over PNG maximum", append(append([]byte{}, withoutIEND...), hugeHeader("tEXt", 0x80000000)...), errors.ErrInvalidFormat},
		{"manifest over ceiling", append(append([]byte{}, withoutIEND...), hugeHeader("caBX", uint32(segment.MaxSegmentSize+1))...), errors.ErrSizeLimitExceeded},
		{"exif over ceiling", append(append([]byte{}, withoutIEND...), hugeHeader("eXIf", uint32(segment.MaxSegmentSize+1))...), errors.ErrSizeLimitExceeded},
		{"xmp header unterminated", basePNG(pngChunk("iTXt", append([]byte(xmpKeyword+"\x00"), 0, 0, 'e', 'n'))), errors.ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Parse(storage.NewBuffer(tt.data))
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestManifestAtCeilingParses(t *testing.T) {
	head := basePNG()
	head = head[:len(head)-12]
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(segment.MaxSegmentSize))
	copy(hdr[4:], "caBX")

	size := int64(len(head)) + 8 + int64(segment.MaxSegmentSize) + 4 + 12
	f := storage.NewSparse(size)
	require.NoError(t, f.Place(0, append(head, hdr[:]...)))
	require.NoError(t, f.Place(size-12, pngChunk("IEND", nil)))

	s, err := New().Parse(f)
	require.NoError(t, err)
	seg, ok := s.JUMBF()
	require.True(t, ok)
	assert.Equal(t, segment.MaxSegmentSize, seg.PayloadSize())
}

// largeText builds a sparse PNG holding one iTXt chunk of length bytes
// that starts with prefix.
func largeText(t *testing.T, prefix []byte, length uint64) *storage.Sparse {
	t.Helper()
	head := basePNG()
	head = head[:len(head)-12]
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(length))
	copy(hdr[4:], "iTXt")
	head = append(append(head, hdr[:]...), prefix...)

	size := int64(len(head)-len(prefix)) + int64(length) + 4 + 12
	f := storage.NewSparse(size)
	require.NoError(t, f.Place(0, head))
	require.NoError(t, f.Place(size-12, pngChunk("IEND", nil)))
	return f
}

func TestTextCeilingAppliesToXMPOnly(t *testing.T) {
	over := segment.MaxSegmentSize + 1

	s, err := New().Parse(largeText(t, []byte("Comment\x00\x00\x00\x00\x00"), over))
	require.NoError(t, err)
	assert.False(t, s.Has(segment.KindXMP))

	_, err = New().Parse(largeText(t, []byte(xmpKeyword+"\x00\x00\x00\x00\x00"), over))
	assert.True(t, stderrors.Is(err, errors.ErrSizeLimitExceeded), "got %v", err)
}

func TestKeepAllIsIdentity(t *testing.T) {
	data := basePNG(
		pngChunk("iTXt", xmpText([]byte("<x/>"), false)),
		pngChunk("caBX", []byte("manifest")),
	)
	s, src := parse(t, data)

	calc, err := New().CalculateDestination(s, segment.KeepAll())
	require.NoError(t, err)
	dest, out := write(t, s, src, segment.KeepAll())

	assert.Equal(t, data, out)
	assert.Equal(t, calc.TotalSize, dest.TotalSize)
	for i := range s.Segments {
		assert.Equal(t, s.Segments[i].Ranges, dest.Segments[i].Ranges)
		assert.Equal(t, s.Segments[i].Frames, dest.Segments[i].Frames)
	}
}

func TestSetInsertsBeforeIEND(t *testing.T) {
	s, src := parse(t, basePNG())
	packet := []byte("<x:xmpmeta>new</x:xmpmeta>")
	manifest := []byte("jumbf manifest bytes")

	calc, err := New().CalculateDestination(s, segment.WithXMP(packet).SetJUMBF(manifest))
	require.NoError(t, err)
	dest, out := write(t, s, src, segment.WithXMP(packet).SetJUMBF(manifest))
	checkCRCs(t, out)

	reparsed, outSrc := parse(t, out)
	assert.Equal(t, []string{
		"other:Signature", "other:IHDR", "image_data:IDAT", "xmp:iTXt", "jumbf:caBX", "other:IEND",
	}, labels(reparsed))
	for i := range dest.Segments {
		assert.Equal(t, dest.Segments[i].Ranges, reparsed.Segments[i].Ranges)
		assert.Equal(t, calc.Segments[i].Ranges, reparsed.Segments[i].Ranges)
	}

	got, err := New().ReadXMP(reparsed, outSrc)
	require.NoError(t, err)
	assert.Equal(t, packet, got)
	got, err = New().ReadJUMBF(reparsed, outSrc)
	require.NoError(t, err)
	assert.Equal(t, manifest, got)
}

func TestSetReplacesInPlaceAndRemoveDrops(t *testing.T) {
	data := basePNG(
		pngChunk("iTXt", xmpText([]byte("<old/>"), true)),
		pngChunk("caBX", []byte("old manifest")),
		pngChunk("caBX", []byte("second manifest")),
	)
	s, src := parse(t, data)
	require.Len(t, s.JUMBFIndices(), 2)

	_, out := write(t, s, src, segment.KeepAll().SetXMP([]byte("<new/>")).RemoveJUMBF())
	checkCRCs(t, out)

	reparsed, outSrc := parse(t, out)
	assert.Equal(t, []string{
		"other:Signature", "other:IHDR", "xmp:iTXt", "image_data:IDAT", "other:IEND",
	}, labels(reparsed))
	seg, _ := reparsed.XMP()
	assert.False(t, seg.Compressed)

	got, err := New().ReadXMP(reparsed, outSrc)
	require.NoError(t, err)
	assert.Equal(t, "<new/>", string(got))
}

func TestEmptyManifestRejected(t *testing.T) {
	s, src := parse(t, basePNG())
	_, err := New().Write(s, src, &bytes.Buffer{}, segment.WithJUMBF(nil))
	assert.True(t, stderrors.Is(err, errors.ErrInvalidFormat))
}

func digestOf(data []byte, ranges []segment.ByteRange) digest.Digest {
	d := digest.SHA256.Digester()
	for _, r := range ranges {
		d.Hash().Write(data[r.Offset : r.Offset+r.Size])
	}
	return d.Digest()
}

func TestHashExclusion(t *testing.T) {
	kinds := []segment.Kind{segment.KindJUMBF}
	for _, mode := range []segment.ExclusionMode{segment.ExcludeFull, segment.ExcludeDataOnly} {
		for _, name := range []string{"new", "kept"} {
			t.Run(mode.String()+"/"+name, func(t *testing.T) {
				var (
					s   *segment.Structure
					src *storage.Buffer
					u   segment.Updates
				)
				if name == "new" {
					s, src = parse(t, basePNG())
					u = segment.WithJUMBF(bytes.Repeat([]byte{0}, 512))
				} else {
					s, src = parse(t, basePNG(pngChunk("caBX", []byte("existing manifest"))))
					u = segment.KeepAll()
				}
				u = u.ExcludeFromProcessing(kinds, mode)

				d := digest.SHA256.Digester()
				out := storage.NewBuffer(nil)
				dest, err := New().WriteWithProcessor(s, src, out, u, func(p []byte) { d.Hash().Write(p) })
				require.NoError(t, err)

				data := out.Bytes()
				assert.Equal(t, digestOf(data, dest.HashableRanges(kinds, mode)), d.Digest())

				zones := dest.ExclusionRanges(kinds, mode)
				require.Len(t, zones, 1)
				seg, _ := dest.JUMBF()
				if mode == segment.ExcludeFull {
					assert.Equal(t, seg.Frames[0], zones[0])
				} else {
					assert.Equal(t, seg.Ranges[0].Offset, zones[0].Offset)
					assert.Equal(t, seg.Ranges[0].Size+crcSize, zones[0].Size)
				}
			})
		}
	}
}

func TestRepairChecksums(t *testing.T) {
	data := basePNG(pngChunk("caBX", bytes.Repeat([]byte{0}, 16)))
	s, _ := parse(t, data)
	seg, _ := s.JUMBF()

	buf := storage.NewBuffer(data)
	_, err := buf.WriteAt([]byte("patched!"), int64(seg.Ranges[0].Offset))
	require.NoError(t, err)

	require.NoError(t, RepairChecksums(buf, seg))
	checkCRCs(t, buf.Bytes())
	assert.Equal(t, len(data), int(buf.Len()))
}

func TestBoxOffsetHashingUnsupported(t *testing.T) {
	s, src := parse(t, basePNG())
	_, err := New().Write(s, src, &bytes.Buffer{}, segment.KeepAll().WithHashMode(segment.HashBoxOffsets))
	assert.True(t, stderrors.Is(err, errors.ErrHashModeUnsupported))
}

func TestDetect(t *testing.T) {
	assert.True(t, New().Detect([]byte(signature)))
	assert.False(t, New().Detect([]byte{0xFF, 0xD8, 0xFF}))
}
