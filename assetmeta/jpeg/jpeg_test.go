package jpeg

import (
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
	"github.com/flaneur2020/asset-meta/assetmeta/storage"
)

func marker(m Marker, payload []byte) []byte {
	out := []byte{0xFF, byte(m), 0, 0}
	binary.BigEndian.PutUint16(out[2:], uint16(2+len(payload)))
	return append(out, payload...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// baseJPEG builds SOI, APP0, extra markers, tables, a frame header and a
// scan whose entropy data contains stuffing, fill bytes and a restart marker.
func baseJPEG(extra ...[]byte) []byte {
	return concat(
		[]byte{0xFF, 0xD8},
		marker(APP0, []byte("JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")),
		concat(extra...),
		marker(DQT, make([]byte, 65)),
		marker(SOF0, []byte{8, 0, 1, 0, 1, 1, 1, 0x11, 0}),
		marker(SOS, []byte{1, 1, 0, 0, 63, 0}),
		[]byte{0x12, 0xFF, 0x00, 0x34, 0xFF, 0xFF, 0xD0, 0x56},
		[]byte{0xFF, 0xD9},
	)
}

// manifest returns n bytes that start like a JUMBF superbox.
func manifest(n int) []byte {
	out := make([]byte, n)
	binary.BigEndian.PutUint32(out[0:4], uint32(n))
	copy(out[4:8], "jumb")
	for i := 8; i < n; i++ {
		out[i] = byte(i % 251)
	}
	return out
}

func xtMarker(seq uint32, payload, chunk []byte) []byte {
	hdr := []byte{'J', 'P', 0x02, 0x11, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hdr[4:], seq)
	if seq > 1 {
		hdr = append(hdr, payload[:8]...)
	}
	return marker(APP11, concat(hdr, chunk))
}

func xmpMarker(packet []byte) []byte {
	return marker(APP1, concat([]byte(xmpSignature), packet))
}

func extMarker(guid string, total, offset uint32, data []byte) []byte {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], total)
	binary.BigEndian.PutUint32(hdr[4:8], offset)
	return marker(APP1, concat([]byte(xmpExtendedSignature), []byte(guid), hdr[:], data))
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

func TestParseBasic(t *testing.T) {
	data := baseJPEG(xmpMarker([]byte("<x:xmpmeta/>")), marker(APP1, []byte("Exif\x00\x00MM\x00\x2a")))
	s, src := parse(t, data)

	assert.Equal(t, uint64(len(data)), s.TotalSize)
	assert.Equal(t, []string{
		"other:SOI", "other:APP0", "xmp:APP1", "exif:APP1", "other:DQT", "other:SOF0", "image_data:SOS", "other:EOI",
	}, labels(s))
	require.NoError(t, s.Validate())

	xmp, err := New().ReadXMP(s, src)
	require.NoError(t, err)
	assert.Equal(t, "<x:xmpmeta/>", string(xmp))

	exif, ok := s.Exif()
	require.True(t, ok)
	payload, err := s.Load(exif, src)
	require.NoError(t, err)
	assert.Equal(t, "MM\x00\x2a", string(payload))

	_, err = New().ReadJUMBF(s, src)
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}

func TestParseRejectsMalformed(t *testing.T) {
	base := baseJPEG()
	tests := []struct {
		name string
		data []byte
	}{
		{"not a jpeg", []byte("\x89PNG\r\n\x1a\n")},
		{"empty", nil},
		{"length below two", concat([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x01}, base[2:])},
		{"marker past end", concat([]byte{0xFF, 0xD8}, []byte{0xFF, 0xE0, 0x10, 0x00, 'J'})},
		{"garbage between markers", concat([]byte{0xFF, 0xD8, 0x00}, base[2:])},
		{"missing EOI", base[:len(base)-2]},
		{"missing EOI without scan", []byte{0xFF, 0xD8, 0xFF, 0xFE, 0x00, 0x03, 'c'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Parse(storage.NewBuffer(tt.data))
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrInvalidFormat), "got %v", err)
		})
	}
}

func TestParseSkipsFillBytes(t *testing.T) {
	data := baseJPEG()
	data = concat(data[:2], []byte{0xFF, 0xFF}, data[2:])
	s, _ := parse(t, data)
	assert.Equal(t, "APP0", s.Segments[1].Label)
	assert.Equal(t, uint64(4), s.Segments[1].Frames[0].Offset)
}

func TestManifestContinuationFraming(t *testing.T) {
	payload := manifest(40)
	data := baseJPEG(xtMarker(1, payload, payload[:20]), xtMarker(2, payload, payload[20:]))
	s, src := parse(t, data)

	require.Len(t, s.JUMBFIndices(), 1)
	seg, _ := s.JUMBF()
	require.Len(t, seg.Frames, 2)
	require.Len(t, seg.Ranges, 2)

	assert.Equal(t, seg.Frames[0].Offset+4+8, seg.Ranges[0].Offset)
	assert.Equal(t, seg.Frames[1].Offset+4+16, seg.Ranges[1].Offset)
	assert.Equal(t, uint64(20), seg.Ranges[0].Size)
	assert.Equal(t, uint64(20), seg.Ranges[1].Size)

	got, err := New().ReadJUMBF(s, src)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRawManifestWithoutJPEGXT(t *testing.T) {
	payload := manifest(30)
	data := baseJPEG(marker(APP11, payload))
	s, src := parse(t, data)

	got, err := New().ReadJUMBF(s, src)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestManifestMarkerBoundary(t *testing.T) {
	tests := []struct {
		size    int
		markers int
	}{
		{FirstManifestCapacity, 1},
		{FirstManifestCapacity + 1, 2},
		{FirstManifestCapacity + ContinuationManifestCapacity, 2},
		{FirstManifestCapacity + ContinuationManifestCapacity + 1, 3},
	}

	s, src := parse(t, baseJPEG())
	for _, tt := range tests {
		payload := manifest(tt.size)
		dest, out := write(t, s, src, segment.WithJUMBF(payload))

		seg, ok := dest.JUMBF()
		require.True(t, ok)
		assert.Len(t, seg.Frames, tt.markers, "size %d", tt.size)
		for i, f := range seg.Frames {
			overhead := uint64(4 + 8)
			if i > 0 {
				overhead += 8
			}
			assert.Equal(t, f.Offset+overhead, seg.Ranges[i].Offset)
			assert.Equal(t, f.Size-overhead, seg.Ranges[i].Size)
		}

		reparsed, outSrc := parse(t, out)
		got, err := New().ReadJUMBF(reparsed, outSrc)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		rseg, _ := reparsed.JUMBF()
		assert.Equal(t, seg.Ranges, rseg.Ranges)
	}
}

func TestEmptyManifestRejected(t *testing.T) {
	s, src := parse(t, baseJPEG())
	_, err := New().Write(s, src, &bytes.Buffer{}, segment.WithJUMBF(nil))
	assert.True(t, stderrors.Is(err, errors.ErrInvalidFormat))
}

func TestLargeXMPSplitAndAssemble(t *testing.T) {
	packet := []byte(strings.Repeat("<rdf:li>value</rdf:li>", 7000))
	require.Greater(t, len(packet), 2*extendedChunkCapacity)

	s, src := parse(t, baseJPEG())
	dest, out := write(t, s, src, segment.WithXMP(packet))

	seg, ok := dest.XMP()
	require.True(t, ok)
	require.NotNil(t, seg.Extended)
	assert.Len(t, seg.Extended.Parts, 3)
	assert.Equal(t, GUIDFor(packet), seg.Extended.GUID)

	reparsed, outSrc := parse(t, out)
	got, err := New().ReadXMP(reparsed, outSrc)
	require.NoError(t, err)
	assert.Equal(t, packet, got)

	main, err := mainPacket(reparsed, reparsed.Segments[reparsed.XMPIndex()], outSrc)
	require.NoError(t, err)
	guid, ok := ExtendedGUID(main)
	require.True(t, ok)
	assert.Equal(t, GUIDFor(packet), guid)
}

const testGUID = "0123456789ABCDEF0123456789ABCDEF"

func extendedJPEG(mainGUID string, parts ...[]byte) []byte {
	main := xmpMarker([]byte(`<x:xmpmeta><xmpNote:HasExtendedXMP>` + mainGUID + `</xmpNote:HasExtendedXMP></x:xmpmeta>`))
	return baseJPEG(concat(main, concat(parts...)))
}

func TestExtendedXMPAssembledByDeclaredOffset(t *testing.T) {
	ext := []byte(strings.Repeat("abcdefghij", 10))
	data := extendedJPEG(testGUID,
		extMarker(testGUID, 100, 60, ext[60:]),
		extMarker(testGUID, 100, 0, ext[:30]),
		extMarker(testGUID, 100, 30, ext[30:60]),
	)
	s, src := parse(t, data)

	seg, _ := s.XMP()
	require.Len(t, seg.Extended.Parts, 3)
	assert.Equal(t, uint32(0), seg.Extended.Parts[0].Offset)
	assert.Equal(t, uint32(60), seg.Extended.Parts[2].Offset)

	got, err := New().ReadXMP(s, src)
	require.NoError(t, err)
	assert.Equal(t, ext, got)
}

func TestExtendedXMPRejectsInconsistentParts(t *testing.T) {
	ext := []byte(strings.Repeat("0123456789", 4))
	other := "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"guid mismatch", extendedJPEG(testGUID,
			extMarker(testGUID, 40, 0, ext[:20]),
			extMarker(other, 40, 20, ext[20:])), errors.ErrInvalidFormat},
		{"total mismatch", extendedJPEG(testGUID,
			extMarker(testGUID, 40, 0, ext[:20]),
			extMarker(testGUID, 41, 20, ext[20:])), errors.ErrInvalidFormat},
		{"main packet points elsewhere", extendedJPEG(other,
			extMarker(testGUID, 40, 0, ext[:20]),
			extMarker(testGUID, 40, 20, ext[20:])), errors.ErrInvalidFormat},
		{"gap", extendedJPEG(testGUID,
			extMarker(testGUID, 40, 0, ext[:10]),
			extMarker(testGUID, 40, 20, ext[20:])), errors.ErrInvalidFormat},
		{"short of total", extendedJPEG(testGUID,
			extMarker(testGUID, 50, 0, ext[:20]),
			extMarker(testGUID, 50, 20, ext[20:])), errors.ErrInvalidFormat},
		{"declared total over ceiling", extendedJPEG(testGUID,
			extMarker(testGUID, uint32(segment.MaxSegmentSize+1), 0, ext)), errors.ErrSizeLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, src := parse(t, tt.data)
			_, err := New().ReadXMP(s, src)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestExtendedWithoutMainPacketIsOther(t *testing.T) {
	data := baseJPEG(extMarker(testGUID, 3, 0, []byte("abc")))
	s, _ := parse(t, data)
	assert.False(t, s.Has(segment.KindXMP))
	assert.Equal(t, "APP1", s.Segments[2].Label)
}

func richJPEG() []byte {
	ext := []byte(strings.Repeat("extended-", 20))
	payload := manifest(50)
	return baseJPEG(
		marker(APP1, []byte("Exif\x00\x00II*\x00")),
		xmpMarker([]byte(`<x:xmpmeta><xmpNote:HasExtendedXMP>`+testGUID+`</xmpNote:HasExtendedXMP></x:xmpmeta>`)),
		xtMarker(1, payload, payload[:25]),
		xtMarker(2, payload, payload[25:]),
		marker(COM, []byte("comment")),
		extMarker(testGUID, uint32(len(ext)), 90, ext[90:]),
		extMarker(testGUID, uint32(len(ext)), 0, ext[:90]),
	)
}

func TestKeepAllRoundTrip(t *testing.T) {
	s, src := parse(t, richJPEG())
	h := New()

	wantXMP, err := h.ReadXMP(s, src)
	require.NoError(t, err)
	wantJUMBF, err := h.ReadJUMBF(s, src)
	require.NoError(t, err)

	calc, err := h.CalculateDestination(s, segment.KeepAll())
	require.NoError(t, err)
	dest, out := write(t, s, src, segment.KeepAll())
	assert.Equal(t, calc.TotalSize, dest.TotalSize)
	assert.Equal(t, labels(calc), labels(dest))

	reparsed, outSrc := parse(t, out)
	gotXMP, err := h.ReadXMP(reparsed, outSrc)
	require.NoError(t, err)
	assert.Equal(t, wantXMP, gotXMP)
	gotJUMBF, err := h.ReadJUMBF(reparsed, outSrc)
	require.NoError(t, err)
	assert.Equal(t, wantJUMBF, gotJUMBF)

	for i, seg := range dest.Segments {
		assert.Equal(t, seg.Ranges, reparsed.Segments[i].Ranges, "segment %d (%s)", i, seg.Label)
	}

	exif, _ := reparsed.Exif()
	exifData, err := reparsed.Load(exif, outSrc)
	require.NoError(t, err)
	assert.Equal(t, "II*\x00", string(exifData))
}

func TestRemoveAll(t *testing.T) {
	s, src := parse(t, richJPEG())
	_, out := write(t, s, src, segment.RemoveAll())

	reparsed, _ := parse(t, out)
	assert.False(t, reparsed.Has(segment.KindXMP))
	assert.False(t, reparsed.Has(segment.KindJUMBF))
	assert.True(t, reparsed.Has(segment.KindExif))
}

func TestSetReplacesInPlace(t *testing.T) {
	s, src := parse(t, richJPEG())
	payload := manifest(100)
	_, out := write(t, s, src, segment.KeepAll().SetXMP([]byte("<new/>")).SetJUMBF(payload))

	reparsed, outSrc := parse(t, out)
	assert.Equal(t, []string{
		"other:SOI", "other:APP0", "exif:APP1", "xmp:APP1", "jumbf:APP11", "other:COM",
		"other:DQT", "other:SOF0", "image_data:SOS", "other:EOI",
	}, labels(reparsed))

	xmp, err := New().ReadXMP(reparsed, outSrc)
	require.NoError(t, err)
	assert.Equal(t, "<new/>", string(xmp))
}

func TestNewMetadataInsertedBeforeTables(t *testing.T) {
	s, src := parse(t, baseJPEG())
	_, out := write(t, s, src, segment.KeepAll().SetXMP([]byte("<x/>")).SetJUMBF(manifest(16)))

	reparsed, _ := parse(t, out)
	assert.Equal(t, []string{
		"other:SOI", "other:APP0", "xmp:APP1", "jumbf:APP11", "other:DQT", "other:SOF0", "image_data:SOS", "other:EOI",
	}, labels(reparsed))
}

func digestOf(data []byte, ranges []segment.ByteRange) digest.Digest {
	d := digest.SHA256.Digester()
	for _, r := range ranges {
		d.Hash().Write(data[r.Offset : r.Offset+r.Size])
	}
	return d.Digest()
}

func TestHashExclusion(t *testing.T) {
	for _, mode := range []segment.ExclusionMode{segment.ExcludeFull, segment.ExcludeDataOnly} {
		t.Run(mode.String(), func(t *testing.T) {
			s, src := parse(t, richJPEG())
			u := segment.KeepAll().SetJUMBF(manifest(FirstManifestCapacity+100)).
				ExcludeFromProcessing([]segment.Kind{segment.KindJUMBF}, mode)

			d := digest.SHA256.Digester()
			out := storage.NewBuffer(nil)
			dest, err := New().WriteWithProcessor(s, src, out, u, func(p []byte) { d.Hash().Write(p) })
			require.NoError(t, err)

			data := out.Bytes()
			assert.Equal(t, digestOf(data, dest.HashableRanges([]segment.Kind{segment.KindJUMBF}, mode)), d.Digest())

			reparsed, _ := parse(t, data)
			assert.Equal(t, digestOf(data, reparsed.HashableRanges([]segment.Kind{segment.KindJUMBF}, mode)), d.Digest())

			if mode == segment.ExcludeDataOnly {
				full := digestOf(data, dest.HashableRanges([]segment.Kind{segment.KindJUMBF}, segment.ExcludeFull))
				assert.NotEqual(t, full, d.Digest(), "marker headers must be hashed in data-only mode")
			}
		})
	}
}

func TestBoxOffsetHashingUnsupported(t *testing.T) {
	s, src := parse(t, baseJPEG())
	_, err := New().Write(s, src, &bytes.Buffer{}, segment.KeepAll().WithHashMode(segment.HashBoxOffsets))
	assert.True(t, stderrors.Is(err, errors.ErrHashModeUnsupported))
	assert.False(t, New().SupportsHashMode(segment.HashBoxOffsets, false))
	assert.True(t, New().SupportsHashMode(segment.HashLiteral, true))
}

func TestDetect(t *testing.T) {
	assert.True(t, New().Detect([]byte{0xFF, 0xD8, 0xFF, 0xE0}))
	assert.False(t, New().Detect([]byte{0xFF, 0xD8}))
	assert.False(t, New().Detect([]byte("\x89PNG")))
}

func TestRepairContinuations(t *testing.T) {
	s, src := parse(t, baseJPEG())
	original := manifest(FirstManifestCapacity + 100)
	dest, out := write(t, s, src, segment.WithJUMBF(original))

	seg, ok := dest.JUMBF()
	require.True(t, ok)
	require.Len(t, seg.Ranges, 2)

	// Overwrite the payload in place with a manifest of a different declared
	// length, as an in-place patch does, then fix the continuation header.
	replacement := manifest(len(original))
	binary.BigEndian.PutUint32(replacement[0:4], uint32(len(original)-1))
	rest := replacement
	for _, r := range seg.Ranges {
		copy(out[r.Offset:r.Offset+r.Size], rest[:r.Size])
		rest = rest[r.Size:]
	}
	buf := storage.NewBuffer(out)
	require.NoError(t, RepairContinuations(buf, seg, replacement))

	cont := seg.Ranges[1]
	assert.Equal(t, replacement[:8], buf.Bytes()[cont.Offset-8:cont.Offset])

	reparsed, err := New().Parse(storage.NewBuffer(buf.Bytes()))
	require.NoError(t, err)
	got, err := New().ReadJUMBF(reparsed, storage.NewBuffer(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, replacement, got)
}

func TestRepairContinuationsSingleMarkerIsNoop(t *testing.T) {
	s, src := parse(t, baseJPEG())
	dest, out := write(t, s, src, segment.WithJUMBF(manifest(64)))
	seg, ok := dest.JUMBF()
	require.True(t, ok)

	buf := storage.NewBuffer(bytes.Clone(out))
	require.NoError(t, RepairContinuations(buf, seg, manifest(32)))
	assert.Equal(t, out, buf.Bytes())
}
