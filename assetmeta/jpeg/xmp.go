package jpeg

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

var hasExtendedXMP = regexp.MustCompile(`HasExtendedXMP(?:\s*=\s*["']|>)\s*([0-9A-Fa-f]{32})`)

// ExtendedGUID returns the GUID a main XMP packet points at through
// xmpNote:HasExtendedXMP, if any.
func ExtendedGUID(packet []byte) (string, bool) {
	m := hasExtendedXMP.FindSubmatch(packet)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

// GUIDFor is the extended XMP GUID of a packet: the upper-case hex MD5 digest.
func GUIDFor(packet []byte) string {
	sum := md5.Sum(packet)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// stubPacket is the main packet written when the full XMP does not fit one marker.
func stubPacket(guid string) []byte {
	return []byte(fmt.Sprintf(`<?xpacket begin="" id="W5M0MpCehiHzreSzNTczkc9d"?>
<x:xmpmeta xmlns:x="adobe:ns:meta/">
  <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
    <rdf:Description rdf:about=""
      xmlns:xmpNote="http://ns.adobe.com/xmp/note/">
      <xmpNote:HasExtendedXMP>%s</xmpNote:HasExtendedXMP>
    </rdf:Description>
  </rdf:RDF>
</x:xmpmeta>
<?xpacket end="w"?>`, guid))
}

// mainPacket loads only the main XMP packet of seg.
func mainPacket(s *segment.Structure, seg *segment.Segment, r io.ReadSeeker) ([]byte, error) {
	main := &segment.Segment{Kind: segment.KindXMP, Ranges: seg.Ranges[:1]}
	return s.Load(main, r)
}

// assembleExtended rebuilds the extended XMP packet of seg. Parts must share
// one GUID (matching the main packet's HasExtendedXMP when present), declare
// one total size and cover [0, total) without gaps or overlaps.
func assembleExtended(s *segment.Structure, seg *segment.Segment, r io.ReadSeeker) ([]byte, error) {
	ext := seg.Extended
	if ext == nil || len(ext.Parts) == 0 {
		return nil, errors.NotFound("extended XMP")
	}
	if len(ext.Parts) != len(seg.Ranges)-1 {
		return nil, errors.InvalidFormat("extended XMP has %d parts but %d ranges", len(ext.Parts), len(seg.Ranges)-1)
	}

	guid := ext.Parts[0].GUID
	total := ext.Parts[0].TotalSize
	for _, part := range ext.Parts[1:] {
		if part.GUID != guid {
			return nil, errors.InvalidFormat("extended XMP GUID mismatch: %s != %s", part.GUID, guid)
		}
		if part.TotalSize != total {
			return nil, errors.InvalidFormat("extended XMP total size mismatch: %d != %d", part.TotalSize, total)
		}
	}

	main, err := mainPacket(s, seg, r)
	if err != nil {
		return nil, err
	}
	if declared, ok := ExtendedGUID(main); ok && !strings.EqualFold(declared, guid) {
		return nil, errors.InvalidFormat("main XMP declares extended GUID %s, parts carry %s", declared, guid)
	}

	if uint64(total) > segment.MaxSegmentSize {
		return nil, errors.SizeLimit(uint64(total), segment.MaxSegmentSize)
	}

	var next uint64
	for i, part := range ext.Parts {
		rng := seg.Ranges[i+1]
		if uint64(part.Offset) != next {
			return nil, errors.InvalidFormat("extended XMP part at offset %d, expected %d", part.Offset, next)
		}
		next += rng.Size
		if next > uint64(total) {
			return nil, errors.InvalidFormat("extended XMP parts exceed declared total %d", total)
		}
	}
	if next != uint64(total) {
		return nil, errors.InvalidFormat("extended XMP parts cover %d of %d bytes", next, total)
	}

	full := &segment.Segment{Kind: segment.KindXMP, Ranges: seg.Ranges[1:]}
	data, err := s.Load(full, r)
	if err != nil {
		return nil, err
	}
	logger.Debug("jpeg: assembled %d bytes of extended XMP from %d parts", len(data), len(ext.Parts))
	return data, nil
}

// xmpChunk is one extended XMP marker's slice of the packet.
type xmpChunk struct {
	offset uint64
	size   uint64
}

// splitExtended chunks a packet of the given size into extended XMP markers.
func splitExtended(size uint64) []xmpChunk {
	var chunks []xmpChunk
	for off := uint64(0); off < size; off += uint64(extendedChunkCapacity) {
		chunks = append(chunks, xmpChunk{offset: off, size: min(uint64(extendedChunkCapacity), size-off)})
	}
	return chunks
}
