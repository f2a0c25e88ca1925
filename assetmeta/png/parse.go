package png

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

const (
	signature = "\x89PNG\r\n\x1a\n"

	// maxChunkLength is the largest length field PNG allows.
	maxChunkLength = 0x7FFFFFFF

	chunkHeaderSize = 8
	crcSize         = 4

	xmpKeyword = "XML:com.adobe.xmp"

	// maxTextHeader bounds the iTXt keyword, flags, language tag and
	// translated keyword read while classifying a chunk.
	maxTextHeader = 1024
)

const (
	typeIHDR = "IHDR"
	typeIDAT = "IDAT"
	typeIEND = "IEND"
	typeITXt = "iTXt"
	typeCaBX = "caBX"
	typeEXIf = "eXIf"
)

// metadataChunk reports whether every chunk of a type carries a payload this
// package extracts. Those payloads are bounded by the allocation ceiling;
// iTXt chunks are only bounded once the XMP keyword is seen.
func metadataChunk(typ string) bool {
	return typ == typeCaBX || typ == typeEXIf
}

// Parse walks the chunk stream up to IEND. Chunk data is only read to
// classify iTXt chunks.
func (h *Handler) Parse(r io.ReadSeeker) (*segment.Structure, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.IO(err)
	}
	fileSize := uint64(size)

	sig := make([]byte, len(signature))
	if err := readAt(r, 0, sig); err != nil || string(sig) != signature {
		return nil, errors.InvalidFormat("not a PNG file")
	}

	s := segment.NewStructure(segment.ContainerPNG, segment.MediaPNG)
	sigRange := segment.ByteRange{Offset: 0, Size: uint64(len(signature))}
	s.Add(segment.New(segment.KindOther, "Signature", sigRange, sigRange))

	offset := uint64(len(signature))
	for {
		if offset == fileSize {
			return nil, errors.InvalidFormat("missing IEND chunk")
		}
		if offset+chunkHeaderSize > fileSize {
			return nil, errors.InvalidFormat("truncated chunk header at offset %d", offset)
		}

		var hdr [chunkHeaderSize]byte
		if err := readAt(r, offset, hdr[:]); err != nil {
			return nil, errors.IO(err)
		}
		length := uint64(binary.BigEndian.Uint32(hdr[0:4]))
		typ := string(hdr[4:8])

		if length > maxChunkLength {
			return nil, errors.InvalidFormat("%s chunk at offset %d declares length %d", typ, offset, length)
		}
		if metadataChunk(typ) && length > segment.MaxSegmentSize {
			return nil, errors.SizeLimit(length, segment.MaxSegmentSize)
		}
		end := offset + chunkHeaderSize + length + crcSize
		if end > fileSize {
			return nil, errors.InvalidFormat("%s chunk at offset %d runs past end of file", typ, offset)
		}

		frame := segment.ByteRange{Offset: offset, Size: end - offset}
		data := segment.ByteRange{Offset: offset + chunkHeaderSize, Size: length}

		switch typ {
		case typeIEND:
			s.Add(segment.New(segment.KindOther, typ, frame, frame))
			s.TotalSize = end
			logger.Debug("png: parsed %d chunks, %d bytes", len(s.Segments), s.TotalSize)
			return s, nil
		case typeIDAT:
			s.Add(chunkSegment(segment.KindImageData, typ, frame, data))
		case typeCaBX:
			s.Add(chunkSegment(segment.KindJUMBF, typ, frame, data))
		case typeEXIf:
			s.Add(chunkSegment(segment.KindExif, typ, frame, data))
		case typeITXt:
			seg, err := textChunk(r, frame, data)
			if err != nil {
				return nil, err
			}
			s.Add(seg)
		default:
			s.Add(segment.New(segment.KindOther, typ, frame, frame))
		}
		offset = end
	}
}

// chunkSegment is a chunk whose payload is its data field, followed by the CRC.
func chunkSegment(kind segment.Kind, label string, frame, data segment.ByteRange) *segment.Segment {
	seg := segment.New(kind, label, frame, data)
	seg.Checksum = crcSize
	return seg
}

// textChunk classifies an iTXt chunk. The XMP packet is the text field after
// the keyword, compression flag and method, language tag and translated keyword.
func textChunk(r io.ReadSeeker, frame, data segment.ByteRange) (*segment.Segment, error) {
	head := make([]byte, min(data.Size, maxTextHeader))
	if err := readAt(r, data.Offset, head); err != nil {
		return nil, errors.IO(err)
	}
	if !bytes.HasPrefix(head, []byte(xmpKeyword+"\x00")) {
		return segment.New(segment.KindOther, typeITXt, frame, frame), nil
	}
	if data.Size > segment.MaxSegmentSize {
		return nil, errors.SizeLimit(data.Size, segment.MaxSegmentSize)
	}

	pos := len(xmpKeyword) + 1
	if len(head) < pos+2 {
		return nil, errors.InvalidFormat("iTXt XMP chunk at offset %d truncated", frame.Offset)
	}
	compressed := head[pos] == 1
	pos += 2
	for field := 0; field < 2; field++ {
		nul := bytes.IndexByte(head[pos:], 0)
		if nul < 0 {
			return nil, errors.InvalidFormat("iTXt XMP chunk at offset %d has an unterminated header", frame.Offset)
		}
		pos += nul + 1
	}

	seg := chunkSegment(segment.KindXMP, typeITXt, frame, segment.ByteRange{
		Offset: data.Offset + uint64(pos),
		Size:   data.Size - uint64(pos),
	})
	seg.Compressed = compressed
	return seg, nil
}

func readAt(r io.ReadSeeker, offset uint64, buf []byte) error {
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(r, buf)
	return err
}
