package jpeg

import "fmt"

// Marker is the second byte of a JPEG marker.
type Marker byte

const (
	TEM   Marker = 0x01
	SOF0  Marker = 0xC0 // SOFn = SOF0+n, n = 0-15 excluding 4, 8 and 12
	DHT   Marker = 0xC4
	JPG   Marker = 0xC8
	DAC   Marker = 0xCC
	RST0  Marker = 0xD0 // RSTn = RST0+n, n = 0-7
	RST7  Marker = 0xD7
	SOI   Marker = 0xD8
	EOI   Marker = 0xD9
	SOS   Marker = 0xDA
	DQT   Marker = 0xDB
	DRI   Marker = 0xDD
	APP0  Marker = 0xE0 // APPn = APP0+n, n = 0-15
	APP1  Marker = 0xE1
	APP11 Marker = 0xEB
	COM   Marker = 0xFE
)

var markerNames [256]string

func init() {
	for i := 0; i < 256; i++ {
		markerNames[i] = fmt.Sprintf("RES%.2X", i)
	}
	markerNames[TEM] = "TEM"
	markerNames[DHT] = "DHT"
	markerNames[JPG] = "JPG"
	markerNames[DAC] = "DAC"
	markerNames[SOI] = "SOI"
	markerNames[EOI] = "EOI"
	markerNames[SOS] = "SOS"
	markerNames[DQT] = "DQT"
	markerNames[0xDC] = "DNL"
	markerNames[DRI] = "DRI"
	markerNames[0xDE] = "DHP"
	markerNames[0xDF] = "EXP"
	markerNames[COM] = "COM"
	for m := SOF0; m <= SOF0+0xF; m++ {
		if m == DHT || m == JPG || m == DAC {
			continue
		}
		markerNames[m] = fmt.Sprintf("SOF%d", m-SOF0)
	}
	for m := RST0; m <= RST7; m++ {
		markerNames[m] = fmt.Sprintf("RST%d", m-RST0)
	}
	for m := APP0; m <= APP0+0xF; m++ {
		markerNames[m] = fmt.Sprintf("APP%d", m-APP0)
	}
	for m := 0xF0; m <= 0xFD; m++ {
		markerNames[m] = fmt.Sprintf("JPG%d", m-0xF0)
	}
}

// Name returns the conventional name of a marker.
func (m Marker) Name() string {
	return markerNames[m]
}

// standalone markers carry no length field.
func (m Marker) standalone() bool {
	return m == TEM || m == SOI || (m >= RST0 && m <= RST7)
}

// setupLabel reports whether a segment label names a frame-setup marker
// (tables, restart interval or start-of-frame). New metadata is inserted
// before the first of these.
func setupLabel(label string) bool {
	switch label {
	case "DQT", "DHT", "DRI":
		return true
	}
	return len(label) > 3 && label[:3] == "SOF"
}

const (
	// maxMarkerPayload is the largest payload after the 2-byte length field.
	maxMarkerPayload = 65533

	xmpSignature         = "http://ns.adobe.com/xap/1.0/\x00"
	xmpExtendedSignature = "http://ns.adobe.com/xmp/extension/\x00"
	exifSignature        = "Exif\x00\x00"

	// extendedHeaderSize is signature + 32-byte GUID + u32 total + u32 offset.
	extendedHeaderSize = len(xmpExtendedSignature) + 32 + 4 + 4

	// mainXMPCapacity is the largest XMP packet that fits one APP1 marker.
	mainXMPCapacity = maxMarkerPayload - len(xmpSignature)
	// extendedChunkCapacity is the data carried by one extended XMP marker.
	extendedChunkCapacity = maxMarkerPayload - extendedHeaderSize

	// xtHeaderSize is the JPEG XT sub-header: "JP" + En + Z.
	xtHeaderSize = 8
	// boxHeaderRepeat is the manifest's LBox+TBox repeated in every continuation.
	boxHeaderRepeat = 8
	// FirstManifestCapacity is the manifest data carried by the first APP11 marker.
	FirstManifestCapacity = maxMarkerPayload - xtHeaderSize
	// ContinuationManifestCapacity is the manifest data carried by each later APP11 marker.
	ContinuationManifestCapacity = maxMarkerPayload - xtHeaderSize - boxHeaderRepeat

	xtCommonIdentifier = "JP"
	xtBoxInstance      = 0x0211
)
