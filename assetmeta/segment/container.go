package segment

import "strings"

// Container is the container family handled by one engine.
type Container int

const (
	ContainerUnknown Container = iota
	ContainerJPEG
	ContainerPNG
	ContainerBMFF
)

func (c Container) String() string {
	switch c {
	case ContainerJPEG:
		return "jpeg"
	case ContainerPNG:
		return "png"
	case ContainerBMFF:
		return "bmff"
	}
	return "unknown"
}

// MarshalText prints the family name in json/yaml output.
func (c Container) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// MediaType is the specific media type detected inside a container family.
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaJPEG
	MediaPNG
	MediaHEIC
	MediaHEIF
	MediaAVIF
	MediaMP4Video
	MediaMP4Audio
	MediaQuickTime
)

type mediaInfo struct {
	name       string
	mime       string
	container  Container
	extensions []string
}

var mediaTable = map[MediaType]mediaInfo{
	MediaJPEG:      {"jpeg", "image/jpeg", ContainerJPEG, []string{"jpg", "jpeg"}},
	MediaPNG:       {"png", "image/png", ContainerPNG, []string{"png"}},
	MediaHEIC:      {"heic", "image/heic", ContainerBMFF, []string{"heic"}},
	MediaHEIF:      {"heif", "image/heif", ContainerBMFF, []string{"heif"}},
	MediaAVIF:      {"avif", "image/avif", ContainerBMFF, []string{"avif"}},
	MediaMP4Video:  {"mp4", "video/mp4", ContainerBMFF, []string{"mp4", "m4v"}},
	MediaMP4Audio:  {"m4a", "audio/mp4", ContainerBMFF, []string{"m4a", "m4b"}},
	MediaQuickTime: {"quicktime", "video/quicktime", ContainerBMFF, []string{"mov", "qt"}},
}

func (m MediaType) String() string {
	if info, ok := mediaTable[m]; ok {
		return info.name
	}
	return "unknown"
}

// MarshalText prints the media type name in json/yaml output.
func (m MediaType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// MIME returns the media type's MIME string.
func (m MediaType) MIME() string {
	return mediaTable[m].mime
}

// Container returns the family the media type belongs to.
func (m MediaType) Container() Container {
	return mediaTable[m].container
}

// Extensions lists file extensions without the leading dot.
func (m MediaType) Extensions() []string {
	return mediaTable[m].extensions
}

// MediaTypes returns every known media type of a container family.
func MediaTypes(c Container) []MediaType {
	var out []MediaType
	for mt := MediaJPEG; mt <= MediaQuickTime; mt++ {
		if mediaTable[mt].container == c {
			out = append(out, mt)
		}
	}
	return out
}

// MediaTypeForExtension looks up a media type by file extension, with or without a dot.
func MediaTypeForExtension(ext string) (MediaType, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for mt := MediaJPEG; mt <= MediaQuickTime; mt++ {
		for _, e := range mediaTable[mt].extensions {
			if e == ext {
				return mt, true
			}
		}
	}
	return MediaUnknown, false
}

// MediaTypeForMIME looks up a media type by MIME string.
func MediaTypeForMIME(mime string) (MediaType, bool) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	for mt := MediaJPEG; mt <= MediaQuickTime; mt++ {
		if mediaTable[mt].mime == mime {
			return mt, true
		}
	}
	switch mime {
	case "image/jpg", "image/pjpeg":
		return MediaJPEG, true
	case "image/heic-sequence":
		return MediaHEIC, true
	case "image/heif-sequence":
		return MediaHEIF, true
	case "audio/x-m4a":
		return MediaMP4Audio, true
	}
	return MediaUnknown, false
}
