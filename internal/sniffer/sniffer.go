package sniffer

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// PrefixLen is the maximum number of leading bytes inspected by Detect.
const PrefixLen = 1024

// Kind is the semantic category of a file's content.
type Kind string

const (
	KindUnrecognized Kind = "unrecognized"
	KindImage        Kind = "image"
	KindPDF          Kind = "pdf"
	KindVideo        Kind = "video"
)

// Kinds lists every kind a backend can serve.
var Kinds = []Kind{KindImage, KindPDF, KindVideo}

// ParseKind converts a config or request value into a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindImage, KindPDF, KindVideo:
		return Kind(s), true
	default:
		return KindUnrecognized, false
	}
}

// Signature describes the container that matched.
type Signature struct {
	Kind   Kind
	Format string
	MIME   string
}

var unrecognized = Signature{Kind: KindUnrecognized, MIME: "application/octet-stream"}

// Classify returns the kind of b based on its content only.
func Classify(b []byte) Kind {
	return Detect(b).Kind
}

// Detect matches the leading bytes of b against known magic signatures.
func Detect(b []byte) Signature {
	if len(b) > PrefixLen {
		b = b[:PrefixLen]
	}
	if sig, ok := detectImage(b); ok {
		return sig
	}
	if sig, ok := detectVideo(b); ok {
		return sig
	}
	// PDF readers accept a header anywhere in the first kilobyte.
	if bytes.Contains(b, []byte("%PDF-")) {
		return Signature{Kind: KindPDF, Format: "pdf", MIME: "application/pdf"}
	}
	return unrecognized
}

func detectImage(b []byte) (Signature, bool) {
	switch {
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}):
		return Signature{Kind: KindImage, Format: "jpeg", MIME: "image/jpeg"}, true
	case bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")):
		return Signature{Kind: KindImage, Format: "png", MIME: "image/png"}, true
	case bytes.HasPrefix(b, []byte("GIF87a")), bytes.HasPrefix(b, []byte("GIF89a")):
		return Signature{Kind: KindImage, Format: "gif", MIME: "image/gif"}, true
	case riff(b, "WEBP"):
		return Signature{Kind: KindImage, Format: "webp", MIME: "image/webp"}, true
	case bytes.HasPrefix(b, []byte("II*\x00")), bytes.HasPrefix(b, []byte("MM\x00*")):
		return Signature{Kind: KindImage, Format: "tiff", MIME: "image/tiff"}, true
	case isBMP(b):
		return Signature{Kind: KindImage, Format: "bmp", MIME: "image/bmp"}, true
	}
	return Signature{}, false
}

func detectVideo(b []byte) (Signature, bool) {
	switch {
	case len(b) >= 12 && string(b[4:8]) == "ftyp":
		return isoBMFF(b)
	case bytes.HasPrefix(b, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		if bytes.Contains(b, []byte("webm")) {
			return Signature{Kind: KindVideo, Format: "webm", MIME: "video/webm"}, true
		}
		return Signature{Kind: KindVideo, Format: "mkv", MIME: "video/x-matroska"}, true
	case riff(b, "AVI "):
		return Signature{Kind: KindVideo, Format: "avi", MIME: "video/x-msvideo"}, true
	case bytes.HasPrefix(b, []byte{0x00, 0x00, 0x01, 0xBA}):
		return Signature{Kind: KindVideo, Format: "mpeg", MIME: "video/mpeg"}, true
	case len(b) > 188 && b[0] == 0x47 && b[188] == 0x47:
		return Signature{Kind: KindVideo, Format: "ts", MIME: "video/mp2t"}, true
	case bytes.HasPrefix(b, []byte("FLV\x01")):
		return Signature{Kind: KindVideo, Format: "flv", MIME: "video/x-flv"}, true
	case bytes.HasPrefix(b, []byte{0x30, 0x26, 0xB2, 0x75, 0x8E, 0x66, 0xCF, 0x11}):
		return Signature{Kind: KindVideo, Format: "wmv", MIME: "video/x-ms-asf"}, true
	}
	return Signature{}, false
}

// isoBMFF inspects the major brand of an ftyp box. Still-image brands share
// the container but are not video.
func isoBMFF(b []byte) (Signature, bool) {
	brand := string(b[8:12])
	switch brand {
	case "heic", "heix", "heim", "heis", "hevc", "hevx", "mif1", "msf1", "avif", "avis":
		return Signature{}, false
	case "qt  ":
		return Signature{Kind: KindVideo, Format: "mov", MIME: "video/quicktime"}, true
	case "M4V ", "M4VH", "M4VP":
		return Signature{Kind: KindVideo, Format: "m4v", MIME: "video/x-m4v"}, true
	case "M4A ", "M4B ", "M4P ":
		return Signature{}, false
	}
	if strings.HasPrefix(brand, "3gp") || strings.HasPrefix(brand, "3g2") {
		return Signature{Kind: KindVideo, Format: "3gp", MIME: "video/3gpp"}, true
	}
	return Signature{Kind: KindVideo, Format: "mp4", MIME: "video/mp4"}, true
}

func riff(b []byte, form string) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == form
}

// isBMP requires the DIB header size to be one of the documented variants;
// "BM" alone is too weak a signature.
func isBMP(b []byte) bool {
	if len(b) < 18 || b[0] != 'B' || b[1] != 'M' {
		return false
	}
	switch binary.LittleEndian.Uint32(b[14:18]) {
	case 12, 40, 52, 56, 64, 108, 124:
		return true
	}
	return false
}
