package constants

import (
	"bytes"
	"net/http"
	"strings"
)

const (
	PDF   = "PDF"
	IMAGE = "IMAGE"
)

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEHEIC = "image/heic"
	MIMEHEIF = "image/heif"
	MIMEPDF  = "application/pdf"
)

// DefaultMaxUploadBytes mirrors the 10 MiB upload cap.
const DefaultMaxUploadBytes int64 = 10 << 20

// DefaultAllowedMIME is the upload allow-list used when none is configured.
var DefaultAllowedMIME = []string{MIMEJPEG, MIMEPNG, MIMEHEIC, MIMEHEIF, MIMEPDF}

// AllowedExtensions holds the file extensions picked up by batch ingestion.
var AllowedExtensions = map[string]string{
	"pdf":  MIMEPDF,
	"jpg":  MIMEJPEG,
	"jpeg": MIMEJPEG,
	"png":  MIMEPNG,
	"heic": MIMEHEIC,
	"heif": MIMEHEIF,
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MIMEForExt returns the MIME type for an allowed extension.
func MIMEForExt(ext string) (string, bool) {
	m, ok := AllowedExtensions[NormalizeExt(ext)]
	return m, ok
}

// NormalizeMIME strips parameters and lowercases a declared content type.
func NormalizeMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	m = strings.ToLower(strings.TrimSpace(m))
	if m == "image/jpg" || m == "image/pjpeg" {
		return MIMEJPEG
	}
	return m
}

// MapMIMEToFormat returns PDF or IMAGE.
func MapMIMEToFormat(m string) string {
	switch NormalizeMIME(m) {
	case MIMEPDF:
		return PDF
	case MIMEJPEG, MIMEPNG, MIMEHEIC, MIMEHEIF:
		return IMAGE
	default:
		return ""
	}
}

// IsHEIC checks the ISO-BMFF ftyp brand at offset 4.
func IsHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "hevc", "mif1", "msf1":
		return true
	}
	return false
}

// SniffMIME detects the content type from the leading bytes.
func SniffMIME(data []byte) string {
	if IsHEIC(data) {
		return MIMEHEIC
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return MIMEPDF
	}
	return NormalizeMIME(http.DetectContentType(data))
}

// SameFamily reports whether a declared type and a sniffed type describe the
// same format. HEIC and HEIF share one container.
func SameFamily(declared, sniffed string) bool {
	declared, sniffed = NormalizeMIME(declared), NormalizeMIME(sniffed)
	if declared == sniffed {
		return true
	}
	heif := func(m string) bool { return m == MIMEHEIC || m == MIMEHEIF }
	return heif(declared) && heif(sniffed)
}
