package constants

import (
	"mime"
	"strings"
)

// DefaultMimeType is used for URL-sourced jobs until the worker has fetched the file.
const DefaultMimeType = "application/octet-stream"

// AllowedMimeTypes holds the upload types the OCR service accepts.
var AllowedMimeTypes = map[string]struct{}{
	"application/pdf": {},
	"image/png":       {},
	"image/jpeg":      {},
	"image/webp":      {},
	"image/tiff":      {},
	"image/bmp":       {},
}

// extToMime covers the extensions we see when a server answers with a generic content type.
var extToMime = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"bmp":  "image/bmp",
}

// OCR file types understood by the layout-parsing service.
const (
	OCRFileTypePDF   = 0
	OCRFileTypeImage = 1
)

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeMimeType strips parameters (charset etc.) and lowercases.
func NormalizeMimeType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(v)
	}
	return mt
}

// MimeTypeFromExt maps a file extension to a supported MIME type, or "".
func MimeTypeFromExt(ext string) string {
	return extToMime[NormalizeExt(ext)]
}

// IsAllowedMimeType reports whether the OCR service can take this type.
func IsAllowedMimeType(v string) bool {
	_, ok := AllowedMimeTypes[NormalizeMimeType(v)]
	return ok
}

// OCRFileType maps a MIME type to the layout-parsing fileType flag.
func OCRFileType(mimeType string) (int, bool) {
	mt := NormalizeMimeType(mimeType)
	switch {
	case mt == "application/pdf":
		return OCRFileTypePDF, true
	case strings.HasPrefix(mt, "image/"):
		return OCRFileTypeImage, true
	default:
		return 0, false
	}
}
