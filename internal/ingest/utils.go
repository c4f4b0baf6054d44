package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/docparse/constants"
)

// AllowedExt checks if a file extension maps to a type the OCR service accepts.
func AllowedExt(ext string) bool {
	return constants.MimeTypeFromExt(ext) != ""
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return base != "." && strings.HasPrefix(base, ".")
}
