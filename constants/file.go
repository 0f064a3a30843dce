package constants

import (
	"path/filepath"
	"strings"
)

// AllowedExtensions holds the document extensions accepted for extraction.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// PDFMagic prefixes every well-formed PDF document.
const PDFMagic = "%PDF-"

// DefaultMaxUploadMB caps the size of a single submitted document.
const DefaultMaxUploadMB = 25

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedDocument reports whether filename carries an accepted extension.
func IsAllowedDocument(filename string) bool {
	_, ok := AllowedExtensions[NormalizeExt(filepath.Ext(filename))]
	return ok
}
