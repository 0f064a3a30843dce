// Package blob stores submitted document bytes between submission and extraction.
package blob

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/bill-extractor/constants"
)

// Store holds document bytes under opaque keys. Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// NewKey returns a fresh random key keeping the document's extension.
func NewKey(filename string) string {
	ext := constants.NormalizeExt(filepath.Ext(filename))
	if ext == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "." + ext
}
