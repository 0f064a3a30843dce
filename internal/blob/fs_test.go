package blob_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/bill-extractor/internal/blob"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/testutil"
)

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "uploads")
	store, err := blob.NewFSStore(dir, testutil.Logger())
	require.NoError(t, err)

	t.Run("put get delete", func(t *testing.T) {
		key := blob.NewKey("Bill March.PDF")
		assert.True(t, strings.HasSuffix(key, ".pdf"))

		require.NoError(t, store.Put(ctx, key, []byte("%PDF-1.4 body")))
		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "%PDF-1.4 body", string(got))

		require.NoError(t, store.Delete(ctx, key))
		_, err = store.Get(ctx, key)
		assert.ErrorIs(t, err, common.ErrNotFound)

		assert.NoError(t, store.Delete(ctx, key), "deleting a missing key is a no-op")
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, blob.NewKey("a.pdf"), []byte("x")))
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasPrefix(e.Name(), ".upload-"), e.Name())
		}
	})

	t.Run("rejects keys escaping the directory", func(t *testing.T) {
		for _, key := range []string{"", "..", "../etc/passwd", `a\b`} {
			err := store.Put(ctx, key, []byte("x"))
			assert.ErrorIs(t, err, common.ErrInvalidInput, key)
		}
	})
}
