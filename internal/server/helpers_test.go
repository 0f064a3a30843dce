package server_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/async"
	"github.com/joseph-ayodele/bill-extractor/internal/blob"
	"github.com/joseph-ayodele/bill-extractor/internal/core"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
	"github.com/joseph-ayodele/bill-extractor/internal/repository"
	"github.com/joseph-ayodele/bill-extractor/internal/testutil"
)

// newManager wires a manager over SQLite, a temp blob dir and a worker
// pool whose extractor echoes the filename, failing for names starting
// with "bad".
func newManager(t *testing.T) *core.Manager {
	t.Helper()
	logger := testutil.Logger()
	store := repository.NewTaskStore(testutil.SQLiteDB(t), constants.PolicyAnySuccess, logger)
	blobs, err := blob.NewFSStore(t.TempDir(), logger)
	require.NoError(t, err)

	ex := extract.ExtractorFunc(func(_ context.Context, doc entity.Document) (json.RawMessage, error) {
		if strings.HasPrefix(doc.Filename, "bad") {
			return nil, extract.Malformedf("no text layer")
		}
		b, _ := json.Marshal(map[string]string{"source_file": doc.Filename})
		return b, nil
	})
	pool := async.NewWorkerPool(store, blobs, ex, logger, async.WithWorkers(2), async.WithProcessTimeout(time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return core.NewManager(logger, store, blobs, pool, 1)
}
