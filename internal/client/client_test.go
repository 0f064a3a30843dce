package client_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/async"
	"github.com/joseph-ayodele/bill-extractor/internal/blob"
	"github.com/joseph-ayodele/bill-extractor/internal/client"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/core"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/export"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
	"github.com/joseph-ayodele/bill-extractor/internal/repository"
	"github.com/joseph-ayodele/bill-extractor/internal/server"
	"github.com/joseph-ayodele/bill-extractor/internal/testutil"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := testutil.Logger()
	store := repository.NewTaskStore(testutil.SQLiteDB(t), constants.PolicyAnySuccess, logger)
	blobs, err := blob.NewFSStore(t.TempDir(), logger)
	require.NoError(t, err)

	ex := extract.ExtractorFunc(func(ctx context.Context, doc entity.Document) (json.RawMessage, error) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"provider":"Gas Co"}`), nil
	})
	pool := async.NewWorkerPool(store, blobs, ex, logger, async.WithWorkers(2))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	m := core.NewManager(logger, store, blobs, pool, 0)
	h := server.NewHTTPHandler(m, export.NewService(m, logger), nil, 0, logger)

	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_SubmitPollResults(t *testing.T) {
	ctx := context.Background()
	c := client.New(newServer(t).URL, 5*time.Second, testutil.Logger())

	sub, err := c.Submit(ctx, []entity.Document{
		{Filename: "/tmp/bills/jan.pdf", Content: []byte("%PDF-1.4 jan")},
		{Filename: "feb.pdf", Content: []byte("%PDF-1.4 feb")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sub.TotalFiles)

	var seen []int
	task, err := c.Poll(ctx, sub.TaskID, 10*time.Millisecond, func(st *entity.Task) {
		seen = append(seen, st.ProcessedFiles)
	})
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusCompleted, task.Status)
	assert.IsNonDecreasing(t, seen)

	res, err := c.Results(ctx, sub.TaskID)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "jan.pdf", res.Results[0].Filename)
	assert.JSONEq(t, `{"provider":"Gas Co"}`, string(res.Results[0].ExtractedData))

	xlsx, err := c.Export(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.NotEmpty(t, xlsx)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	c := client.New(newServer(t).URL, 5*time.Second, testutil.Logger())

	_, err := c.Submit(ctx, []entity.Document{{Filename: "notes.txt", Content: []byte("x")}})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = c.Status(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = c.Poll(ctx, "missing", time.Millisecond, nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
