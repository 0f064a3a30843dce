package repository_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/repository"
	"github.com/joseph-ayodele/bill-extractor/internal/testutil"
)

func newFiles(names ...string) []entity.NewFile {
	files := make([]entity.NewFile, len(names))
	for i, n := range names {
		files[i] = entity.NewFile{Filename: n, DocumentKey: "key-" + n}
	}
	return files
}

func unit(task *entity.Task, filename string) entity.FileUnit {
	return entity.FileUnit{TaskID: task.ID, Filename: filename, DocumentKey: "key-" + filename}
}

// unitsOf keeps the units belonging to task; suites may share a database.
func unitsOf(task *entity.Task, units []entity.FileUnit) []entity.FileUnit {
	var out []entity.FileUnit
	for _, u := range units {
		if u.TaskID == task.ID {
			out = append(out, u)
		}
	}
	return out
}

func TestSQLiteTaskStore(t *testing.T) {
	newStore := func(t *testing.T, policy constants.CompletionPolicy) repository.TaskStore {
		return repository.NewTaskStore(testutil.SQLiteDB(t), policy, testutil.Logger())
	}
	runStoreSuite(t, func(t *testing.T) repository.TaskStore { return newStore(t, constants.PolicyAnySuccess) })

	t.Run("CreateTask rejects an empty batch", func(t *testing.T) {
		store := newStore(t, constants.PolicyAnySuccess)
		task, err := store.CreateTask(context.Background(), nil)
		assert.ErrorIs(t, err, common.ErrInvalidInput)
		assert.Nil(t, task)
	})

	t.Run("CreateTask rejects duplicate filenames", func(t *testing.T) {
		store := newStore(t, constants.PolicyAnySuccess)
		_, err := store.CreateTask(context.Background(), newFiles("a.pdf", "a.pdf"))
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})

	t.Run("unknown task returns NotFound", func(t *testing.T) {
		store := newStore(t, constants.PolicyAnySuccess)
		ctx := context.Background()

		_, err := store.GetTask(ctx, "does-not-exist")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = store.ListFileResults(ctx, "does-not-exist")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, _, err = store.RequestCancel(ctx, "does-not-exist")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = store.UpdateFileResult(ctx, entity.FileUpdate{TaskID: "does-not-exist", Filename: "a.pdf", Status: constants.FileStatusSuccess})
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("unknown file returns NotFound", func(t *testing.T) {
		store := newStore(t, constants.PolicyAnySuccess)
		ctx := context.Background()
		task, err := store.CreateTask(ctx, newFiles("a.pdf"))
		require.NoError(t, err)

		_, err = store.MarkProcessing(ctx, task.ID, "missing.pdf")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("all_success policy fails a partial batch", func(t *testing.T) {
		store := newStore(t, constants.PolicyAllSuccess)
		ctx := context.Background()
		task, err := store.CreateTask(ctx, newFiles("a.pdf", "b.pdf"))
		require.NoError(t, err)

		_, err = store.UpdateFileResult(ctx, entity.Succeeded(unit(task, "a.pdf"), json.RawMessage(`{}`)))
		require.NoError(t, err)
		got, err := store.UpdateFileResult(ctx, entity.Failed(unit(task, "b.pdf"), constants.ErrorKindAdapter, "boom"))
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusFailed, got.Status)
	})

	t.Run("UpdateFileResult rejects non-terminal status", func(t *testing.T) {
		store := newStore(t, constants.PolicyAnySuccess)
		ctx := context.Background()
		task, err := store.CreateTask(ctx, newFiles("a.pdf"))
		require.NoError(t, err)

		_, err = store.UpdateFileResult(ctx, entity.FileUpdate{TaskID: task.ID, Filename: "a.pdf", Status: constants.FileStatusProcessing})
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})
}

func TestPostgresTaskStore(t *testing.T) {
	db := testutil.PostgresDB(t)
	runStoreSuite(t, func(t *testing.T) repository.TaskStore {
		return repository.NewTaskStore(db, constants.PolicyAnySuccess, testutil.Logger())
	})
}

// runStoreSuite exercises behaviour every driver must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) repository.TaskStore) {
	t.Run("CreateTask persists task and files in submission order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		task, err := store.CreateTask(ctx, newFiles("c.pdf", "a.pdf", "b.pdf"))
		require.NoError(t, err)
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, constants.TaskStatusPending, task.Status)
		assert.Equal(t, 3, task.TotalFiles)

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusPending, stored.Status)
		assert.Equal(t, 3, stored.TotalFiles)
		assert.Equal(t, 0, stored.ProcessedFiles)
		assert.Nil(t, stored.ErrorMessage)

		results, err := store.ListFileResults(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, results, 3)
		for i, name := range []string{"c.pdf", "a.pdf", "b.pdf"} {
			assert.Equal(t, name, results[i].Filename)
			assert.Equal(t, constants.FileStatusPending, results[i].Status)
			assert.Equal(t, "key-"+name, results[i].DocumentKey)
			assert.Nil(t, results[i].ExtractedData)
		}
	})

	t.Run("file transitions drive task status", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		task, err := store.CreateTask(ctx, newFiles("a.pdf", "b.pdf"))
		require.NoError(t, err)

		started, err := store.MarkProcessing(ctx, task.ID, "a.pdf")
		require.NoError(t, err)
		assert.True(t, started)

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusProcessing, stored.Status)

		got, err := store.UpdateFileResult(ctx, entity.Succeeded(unit(task, "a.pdf"), json.RawMessage(`{"total":42}`)))
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusProcessing, got.Status)
		assert.Equal(t, 1, got.ProcessedFiles)

		got, err = store.UpdateFileResult(ctx, entity.Failed(unit(task, "b.pdf"), constants.ErrorKindTimeout, "extraction timed out"))
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusCompleted, got.Status)
		assert.Equal(t, 2, got.ProcessedFiles)
		assert.Equal(t, 1, got.FailedFiles)

		results, err := store.ListFileResults(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, constants.FileStatusSuccess, results[0].Status)
		assert.JSONEq(t, `{"total":42}`, string(results[0].ExtractedData))
		assert.Equal(t, 1, results[0].Attempts)
		assert.Equal(t, constants.FileStatusError, results[1].Status)
		require.NotNil(t, results[1].ErrorKind)
		assert.Equal(t, constants.ErrorKindTimeout, *results[1].ErrorKind)
		require.NotNil(t, results[1].ErrorMessage)
		assert.Equal(t, "extraction timed out", *results[1].ErrorMessage)
	})

	t.Run("terminal task never changes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		task, err := store.CreateTask(ctx, newFiles("a.pdf"))
		require.NoError(t, err)

		got, err := store.UpdateFileResult(ctx, entity.Failed(unit(task, "a.pdf"), constants.ErrorKindAdapter, "bad response"))
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusFailed, got.Status)
		assert.Equal(t, 1, got.ProcessedFiles)

		got, err = store.UpdateFileResult(ctx, entity.Succeeded(unit(task, "a.pdf"), json.RawMessage(`{}`)))
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusFailed, got.Status)

		started, err := store.MarkProcessing(ctx, task.ID, "a.pdf")
		require.NoError(t, err)
		assert.False(t, started)

		results, err := store.ListFileResults(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.FileStatusError, results[0].Status)
	})

	t.Run("concurrent updates keep counters exact", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const n = 12
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("doc-%02d.pdf", i)
		}
		task, err := store.CreateTask(ctx, newFiles(names...))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i, name := range names {
			wg.Add(1)
			go func(i int, name string) {
				defer wg.Done()
				if _, err := store.MarkProcessing(ctx, task.ID, name); err != nil {
					errs <- err
					return
				}
				upd := entity.Succeeded(unit(task, name), json.RawMessage(`{"ok":true}`))
				if i%3 == 0 {
					upd = entity.Failed(unit(task, name), constants.ErrorKindAdapter, "failed")
				}
				if _, err := store.UpdateFileResult(ctx, upd); err != nil {
					errs <- err
				}
			}(i, name)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusCompleted, stored.Status)
		assert.Equal(t, n, stored.ProcessedFiles)
		assert.Equal(t, 4, stored.FailedFiles)
	})

	t.Run("RequestCancel cancels pending files", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		task, err := store.CreateTask(ctx, newFiles("a.pdf", "b.pdf", "c.pdf"))
		require.NoError(t, err)

		started, err := store.MarkProcessing(ctx, task.ID, "a.pdf")
		require.NoError(t, err)
		require.True(t, started)

		got, keys, err := store.RequestCancel(ctx, task.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"key-b.pdf", "key-c.pdf"}, keys)
		assert.Equal(t, constants.TaskStatusProcessing, got.Status)
		assert.Equal(t, 2, got.ProcessedFiles)

		started, err = store.MarkProcessing(ctx, task.ID, "b.pdf")
		require.NoError(t, err)
		assert.False(t, started)

		got, err = store.UpdateFileResult(ctx, entity.Succeeded(unit(task, "a.pdf"), json.RawMessage(`{}`)))
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, constants.TaskCancelledMessage, *got.ErrorMessage)

		got, keys, err = store.RequestCancel(ctx, task.ID)
		require.NoError(t, err)
		assert.Empty(t, keys)
		assert.Equal(t, constants.TaskStatusFailed, got.Status)
	})

	t.Run("ResetInterrupted requeues processing files", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		task, err := store.CreateTask(ctx, newFiles("a.pdf", "b.pdf", "c.pdf"))
		require.NoError(t, err)

		_, err = store.MarkProcessing(ctx, task.ID, "a.pdf")
		require.NoError(t, err)
		_, err = store.MarkProcessing(ctx, task.ID, "b.pdf")
		require.NoError(t, err)
		_, err = store.UpdateFileResult(ctx, entity.Succeeded(unit(task, "b.pdf"), json.RawMessage(`{}`)))
		require.NoError(t, err)

		units, err := store.ResetInterrupted(ctx)
		require.NoError(t, err)
		assert.Equal(t, []entity.FileUnit{unit(task, "a.pdf"), unit(task, "c.pdf")}, unitsOf(task, units))

		stored, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusProcessing, stored.Status)
		assert.Equal(t, 1, stored.ProcessedFiles)

		results, err := store.ListFileResults(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.FileStatusPending, results[0].Status)

		units, err = store.ResetInterrupted(ctx)
		require.NoError(t, err)
		assert.Len(t, unitsOf(task, units), 2)
	})

	t.Run("DeleteExpired removes only old terminal tasks", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		done, err := store.CreateTask(ctx, newFiles("done.pdf"))
		require.NoError(t, err)
		_, err = store.UpdateFileResult(ctx, entity.Succeeded(unit(done, "done.pdf"), json.RawMessage(`{}`)))
		require.NoError(t, err)
		open, err := store.CreateTask(ctx, newFiles("open.pdf"))
		require.NoError(t, err)

		keys, err := store.DeleteExpired(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.NotContains(t, keys, "key-done.pdf")

		keys, err = store.DeleteExpired(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Contains(t, keys, "key-done.pdf")
		assert.NotContains(t, keys, "key-open.pdf")

		_, err = store.GetTask(ctx, done.ID)
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = store.GetTask(ctx, open.ID)
		assert.NoError(t, err)
	})
}
