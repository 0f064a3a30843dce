package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/blob"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/repository"
)

// Enqueuer admits file units for background processing without blocking.
type Enqueuer interface {
	Enqueue(ctx context.Context, units ...entity.FileUnit) error
}

// Manager owns the task lifecycle: it accepts batches, hands their files to
// the worker pool and serves reads. It does no extraction work itself.
type Manager struct {
	logger         *slog.Logger
	store          repository.TaskStore
	blobs          blob.Store
	queue          Enqueuer
	maxUploadBytes int
}

func NewManager(
	logger *slog.Logger,
	store repository.TaskStore,
	blobs blob.Store,
	queue Enqueuer,
	maxUploadMB int,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadMB <= 0 {
		maxUploadMB = constants.DefaultMaxUploadMB
	}
	return &Manager{
		logger:         logger,
		store:          store,
		blobs:          blobs,
		queue:          queue,
		maxUploadBytes: maxUploadMB << 20,
	}
}

// SubmitBatch validates and persists a batch, enqueues one unit per
// document and returns the new task. No task is created when any document
// is rejected.
func (m *Manager) SubmitBatch(ctx context.Context, docs []entity.Document) (*entity.Task, error) {
	if err := m.validate(docs); err != nil {
		m.logger.Warn("batch rejected", "documents", len(docs), "error", err)
		return nil, err
	}

	files := make([]entity.NewFile, 0, len(docs))
	for _, d := range docs {
		key := blob.NewKey(d.Filename)
		if err := m.blobs.Put(ctx, key, d.Content); err != nil {
			m.logger.Error("failed to store document", "filename", d.Filename, "error", err)
			m.discard(ctx, files)
			return nil, common.NewAppError("STORAGE_ERROR", "store document", fmt.Errorf("%w: %w", common.ErrPersistence, err))
		}
		files = append(files, entity.NewFile{Filename: d.Filename, DocumentKey: key})
	}

	task, err := m.store.CreateTask(ctx, files)
	if err != nil {
		m.discard(ctx, files)
		return nil, err
	}

	units := make([]entity.FileUnit, len(files))
	for i, f := range files {
		units[i] = entity.FileUnit{TaskID: task.ID, Filename: f.Filename, DocumentKey: f.DocumentKey}
	}
	if err := m.queue.Enqueue(ctx, units...); err != nil {
		// files stay pending in the store; restart recovery enqueues them
		m.logger.Warn("enqueue failed, task left for recovery", "task_id", task.ID, "error", err)
	}

	m.logger.Info("batch submitted", "task_id", task.ID, "total_files", task.TotalFiles,
		"request_id", common.RequestIDFromContext(ctx))
	return task, nil
}

func (m *Manager) validate(docs []entity.Document) error {
	return validateDocuments(docs, m.maxUploadBytes)
}

func validateDocuments(docs []entity.Document, maxBytes int) error {
	if len(docs) == 0 {
		return common.InvalidInputf("no files uploaded")
	}
	v := common.NewValidator()
	seen := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		v.Field(fmt.Sprintf("files[%d].filename", i), d.Filename, common.Required, common.MaxLength(255), common.DocumentName)
		v.Field(fmt.Sprintf("files[%d].content", i), d.Content, common.Required, common.MaxBytes(maxBytes))
		if _, dup := seen[d.Filename]; dup {
			v.Fail(fmt.Sprintf("files[%d].filename", i), d.Filename, "is a duplicate")
		}
		seen[d.Filename] = struct{}{}
	}
	return v.Err()
}

func (m *Manager) discard(ctx context.Context, files []entity.NewFile) {
	for _, f := range files {
		if err := m.blobs.Delete(context.WithoutCancel(ctx), f.DocumentKey); err != nil {
			m.logger.Warn("failed to discard document", "document_key", f.DocumentKey, "error", err)
		}
	}
}

// GetStatus returns the task's aggregate state.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (*entity.Task, error) {
	if err := checkID(taskID); err != nil {
		return nil, err
	}
	return m.store.GetTask(ctx, taskID)
}

// GetResults returns the task's file results in submission order. It is
// legal before the task is terminal and reflects whatever is persisted.
func (m *Manager) GetResults(ctx context.Context, taskID string) ([]*entity.FileResult, error) {
	if err := checkID(taskID); err != nil {
		return nil, err
	}
	return m.store.ListFileResults(ctx, taskID)
}

// Cancel stops files of the task that have not started. Running files
// finish; the task then fails with a cancelled reason. Terminal tasks are
// returned unchanged.
func (m *Manager) Cancel(ctx context.Context, taskID string) (*entity.Task, error) {
	if err := checkID(taskID); err != nil {
		return nil, err
	}
	task, keys, err := m.store.RequestCancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := m.blobs.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete cancelled document", "task_id", taskID, "document_key", key, "error", err)
		}
	}
	return task, nil
}

// Recover requeues files interrupted by a previous shutdown or crash. It
// must run before new submissions are accepted.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	units, err := m.store.ResetInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	if len(units) == 0 {
		m.logger.Info("no interrupted files to recover")
		return 0, nil
	}
	if err := m.queue.Enqueue(ctx, units...); err != nil {
		return 0, err
	}
	m.logger.Info("recovered interrupted files", "files", len(units))
	return len(units), nil
}

// PurgeExpired deletes terminal tasks older than retention along with their documents.
func (m *Manager) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	keys, err := m.store.DeleteExpired(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := m.blobs.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete expired document", "document_key", key, "error", err)
		}
	}
	return len(keys), nil
}

// RunRetention purges expired tasks every interval until ctx is done.
func (m *Manager) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	m.logger.Info("retention sweeper started", "retention", retention, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			n, err := m.PurgeExpired(ctx, retention)
			if err != nil {
				m.logger.Error("retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("retention sweep removed documents", "documents", n)
			}
		}
	}
}

// checkID maps malformed ids to NotFound without a store round trip.
func checkID(taskID string) error {
	if _, err := uuid.Parse(taskID); err != nil {
		return common.NotFoundf("task %s not found", taskID)
	}
	return nil
}
