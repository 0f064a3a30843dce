package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
)

// TaskStore is the durable owner of task and file state. Every write is
// committed before it returns.
type TaskStore interface {
	CreateTask(ctx context.Context, files []entity.NewFile) (*entity.Task, error)
	GetTask(ctx context.Context, id string) (*entity.Task, error)
	ListFileResults(ctx context.Context, taskID string) ([]*entity.FileResult, error)
	// MarkProcessing moves a pending file to processing. It reports false when
	// the unit must not run: the file is already terminal, or the task was
	// cancelled, in which case the file is recorded as cancelled.
	MarkProcessing(ctx context.Context, taskID, filename string) (bool, error)
	// UpdateFileResult records a terminal file outcome and recomputes the
	// task aggregate in the same transaction. Updates to terminal files or
	// terminal tasks are ignored.
	UpdateFileResult(ctx context.Context, upd entity.FileUpdate) (*entity.Task, error)
	// RequestCancel flags the task and cancels its pending files, returning
	// the document keys of the files it cancelled.
	RequestCancel(ctx context.Context, taskID string) (*entity.Task, []string, error)
	// ResetInterrupted returns processing files of unfinished tasks to
	// pending and lists every pending unit in admission order.
	ResetInterrupted(ctx context.Context) ([]entity.FileUnit, error)
	// DeleteExpired removes terminal tasks created before the cutoff and
	// returns the document keys they referenced.
	DeleteExpired(ctx context.Context, before time.Time) ([]string, error)
}

var (
	taskColumns = []string{
		"id", "status", "total_files", "processed_files", "failed_files",
		"error_message", "cancel_requested", "created_at", "updated_at",
	}
	fileColumns = []string{
		"task_id", "seq", "filename", "status", "document_key", "error_kind",
		"error_message", "extracted_data", "attempts", "created_at", "updated_at",
	}
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type taskStore struct {
	db     *DB
	policy constants.CompletionPolicy
	log    *slog.Logger
}

// NewTaskStore returns a SQL-backed TaskStore deciding terminal task status with policy.
func NewTaskStore(db *DB, policy constants.CompletionPolicy, log *slog.Logger) TaskStore {
	if log == nil {
		log = slog.Default()
	}
	if policy == "" {
		policy = constants.PolicyAnySuccess
	}
	return &taskStore{db: db, policy: policy, log: log}
}

func (s *taskStore) CreateTask(ctx context.Context, files []entity.NewFile) (*entity.Task, error) {
	if len(files) == 0 {
		return nil, common.InvalidInputf("batch contains no documents")
	}
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if f.Filename == "" {
			return nil, common.InvalidInputf("document filename is required")
		}
		if _, dup := seen[f.Filename]; dup {
			return nil, common.InvalidInputf("duplicate filename %q", f.Filename)
		}
		seen[f.Filename] = struct{}{}
	}

	now := time.Now().UTC()
	task := &entity.Task{
		ID:         uuid.NewString(),
		Status:     constants.TaskStatusPending,
		TotalFiles: len(files),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b := s.builder()
		query, args := b.Insert(tableTasks).
			Columns(taskColumns...).
			Values(task.ID, string(task.Status), task.TotalFiles, 0, 0, nil, false, now, now).
			Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "insert task")
		}

		ins := b.Insert(tableFileResults).Columns(fileColumns...)
		for i, f := range files {
			ins.Values(task.ID, i, f.Filename, string(constants.FileStatusPending), f.DocumentKey, nil, nil, nil, 0, now, now)
		}
		query, args = ins.Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "insert file results")
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(err, "create task", "total_files", len(files))
	}
	s.log.Info("task created", "task_id", task.ID, "total_files", task.TotalFiles)
	return task, nil
}

func (s *taskStore) GetTask(ctx context.Context, id string) (*entity.Task, error) {
	task, err := s.selectTask(ctx, s.db.SQL(), id, false)
	if err != nil {
		return nil, s.fail(err, "get task", "task_id", id)
	}
	return task, nil
}

func (s *taskStore) ListFileResults(ctx context.Context, taskID string) ([]*entity.FileResult, error) {
	if _, err := s.selectTask(ctx, s.db.SQL(), taskID, false); err != nil {
		return nil, s.fail(err, "list file results", "task_id", taskID)
	}

	b := s.builder()
	query, args := b.Select(fileColumns...).
		From(b.Table(tableFileResults)).
		Where(entsql.EQ("task_id", taskID)).
		OrderBy("seq").
		Query()
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(errors.Wrap(err, "query file results"), "list file results", "task_id", taskID)
	}
	defer rows.Close()

	var out []*entity.FileResult
	for rows.Next() {
		fr, err := scanFileResult(rows)
		if err != nil {
			return nil, s.fail(errors.Wrap(err, "scan file result"), "list file results", "task_id", taskID)
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(errors.Wrap(err, "iterate file results"), "list file results", "task_id", taskID)
	}
	return out, nil
}

func (s *taskStore) MarkProcessing(ctx context.Context, taskID, filename string) (bool, error) {
	started := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := s.selectTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if task.IsTerminal() {
			return nil
		}
		cur, err := s.selectFileStatus(ctx, tx, taskID, filename)
		if err != nil {
			return err
		}
		if cur.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		b := s.builder()
		ub := b.Update(tableFileResults).Set("updated_at", now)
		if task.CancelRequested {
			ub.Set("status", string(constants.FileStatusError)).
				Set("error_kind", string(constants.ErrorKindCancelled)).
				Set("error_message", "task cancelled")
		} else {
			ub.Set("status", string(constants.FileStatusProcessing)).Add("attempts", 1)
			started = true
		}
		query, args := ub.Where(fileKey(taskID, filename)).Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "update file status")
		}
		return s.recompute(ctx, tx, task, now)
	})
	if err != nil {
		return false, s.fail(err, "mark processing", "task_id", taskID, "filename", filename)
	}
	return started, nil
}

func (s *taskStore) UpdateFileResult(ctx context.Context, upd entity.FileUpdate) (*entity.Task, error) {
	if !upd.Status.IsTerminal() {
		return nil, common.InvalidInputf("file status %q is not terminal", upd.Status)
	}

	var task *entity.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.selectTask(ctx, tx, upd.TaskID, true)
		if err != nil {
			return err
		}
		task = t
		if t.IsTerminal() {
			s.log.Warn("ignoring file update for terminal task", "task_id", upd.TaskID, "filename", upd.Filename, "task_status", t.Status)
			return nil
		}
		cur, err := s.selectFileStatus(ctx, tx, upd.TaskID, upd.Filename)
		if err != nil {
			return err
		}
		if cur.IsTerminal() {
			s.log.Debug("file already terminal", "task_id", upd.TaskID, "filename", upd.Filename, "status", cur)
			return nil
		}

		now := time.Now().UTC()
		b := s.builder()
		ub := b.Update(tableFileResults).
			Set("status", string(upd.Status)).
			Set("updated_at", now)
		if upd.Status == constants.FileStatusSuccess {
			ub.Set("extracted_data", nullJSON(upd.Data)).
				Set("error_kind", nil).
				Set("error_message", nil)
		} else {
			ub.Set("extracted_data", nil).
				Set("error_kind", string(upd.ErrorKind)).
				Set("error_message", upd.ErrorMessage)
		}
		query, args := ub.Where(fileKey(upd.TaskID, upd.Filename)).Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "update file result")
		}
		return s.recompute(ctx, tx, t, now)
	})
	if err != nil {
		return nil, s.fail(err, "update file result", "task_id", upd.TaskID, "filename", upd.Filename)
	}
	return task, nil
}

func (s *taskStore) RequestCancel(ctx context.Context, taskID string) (*entity.Task, []string, error) {
	var (
		task *entity.Task
		keys []string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.selectTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		task = t
		if t.IsTerminal() {
			return nil
		}

		pending := entsql.And(
			entsql.EQ("task_id", taskID),
			entsql.EQ("status", string(constants.FileStatusPending)),
		)
		b := s.builder()
		query, args := b.Select("document_key").From(b.Table(tableFileResults)).Where(pending).Query()
		if keys, err = queryStrings(ctx, tx, query, args); err != nil {
			return errors.Wrap(err, "select pending documents")
		}

		now := time.Now().UTC()
		query, args = b.Update(tableTasks).
			Set("cancel_requested", true).
			Where(entsql.EQ("id", taskID)).
			Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "flag task cancelled")
		}
		t.CancelRequested = true

		query, args = b.Update(tableFileResults).
			Set("status", string(constants.FileStatusError)).
			Set("error_kind", string(constants.ErrorKindCancelled)).
			Set("error_message", "task cancelled").
			Set("updated_at", now).
			Where(pending).
			Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "cancel pending files")
		}
		return s.recompute(ctx, tx, t, now)
	})
	if err != nil {
		return nil, nil, s.fail(err, "request cancel", "task_id", taskID)
	}
	s.log.Info("task cancel requested", "task_id", taskID, "cancelled_files", len(keys), "status", task.Status)
	return task, keys, nil
}

func (s *taskStore) ResetInterrupted(ctx context.Context) ([]entity.FileUnit, error) {
	var units []entity.FileUnit
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b := s.builder()
		query, args := b.Select("id").
			From(b.Table(tableTasks)).
			Where(entsql.In("status", string(constants.TaskStatusPending), string(constants.TaskStatusProcessing))).
			OrderBy("created_at").
			Query()
		ids, err := queryStrings(ctx, tx, query, args)
		if err != nil {
			return errors.Wrap(err, "select unfinished tasks")
		}
		if len(ids) == 0 {
			return nil
		}

		now := time.Now().UTC()
		for _, id := range ids {
			task, err := s.selectTask(ctx, tx, id, true)
			if err != nil {
				return err
			}
			query, args := b.Update(tableFileResults).
				Set("status", string(constants.FileStatusPending)).
				Set("updated_at", now).
				Where(entsql.And(
					entsql.EQ("task_id", id),
					entsql.EQ("status", string(constants.FileStatusProcessing)),
				)).
				Query()
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return errors.Wrap(err, "reset processing files")
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.log.Warn("reset interrupted files", "task_id", id, "files", n)
			}
			if err := s.recompute(ctx, tx, task, now); err != nil {
				return err
			}
		}

		query, args = b.Select("task_id", "filename", "document_key").
			From(b.Table(tableFileResults)).
			Where(entsql.And(
				entsql.In("task_id", toArgs(ids)...),
				entsql.EQ("status", string(constants.FileStatusPending)),
			)).
			OrderBy("id").
			Query()
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, "select pending files")
		}
		defer rows.Close()
		for rows.Next() {
			var u entity.FileUnit
			if err := rows.Scan(&u.TaskID, &u.Filename, &u.DocumentKey); err != nil {
				return errors.Wrap(err, "scan pending file")
			}
			units = append(units, u)
		}
		return errors.Wrap(rows.Err(), "iterate pending files")
	})
	if err != nil {
		return nil, s.fail(err, "reset interrupted")
	}
	return units, nil
}

func (s *taskStore) DeleteExpired(ctx context.Context, before time.Time) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b := s.builder()
		query, args := b.Select("id").
			From(b.Table(tableTasks)).
			Where(entsql.And(
				entsql.In("status", string(constants.TaskStatusCompleted), string(constants.TaskStatusFailed)),
				entsql.LT("created_at", before.UTC()),
			)).
			Query()
		ids, err := queryStrings(ctx, tx, query, args)
		if err != nil {
			return errors.Wrap(err, "select expired tasks")
		}
		if len(ids) == 0 {
			return nil
		}

		query, args = b.Select("document_key").
			From(b.Table(tableFileResults)).
			Where(entsql.In("task_id", toArgs(ids)...)).
			Query()
		if keys, err = queryStrings(ctx, tx, query, args); err != nil {
			return errors.Wrap(err, "select expired documents")
		}

		query, args = b.Delete(tableFileResults).Where(entsql.In("task_id", toArgs(ids)...)).Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "delete expired file results")
		}
		query, args = b.Delete(tableTasks).Where(entsql.In("id", toArgs(ids)...)).Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "delete expired tasks")
		}
		s.log.Info("deleted expired tasks", "tasks", len(ids), "before", before)
		return nil
	})
	if err != nil {
		return nil, s.fail(err, "delete expired")
	}
	return keys, nil
}

// recompute folds the task's file statuses into its aggregate columns.
// Terminal tasks are left untouched.
func (s *taskStore) recompute(ctx context.Context, tx *sql.Tx, task *entity.Task, now time.Time) error {
	if task.IsTerminal() {
		return nil
	}

	b := s.builder()
	query, args := b.Select("status", "error_kind", entsql.Count("*")).
		From(b.Table(tableFileResults)).
		Where(entsql.EQ("task_id", task.ID)).
		GroupBy("status", "error_kind").
		Query()
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "count file statuses")
	}
	defer rows.Close()

	var counts entity.FileCounts
	for rows.Next() {
		var (
			status string
			kind   sql.NullString
			n      int
		)
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return errors.Wrap(err, "scan file status count")
		}
		var k *constants.ErrorKind
		if kind.Valid {
			ek := constants.ErrorKind(kind.String)
			k = &ek
		}
		counts.Add(constants.FileStatus(status), k, n)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate file status counts")
	}

	prev := task.Status
	status, msg := entity.DeriveTaskStatus(counts, s.policy)
	task.Status = status
	task.ProcessedFiles = counts.Processed()
	task.FailedFiles = counts.Error
	task.ErrorMessage = msg
	task.UpdatedAt = now

	query, args = b.Update(tableTasks).
		Set("status", string(task.Status)).
		Set("processed_files", task.ProcessedFiles).
		Set("failed_files", task.FailedFiles).
		Set("error_message", nullString(msg)).
		Set("updated_at", now).
		Where(entsql.EQ("id", task.ID)).
		Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "update task aggregate")
	}
	if prev != status {
		s.log.Info("task status changed", "task_id", task.ID, "from", prev, "to", status,
			"processed_files", task.ProcessedFiles, "total_files", task.TotalFiles)
	}
	return nil
}

func (s *taskStore) selectTask(ctx context.Context, q querier, id string, lock bool) (*entity.Task, error) {
	b := s.builder()
	sel := b.Select(taskColumns...).From(b.Table(tableTasks)).Where(entsql.EQ("id", id))
	// SQLite serializes writers through the immediate transaction lock instead.
	if lock && s.db.Dialect() == dialect.Postgres {
		sel.ForUpdate()
	}
	query, args := sel.Query()
	task, err := scanTask(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select task")
	}
	return task, nil
}

func (s *taskStore) selectFileStatus(ctx context.Context, q querier, taskID, filename string) (constants.FileStatus, error) {
	b := s.builder()
	query, args := b.Select("status").
		From(b.Table(tableFileResults)).
		Where(fileKey(taskID, filename)).
		Query()
	var status string
	err := q.QueryRowContext(ctx, query, args...).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.NotFoundf("file %q not found in task %s", filename, taskID)
	}
	if err != nil {
		return "", errors.Wrap(err, "select file status")
	}
	return constants.FileStatus(status), nil
}

func (s *taskStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.log.Warn("rollback failed", "error", rerr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

func (s *taskStore) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.db.Dialect())
}

// fail passes domain errors through and tags everything else as a persistence failure.
func (s *taskStore) fail(err error, op string, args ...any) error {
	if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrInvalidInput) {
		return err
	}
	s.log.Error(op+" failed", append(args, "error", err)...)
	return fmt.Errorf("%w: %w", common.ErrPersistence, errors.Wrap(err, op))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*entity.Task, error) {
	var (
		t      entity.Task
		status string
		errMsg sql.NullString
	)
	if err := row.Scan(&t.ID, &status, &t.TotalFiles, &t.ProcessedFiles, &t.FailedFiles,
		&errMsg, &t.CancelRequested, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = constants.TaskStatus(status)
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	return &t, nil
}

func scanFileResult(row rowScanner) (*entity.FileResult, error) {
	var (
		fr      entity.FileResult
		status  string
		errKind sql.NullString
		errMsg  sql.NullString
		data    sql.NullString
	)
	if err := row.Scan(&fr.TaskID, &fr.Seq, &fr.Filename, &status, &fr.DocumentKey,
		&errKind, &errMsg, &data, &fr.Attempts, &fr.CreatedAt, &fr.UpdatedAt); err != nil {
		return nil, err
	}
	fr.Status = constants.FileStatus(status)
	if errKind.Valid {
		k := constants.ErrorKind(errKind.String)
		fr.ErrorKind = &k
	}
	if errMsg.Valid {
		fr.ErrorMessage = &errMsg.String
	}
	if data.Valid && data.String != "" {
		fr.ExtractedData = json.RawMessage(data.String)
	}
	return &fr, nil
}

func queryStrings(ctx context.Context, q querier, query string, args []any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func fileKey(taskID, filename string) *entsql.Predicate {
	return entsql.And(entsql.EQ("task_id", taskID), entsql.EQ("filename", filename))
}

func toArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
