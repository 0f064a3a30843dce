package async

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/blob"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
	"github.com/joseph-ayodele/bill-extractor/internal/repository"
)

// WorkerPool drains the shared queue with a fixed set of executors. Each
// executor runs one file unit at a time: mark processing, extract, record
// the outcome, release the document.
type WorkerPool struct {
	store     repository.TaskStore
	blobs     blob.Store
	extractor extract.Extractor
	logger    *slog.Logger

	workers      int
	timeout      time.Duration
	retries      uint
	retryDelay   time.Duration
	limiter      *rate.Limiter
	persist      repository.RetryPolicy
	writeTimeout time.Duration

	queue  *Queue
	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*WorkerPool)

func WithWorkers(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRetries re-runs timed out or failed extractions up to n more times.
// Malformed documents are never retried.
func WithRetries(n uint, delay time.Duration) Option {
	return func(p *WorkerPool) {
		p.retries = n
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

// WithRateLimit caps extraction calls per second across all executors.
func WithRateLimit(perSec float64, burst int) Option {
	return func(p *WorkerPool) {
		if perSec <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

func WithPersistRetry(policy repository.RetryPolicy) Option {
	return func(p *WorkerPool) {
		p.persist = policy
	}
}

func NewWorkerPool(store repository.TaskStore, blobs blob.Store, extractor extract.Extractor, logger *slog.Logger, opts ...Option) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, stop := context.WithCancel(context.Background())
	p := &WorkerPool{
		store:        store,
		blobs:        blobs,
		extractor:    extractor,
		logger:       logger,
		workers:      4,
		timeout:      2 * time.Minute,
		retryDelay:   time.Second,
		persist:      repository.RetryPolicy{Retries: 3, Delay: 200 * time.Millisecond},
		writeTimeout: 10 * time.Second,
		queue:        NewQueue(),
		runCtx:       runCtx,
		stop:         stop,
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

func (p *WorkerPool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Info("worker started", "worker_id", workerID)

				for {
					unit, ok := p.queue.Pop(p.runCtx)
					if !ok {
						break
					}
					p.process(workerID, unit)
				}

				p.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue admits units without blocking.
func (p *WorkerPool) Enqueue(_ context.Context, units ...entity.FileUnit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("cannot enqueue: pool is shutting down", "units", len(units))
		return ErrQueueClosed
	}
	if err := p.queue.Push(units...); err != nil {
		return err
	}
	for _, u := range units {
		p.logger.Debug("queued file for processing", "task_id", u.TaskID, "filename", u.Filename)
	}
	return nil
}

// Queued returns the number of units waiting for an executor.
func (p *WorkerPool) Queued() int {
	return p.queue.Len()
}

// Shutdown stops admitting work and waits for in-flight units. Queued units
// stay pending in the store. If ctx ends first, in-flight units are
// abandoned without recording an outcome.
func (p *WorkerPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	left := p.queue.Len()
	p.queue.Close()
	p.mu.Unlock()

	if left > 0 {
		p.logger.Info("leaving queued units for recovery", "units", left)
	}

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.stop()
		<-done
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.stop()
		p.logger.Info("queue drained, shutdown complete")
	}
}

func (p *WorkerPool) process(workerID int, unit entity.FileUnit) {
	ctx := common.WithTaskID(p.runCtx, unit.TaskID)
	log := p.logger.With("worker_id", workerID, "task_id", unit.TaskID, "filename", unit.Filename)

	var started bool
	err := p.write(ctx, "mark processing", func(wctx context.Context) error {
		var err error
		started, err = p.store.MarkProcessing(wctx, unit.TaskID, unit.Filename)
		return err
	})
	switch {
	case errors.Is(err, common.ErrNotFound):
		log.Warn("dropping unit for unknown task or file")
		p.release(ctx, log, unit)
		return
	case err != nil:
		// best-effort: the terminal write still guards against double completion
		log.Error("failed to mark file processing", "error", err)
		started = true
	}
	if !started {
		log.Info("skipping unit", "reason", "file terminal or task cancelled")
		p.release(ctx, log, unit)
		return
	}

	upd := p.run(ctx, log, unit)
	if p.runCtx.Err() != nil {
		log.Warn("unit interrupted by shutdown, left for recovery")
		return
	}
	p.finish(ctx, log, unit, upd)
}

// run loads the document and extracts it, returning the terminal update.
func (p *WorkerPool) run(ctx context.Context, log *slog.Logger, unit entity.FileUnit) entity.FileUpdate {
	content, err := p.blobs.Get(ctx, unit.DocumentKey)
	if err != nil {
		log.Error("document unavailable", "document_key", unit.DocumentKey, "error", err)
		return entity.Failed(unit, constants.ErrorKindInternal, "document unavailable")
	}
	doc := entity.Document{Filename: unit.Filename, Content: content}

	start := time.Now()
	var data json.RawMessage
	err = retry.Do(
		func() error {
			d, err := p.attempt(ctx, doc)
			if err != nil {
				return err
			}
			data = d
			return nil
		},
		retry.Context(p.runCtx),
		retry.Attempts(p.retries+1),
		retry.Delay(p.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(extract.Retryable),
		retry.OnRetry(func(n uint, err error) {
			if n < p.retries {
				log.Warn("retrying extraction", "attempt", n+2, "error", err)
			}
		}),
	)
	if err != nil {
		kind := extract.KindOf(err)
		msg := extract.Describe(err)
		if kind == constants.ErrorKindTimeout {
			msg = fmt.Sprintf("extraction timed out after %s", p.timeout)
		}
		log.Warn("extraction failed", "kind", kind, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return entity.Failed(unit, kind, msg)
	}
	log.Info("processed file successfully", "elapsed_ms", time.Since(start).Milliseconds())
	return entity.Succeeded(unit, data)
}

// attempt runs one paced extraction bounded by the process timeout.
func (p *WorkerPool) attempt(ctx context.Context, doc entity.Document) (json.RawMessage, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return extract.Run(ctx, p.extractor, doc, p.timeout)
}

// finish records the outcome. When retries are exhausted the unit is marked
// internal error instead; if even that fails it stays processing and
// restart recovery picks it up.
func (p *WorkerPool) finish(ctx context.Context, log *slog.Logger, unit entity.FileUnit, upd entity.FileUpdate) {
	var task *entity.Task
	record := func(u entity.FileUpdate) error {
		return p.write(ctx, "update file result", func(wctx context.Context) error {
			var err error
			task, err = p.store.UpdateFileResult(wctx, u)
			return err
		})
	}

	err := record(upd)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		log.Error("failed to record file result, marking internal error", "error", err)
		err = record(entity.Failed(unit, constants.ErrorKindInternal, "failed to persist extraction result"))
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		log.Warn("task disappeared before result was recorded")
	case err != nil:
		log.Error("failed to record internal error, left for recovery", "error", err)
		return
	default:
		log.Debug("file result recorded", "status", upd.Status, "task_status", task.Status,
			"processed_files", task.ProcessedFiles, "total_files", task.TotalFiles)
	}
	p.release(ctx, log, unit)
}

// write runs one store call under the persistence retry policy, each
// attempt bounded by the write timeout and detached from shutdown.
func (p *WorkerPool) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	base := context.WithoutCancel(ctx)
	return repository.WithRetry(base, p.persist, p.logger, op, func() error {
		wctx, cancel := context.WithTimeout(base, p.writeTimeout)
		defer cancel()
		return fn(wctx)
	})
}

func (p *WorkerPool) release(ctx context.Context, log *slog.Logger, unit entity.FileUnit) {
	if unit.DocumentKey == "" {
		return
	}
	if err := p.blobs.Delete(context.WithoutCancel(ctx), unit.DocumentKey); err != nil {
		log.Warn("failed to delete document", "document_key", unit.DocumentKey, "error", err)
	}
}
