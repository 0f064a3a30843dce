package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
)

const (
	requestIDHeader = "X-Request-ID"

	defaultMaxBatchFiles = 100
	// room for multipart boundaries and part headers
	multipartOverhead = 1 << 20
)

// TaskService is the task lifecycle surface the transports expose.
type TaskService interface {
	SubmitBatch(ctx context.Context, docs []entity.Document) (*entity.Task, error)
	GetStatus(ctx context.Context, taskID string) (*entity.Task, error)
	GetResults(ctx context.Context, taskID string) ([]*entity.FileResult, error)
	Cancel(ctx context.Context, taskID string) (*entity.Task, error)
}

// Exporter renders a task's results as an XLSX workbook.
type Exporter interface {
	ExportTaskXLSX(ctx context.Context, taskID string) ([]byte, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker func(ctx context.Context) error

// DocumentExtractor extracts one document on the request path.
type DocumentExtractor interface {
	ExtractOne(ctx context.Context, doc entity.Document) (json.RawMessage, error)
}

type HTTPHandler struct {
	tasks          TaskService
	exporter       Exporter
	health         HealthChecker
	direct         DocumentExtractor
	maxUploadBytes int64
	maxBatchFiles  int
	logger         *slog.Logger
}

type HTTPOption func(*HTTPHandler)

// WithDirectExtraction mounts POST /api/extract for single-document extraction.
func WithDirectExtraction(ex DocumentExtractor) HTTPOption {
	return func(h *HTTPHandler) {
		h.direct = ex
	}
}

// WithMaxBatchFiles caps the number of documents in one submission.
func WithMaxBatchFiles(n int) HTTPOption {
	return func(h *HTTPHandler) {
		if n > 0 {
			h.maxBatchFiles = n
		}
	}
}

func NewHTTPHandler(tasks TaskService, exporter Exporter, health HealthChecker, maxUploadMB int, logger *slog.Logger, opts ...HTTPOption) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadMB <= 0 {
		maxUploadMB = constants.DefaultMaxUploadMB
	}
	h := &HTTPHandler{
		tasks:          tasks,
		exporter:       exporter,
		health:         health,
		maxUploadBytes: int64(maxUploadMB) << 20,
		maxBatchFiles:  defaultMaxBatchFiles,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the polling API on r. Extra middleware applies to the extraction routes only.
func (h *HTTPHandler) Register(r *gin.Engine, submit ...gin.HandlerFunc) {
	r.Use(h.requestID(), h.accessLog())

	r.GET("/health", h.healthz)

	chain := func(final gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, submit...), final)
	}

	api := r.Group("/api")
	api.POST("/extract/batch", chain(h.submitBatch)...)
	if h.direct != nil {
		api.POST("/extract", chain(h.extractOne)...)
	}
	api.GET("/tasks/:task_id/status", h.getStatus)
	api.GET("/tasks/:task_id/results", h.getResults)
	api.POST("/tasks/:task_id/cancel", h.cancel)
	api.GET("/tasks/:task_id/export", h.export)
}

// NewRouter returns a gin engine with recovery and the API mounted.
func (h *HTTPHandler) NewRouter(submit ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r, submit...)
	return r
}

func (h *HTTPHandler) submitBatch(c *gin.Context) {
	limit := h.maxUploadBytes*int64(h.maxBatchFiles) + multipartOverhead
	form, err := h.multipartForm(c, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		h.fail(c, common.InvalidInputf("no files uploaded"))
		return
	}
	if len(headers) > h.maxBatchFiles {
		h.fail(c, common.InvalidInputf("at most %d files per batch", h.maxBatchFiles))
		return
	}

	docs := make([]entity.Document, 0, len(headers))
	for _, fh := range headers {
		content, err := h.readPart(fh)
		if err != nil {
			h.fail(c, err)
			return
		}
		docs = append(docs, entity.Document{Filename: fh.Filename, Content: content})
	}

	task, err := h.tasks.SubmitBatch(c.Request.Context(), docs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":     task.ID,
		"status":      task.Status,
		"total_files": task.TotalFiles,
		"message":     fmt.Sprintf("Processing %d files", task.TotalFiles),
	})
}

// extractOne runs a single uploaded document through the extractor and
// answers with the extracted data. Nothing is persisted.
func (h *HTTPHandler) extractOne(c *gin.Context) {
	form, err := h.multipartForm(c, h.maxUploadBytes+multipartOverhead)
	if err != nil {
		h.fail(c, err)
		return
	}
	headers := form.File["file"]
	if len(headers) != 1 {
		h.fail(c, common.InvalidInputf("exactly one file is required"))
		return
	}
	fh := headers[0]
	content, err := h.readPart(fh)
	if err != nil {
		h.fail(c, err)
		return
	}

	data, err := h.direct.ExtractOne(c.Request.Context(), entity.Document{Filename: fh.Filename, Content: content})
	if err != nil {
		if errors.Is(err, common.ErrInvalidInput) {
			h.fail(c, err)
			return
		}
		kind := extract.KindOf(err)
		c.JSON(extractionStatus(kind), gin.H{
			"status":     "error",
			"error_kind": kind,
			"message":    extract.Describe(err),
			"data":       nil,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Data extracted successfully",
		"data":    data,
	})
}

func extractionStatus(kind constants.ErrorKind) int {
	switch kind {
	case constants.ErrorKindMalformedDocument:
		return http.StatusUnprocessableEntity
	case constants.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// multipartForm parses the request body, refusing bodies above limit before
// they are spooled.
func (h *HTTPHandler) multipartForm(c *gin.Context, limit int64) (*multipart.Form, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, common.InvalidInputf("request body exceeds %d bytes", limit)
		}
		return nil, common.InvalidInputf("no files uploaded")
	}
	return form, nil
}

func (h *HTTPHandler) readPart(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > h.maxUploadBytes {
		return nil, common.InvalidInputf("file %s exceeds %d bytes", fh.Filename, h.maxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, common.InvalidInputf("unreadable upload %s", fh.Filename)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, common.InvalidInputf("unreadable upload %s", fh.Filename)
	}
	return content, nil
}

func (h *HTTPHandler) getStatus(c *gin.Context) {
	task, err := h.tasks.GetStatus(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *HTTPHandler) getResults(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("task_id")
	task, err := h.tasks.GetStatus(ctx, taskID)
	if err != nil {
		h.fail(c, err)
		return
	}
	results, err := h.tasks.GetResults(ctx, taskID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if results == nil {
		results = []*entity.FileResult{}
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": task, "results": results})
}

func (h *HTTPHandler) cancel(c *gin.Context) {
	task, err := h.tasks.Cancel(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *HTTPHandler) export(c *gin.Context) {
	taskID := c.Param("task_id")
	data, err := h.exporter.ExportTaskXLSX(c.Request.Context(), taskID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, taskID))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

func (h *HTTPHandler) healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	code := common.HTTPStatus(err)
	log := h.logger.With("method", c.Request.Method, "path", c.FullPath(),
		"request_id", common.RequestIDFromContext(c.Request.Context()), "error", err)
	if code >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected", "status", code)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": common.PublicMessage(err)})
}

func (h *HTTPHandler) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(requestIDHeader); id != "" {
			ctx = common.WithRequestID(ctx, id)
		}
		ctx, id := common.EnsureRequestID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (h *HTTPHandler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"request_id", common.RequestIDFromContext(c.Request.Context()),
		)
	}
}
