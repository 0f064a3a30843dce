// Package client talks to the extraction HTTP API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
)

// SubmitResponse is the body returned for an accepted batch.
type SubmitResponse struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	TotalFiles int    `json:"total_files"`
	Message    string `json:"message"`
}

// ResultsResponse is the body of the results endpoint.
type ResultsResponse struct {
	TaskID  string               `json:"task_id"`
	Status  *entity.Task         `json:"status"`
	Results []*entity.FileResult `json:"results"`
}

type apiError struct {
	Error string `json:"error"`
}

type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		logger: logger,
	}
}

// Submit uploads docs as one batch.
func (c *Client) Submit(ctx context.Context, docs []entity.Document) (*SubmitResponse, error) {
	req := c.http.R().SetContext(ctx)
	for _, d := range docs {
		req.SetMultipartField("files", filepath.Base(d.Filename), "application/pdf", bytes.NewReader(d.Content))
	}
	var out SubmitResponse
	resp, err := req.SetResult(&out).SetError(&apiError{}).Post("/api/extract/batch")
	if err := check(resp, err, "submit batch"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, taskID string) (*entity.Task, error) {
	var out entity.Task
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("task_id", taskID).
		SetResult(&out).SetError(&apiError{}).
		Get("/api/tasks/{task_id}/status")
	if err := check(resp, err, "get status"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Results(ctx context.Context, taskID string) (*ResultsResponse, error) {
	var out ResultsResponse
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("task_id", taskID).
		SetResult(&out).SetError(&apiError{}).
		Get("/api/tasks/{task_id}/results")
	if err := check(resp, err, "get results"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, taskID string) (*entity.Task, error) {
	var out entity.Task
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("task_id", taskID).
		SetResult(&out).SetError(&apiError{}).
		Post("/api/tasks/{task_id}/cancel")
	if err := check(resp, err, "cancel task"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export downloads the task's results workbook.
func (c *Client) Export(ctx context.Context, taskID string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("task_id", taskID).
		SetError(&apiError{}).
		Get("/api/tasks/{task_id}/export")
	if err := check(resp, err, "export task"); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// Poll queries status every interval until the task is terminal. onProgress,
// when set, sees every status observed.
func (c *Client) Poll(ctx context.Context, taskID string, interval time.Duration, onProgress func(*entity.Task)) (*entity.Task, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(task)
		}
		if task.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		msg = e.Error
	}
	switch resp.StatusCode() {
	case 400:
		return common.InvalidInputf("%s: %s", op, msg)
	case 404:
		return common.NotFoundf("%s: %s", op, msg)
	default:
		return common.NewAppError("REMOTE_ERROR", fmt.Sprintf("%s: %s", op, msg), common.ErrInternal)
	}
}
