package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float32           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
	Messages       []chatMessage     `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract implements extract.Extractor.
func (c *Client) Extract(ctx context.Context, doc entity.Document) (json.RawMessage, error) {
	rid := uuid.New().String()
	start := time.Now()

	text, err := c.pdf.Text(ctx, doc.Content)
	if err != nil {
		c.logger.Warn("llm.extract.text_failed",
			"req_id", rid, "filename", doc.Filename, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	c.logger.Info("llm.extract.start",
		"req_id", rid,
		"task_id", common.TaskIDFromContext(ctx),
		"filename", doc.Filename,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"text_len", len(text),
	)

	schema := extract.BuildBillJSONSchema()
	body := chatRequest{
		Model:          c.cfg.Model,
		Temperature:    c.cfg.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: buildSystemPrompt()},
			{Role: "user", Content: buildUserPrompt(text, doc.Filename, c.cfg.MaxTextLen) + "\n\nReturn ONLY JSON that matches the provided schema."},
			{Role: "system", Content: "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	var cc chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&cc).
		Post("/chat/completions")
	if err != nil {
		c.logger.Error("llm.extract.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, extract.AdapterError(fmt.Errorf("openai http error: %w", err))
	}
	if resp.IsError() {
		c.logger.Error("llm.extract.http_status",
			"req_id", rid, "status", resp.StatusCode(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, extract.AdapterError(fmt.Errorf("openai status %d: %s", resp.StatusCode(), truncate(resp.String(), 512)))
	}
	if len(cc.Choices) == 0 {
		c.logger.Error("llm.extract.no_choices",
			"req_id", rid, "raw", truncate(resp.String(), 512),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, extract.AdapterError(fmt.Errorf("no choices in openai response"))
	}

	content := extract.StripCodeFence(cc.Choices[0].Message.Content)
	normalized, _, err := extract.NormalizeBillJSON([]byte(content), doc.Filename, c.logger)
	if err != nil {
		c.logger.Error("llm.extract.decode_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, extract.AdapterError(err)
	}
	if err := extract.ValidateBill(normalized); err != nil {
		c.logger.Error("llm.extract.schema_validation_failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, extract.AdapterError(fmt.Errorf("schema validation failed: %w", err))
	}

	c.logger.Info("llm.extract.ok",
		"req_id", rid,
		"filename", doc.Filename,
		"bytes", len(normalized),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return normalized, nil
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
