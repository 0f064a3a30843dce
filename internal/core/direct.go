package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
)

// DirectExtractor extracts a single document on the caller's path. Nothing
// is persisted and no task is created.
type DirectExtractor struct {
	logger         *slog.Logger
	extractor      extract.Extractor
	timeout        time.Duration
	maxUploadBytes int
}

func NewDirectExtractor(logger *slog.Logger, extractor extract.Extractor, timeout time.Duration, maxUploadMB int) *DirectExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadMB <= 0 {
		maxUploadMB = constants.DefaultMaxUploadMB
	}
	return &DirectExtractor{
		logger:         logger,
		extractor:      extractor,
		timeout:        timeout,
		maxUploadBytes: maxUploadMB << 20,
	}
}

// ExtractOne validates doc like a one-file batch and runs the extractor under
// the configured timeout. Rejected documents return ErrInvalidInput; extraction
// failures return an extract.Error.
func (d *DirectExtractor) ExtractOne(ctx context.Context, doc entity.Document) (json.RawMessage, error) {
	if err := validateDocuments([]entity.Document{doc}, d.maxUploadBytes); err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := extract.Run(ctx, d.extractor, doc, d.timeout)
	if err != nil {
		d.logger.Warn("direct extraction failed", "filename", doc.Filename, "kind", extract.KindOf(err),
			"error", err, "request_id", common.RequestIDFromContext(ctx))
		return nil, err
	}
	d.logger.Info("direct extraction done", "filename", doc.Filename,
		"elapsed_ms", time.Since(start).Milliseconds(), "request_id", common.RequestIDFromContext(ctx))
	return data, nil
}
