package openai

import (
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/joseph-ayodele/bill-extractor/internal/extract"
)

// Config for the OpenAI client.
type Config struct {
	APIKey      string
	BaseURL     string        // default https://api.openai.com/v1
	Model       string        // e.g., "gpt-4o-mini"
	Temperature float32       // 0..2
	Timeout     time.Duration // http client timeout
	MaxTextLen  int           // bill text sent to the model is cut at this many bytes
	Pdftotext   string
	// OCR, when set, reads scanned PDFs that have no text layer.
	OCR *extract.OCR
}

// Client extracts bill data with pdftotext and the chat completions API.
type Client struct {
	cfg    Config
	http   *resty.Client
	pdf    extract.PDFText
	logger *slog.Logger
}

func NewClient(cfg Config, runner extract.Runner, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = 24000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = extract.ExecRunner{Logger: logger}
	}
	var ocr *extract.OCR
	if cfg.OCR != nil {
		o := *cfg.OCR
		if o.Runner == nil {
			o.Runner = runner
		}
		ocr = &o
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		pdf:    extract.PDFText{Runner: runner, Bin: cfg.Pdftotext, OCR: ocr},
		logger: logger,
	}
}
