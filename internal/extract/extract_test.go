package extract_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
	"github.com/joseph-ayodele/bill-extractor/internal/testutil"
)

type stubRunner struct {
	stdout, stderr string
	err            error
	calls          int
}

func (r *stubRunner) Run(_ context.Context, _ string, _ ...string) ([]byte, []byte, error) {
	r.calls++
	return []byte(r.stdout), []byte(r.stderr), r.err
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      constants.ErrorKind
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, constants.ErrorKindTimeout, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), constants.ErrorKindTimeout, true},
		{"adapter", extract.AdapterError(errors.New("503")), constants.ErrorKindAdapter, true},
		{"malformed", extract.Malformedf("not a PDF document"), constants.ErrorKindMalformedDocument, false},
		{"unknown", errors.New("boom"), constants.ErrorKindAdapter, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, extract.KindOf(tt.err))
			assert.Equal(t, tt.retryable, extract.Retryable(tt.err))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "extraction timed out", extract.Describe(context.DeadlineExceeded))
	assert.Equal(t, "malformed document: not a PDF document", extract.Describe(extract.Malformedf("not a PDF document")))
	assert.Equal(t, "extraction failed: openai status 500", extract.Describe(extract.AdapterError(errors.New("openai status 500"))))
	assert.Equal(t, "extraction failed: boom", extract.Describe(errors.New("boom")))
}

func TestPDFText(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects non-PDF content without running pdftotext", func(t *testing.T) {
		r := &stubRunner{stdout: "text"}
		_, err := extract.PDFText{Runner: r}.Text(ctx, []byte("PK\x03\x04 zip"))
		assert.Equal(t, constants.ErrorKindMalformedDocument, extract.KindOf(err))
		assert.Equal(t, 0, r.calls)
	})

	t.Run("returns trimmed text", func(t *testing.T) {
		r := &stubRunner{stdout: "\n  ACME Power\nAmount due 10.00\n"}
		text, err := extract.PDFText{Runner: r}.Text(ctx, []byte("%PDF-1.7 ..."))
		require.NoError(t, err)
		assert.Equal(t, "ACME Power\nAmount due 10.00", text)
	})

	t.Run("empty text layer is malformed", func(t *testing.T) {
		r := &stubRunner{stdout: " \f \n"}
		_, err := extract.PDFText{Runner: r}.Text(ctx, []byte("%PDF-1.7 ..."))
		assert.Equal(t, constants.ErrorKindMalformedDocument, extract.KindOf(err))
	})

	t.Run("pdftotext failure is malformed", func(t *testing.T) {
		r := &stubRunner{stderr: "Syntax Error: Couldn't find trailer dictionary", err: errors.New("exit status 1")}
		_, err := extract.PDFText{Runner: r}.Text(ctx, []byte("%PDF-1.7 ..."))
		assert.Equal(t, constants.ErrorKindMalformedDocument, extract.KindOf(err))
		assert.Contains(t, err.Error(), "trailer dictionary")
	})

	t.Run("missing pdftotext binary is a retryable adapter error", func(t *testing.T) {
		bin := filepath.Join(t.TempDir(), "no-such-pdftotext")
		_, err := extract.PDFText{Runner: extract.ExecRunner{Logger: testutil.Logger()}, Bin: bin}.Text(ctx, []byte("%PDF-1.4 ..."))
		require.Error(t, err)
		assert.Equal(t, constants.ErrorKindAdapter, extract.KindOf(err))
		assert.True(t, extract.Retryable(err))
		assert.Contains(t, err.Error(), "pdftotext unavailable")
	})

	t.Run("pdftotext not on PATH is an adapter error", func(t *testing.T) {
		r := &stubRunner{err: &exec.Error{Name: "pdftotext", Err: exec.ErrNotFound}}
		_, err := extract.PDFText{Runner: r}.Text(ctx, []byte("%PDF-1.7 ..."))
		assert.Equal(t, constants.ErrorKindAdapter, extract.KindOf(err))
	})

	t.Run("missing pdftoppm binary is an adapter error", func(t *testing.T) {
		r := &stubRunner{stdout: "\f"}
		ocr := &extract.OCR{Runner: extract.ExecRunner{Logger: testutil.Logger()}, Pdftoppm: filepath.Join(t.TempDir(), "no-such-pdftoppm")}
		_, err := extract.PDFText{Runner: r, OCR: ocr}.Text(ctx, []byte("%PDF-1.7 scanned"))
		assert.Equal(t, constants.ErrorKindAdapter, extract.KindOf(err))
	})
}

func TestNormalizeBillJSON(t *testing.T) {
	raw := []byte(`{"account_number":"A-1","amount_due":"$1,204.50","late_fee":"","meters":[{"usage":"340","meter_number":"M1"}]}`)
	out, changed, err := extract.NormalizeBillJSON(raw, "march.pdf", testutil.Logger())
	require.NoError(t, err)
	assert.NotEmpty(t, changed)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, 1204.5, m["amount_due"])
	assert.Nil(t, m["late_fee"])
	assert.Equal(t, "march.pdf", m["source_file"])
	meters := m["meters"].([]any)
	require.Len(t, meters, 1)
	assert.Equal(t, 340.0, meters[0].(map[string]any)["usage"])

	out, _, err = extract.NormalizeBillJSON([]byte(`{"account_number":"A-2"}`), "april.pdf", testutil.Logger())
	require.NoError(t, err)
	assert.JSONEq(t, `{"account_number":"A-2","meters":[],"source_file":"april.pdf"}`, string(out))

	_, _, err = extract.NormalizeBillJSON([]byte(`not json`), "x.pdf", testutil.Logger())
	assert.Error(t, err)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extract.StripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extract.StripCodeFence(` {"a":1} `))
}

func TestValidateBill(t *testing.T) {
	valid := `{"account_number":"A-1","bill_date":"2024-03-01","due_date":null,"amount_due":10.5,
		"meters":[{"meter_number":"M1","bill_type":"Gas bill","read_date":"2024-02-28","usage":12,"estimated":false}]}`
	assert.NoError(t, extract.ValidateBill([]byte(valid)))

	assert.Error(t, extract.ValidateBill([]byte(`{"account_number":"A-1"}`)), "meters is required")
	assert.Error(t, extract.ValidateBill([]byte(`{"bill_date":"03/01/2024","meters":[]}`)))
	assert.Error(t, extract.ValidateBill([]byte(`{"meters":[{"bill_type":"Cable bill"}]}`)))
	assert.Error(t, extract.ValidateBill([]byte(`{"amount_due":"ten","meters":[]}`)))
}

// ocrRunner renders two pages and reads them back with canned text.
type ocrRunner struct {
	calls []string
}

func (r *ocrRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.calls = append(r.calls, name)
	switch name {
	case "pdftotext":
		return []byte("\f\n"), nil, nil
	case "pdftoppm":
		prefix := args[len(args)-1]
		for _, n := range []string{"-1.png", "-2.png"} {
			if err := os.WriteFile(prefix+n, []byte("png"), 0o600); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	case "tesseract":
		return []byte("CITY  GAS\t\tCO\n-----\nAmount due 12.00\n\n\n\n"), nil, nil
	}
	return nil, []byte("unknown command"), errors.New("exit status 127")
}

func TestPDFText_OCRFallback(t *testing.T) {
	r := &ocrRunner{}
	p := extract.PDFText{Runner: r, OCR: &extract.OCR{Runner: r}}

	text, err := p.Text(context.Background(), []byte("%PDF-1.4 scanned"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pdftotext", "pdftoppm", "tesseract", "tesseract"}, r.calls)
	assert.Equal(t, "CITY GAS CO\n\nAmount due 12.00\n\n\f\nCITY GAS CO\n\nAmount due 12.00", text)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a b\nc\n\nd", extract.NormalizeText("a \t b  \r\nc   \n\n\n\nd  \n"))
	assert.Equal(t, "", extract.NormalizeText(""))
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	doc := entity.Document{Filename: "bill.pdf", Content: []byte("%PDF-1.4")}

	tests := []struct {
		name string
		out  json.RawMessage
		err  error
		kind constants.ErrorKind
	}{
		{"valid document", json.RawMessage(`{"amount_due":10}`), nil, ""},
		{"not json", json.RawMessage(`not json`), nil, constants.ErrorKindAdapter},
		{"empty output", nil, nil, constants.ErrorKindAdapter},
		{"adapter failure passes through", nil, extract.Malformedf("no text"), constants.ErrorKindMalformedDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := extract.ExtractorFunc(func(context.Context, entity.Document) (json.RawMessage, error) {
				return tt.out, tt.err
			})
			data, err := extract.Run(ctx, ex, doc, time.Second)
			if tt.kind == "" {
				require.NoError(t, err)
				assert.JSONEq(t, string(tt.out), string(data))
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, extract.KindOf(err))
			assert.Nil(t, data)
		})
	}

	t.Run("returns at the deadline when the adapter ignores ctx", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		ex := extract.ExtractorFunc(func(context.Context, entity.Document) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{}`), nil
		})
		start := time.Now()
		_, err := extract.Run(ctx, ex, doc, 50*time.Millisecond)
		assert.Equal(t, constants.ErrorKindTimeout, extract.KindOf(err))
		assert.Less(t, time.Since(start), time.Second)
	})
}
