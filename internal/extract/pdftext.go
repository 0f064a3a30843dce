package extract

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/joseph-ayodele/bill-extractor/constants"
)

// PDFText converts a PDF document to plain text with pdftotext, falling
// back to OCR for scanned documents when OCR is set.
type PDFText struct {
	Runner Runner
	Bin    string
	OCR    *OCR
}

// Text returns the document's text. Content that is not a PDF, or a PDF
// without any readable text, is a malformed document.
func (p PDFText) Text(ctx context.Context, content []byte) (string, error) {
	if !bytes.HasPrefix(content, []byte(constants.PDFMagic)) {
		return "", Malformedf("not a PDF document")
	}

	tmp, err := os.CreateTemp("", "bill-*.pdf")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	bin := p.Bin
	if bin == "" {
		bin = "pdftotext"
	}
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := p.Runner.Run(ctx, bin, "-layout", "-enc", "UTF-8", "-eol", "unix", tmp.Name(), "-")
	if err != nil {
		return "", toolFailure(ctx, "pdftotext", err, errb)
	}

	text := strings.TrimSpace(string(out))
	if text == "" && p.OCR != nil {
		ocrText, err := p.OCR.Text(ctx, tmp.Name())
		if err != nil {
			return "", err
		}
		text = NormalizeText(ocrText)
	}
	if text == "" {
		return "", Malformedf("document has no extractable text")
	}
	return text, nil
}
