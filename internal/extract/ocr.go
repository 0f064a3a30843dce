package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	reCRLF       = regexp.MustCompile(`\r\n?`)
	reTabs       = regexp.MustCompile(`\t+`)
	reMultiSpace = regexp.MustCompile(` {2,}`)
	reMultiBlank = regexp.MustCompile(`\n{3,}`)
	reBoxNoise   = regexp.MustCompile(`(?m)^\s*[_\-]{3,}\s*$`)
)

// OCR rasterizes scanned PDFs with pdftoppm and reads each page with tesseract.
type OCR struct {
	Runner    Runner
	Pdftoppm  string // default "pdftoppm"
	Tesseract string // default "tesseract"
	Lang      string // default "eng"
	DPI       int    // default 300
	MaxPages  int    // 0 = no limit
}

// Text returns the OCR text of the PDF at path, pages separated by form feeds.
func (o OCR) Text(ctx context.Context, path string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "bill-ocr-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dpi := o.DPI
	if dpi <= 0 {
		dpi = 300
	}
	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r 300 -png <in.pdf> <tmp/page>
	_, errb, err := o.Runner.Run(ctx, orDefault(o.Pdftoppm, "pdftoppm"), "-r", strconv.Itoa(dpi), "-png", path, prefix)
	if err != nil {
		return "", toolFailure(ctx, "pdftoppm", err, errb)
	}

	pages, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(pages)
	if o.MaxPages > 0 && len(pages) > o.MaxPages {
		pages = pages[:o.MaxPages]
	}
	if len(pages) == 0 {
		return "", Malformedf("pdftoppm produced no pages")
	}

	var b strings.Builder
	for _, img := range pages {
		// tesseract <file> stdout -l <lang>
		out, _, err := o.Runner.Run(ctx, orDefault(o.Tesseract, "tesseract"), img, "stdout", "-l", orDefault(o.Lang, "eng"))
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if unavailable(err) {
				return "", AdapterError(fmt.Errorf("tesseract unavailable: %w", err))
			}
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(reBoxNoise.ReplaceAllString(string(out), ""))
	}
	return b.String(), nil
}

// NormalizeText collapses noisy whitespace while keeping line breaks.
func NormalizeText(s string) string {
	if s == "" {
		return s
	}
	s = reCRLF.ReplaceAllString(s, "\n")
	s = reTabs.ReplaceAllString(s, " ")
	s = reMultiSpace.ReplaceAllString(s, " ")
	s = reMultiBlank.ReplaceAllString(s, "\n\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

