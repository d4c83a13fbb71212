package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

type PDF struct{}

func NewPDF() *PDF { return &PDF{} }

func (PDF) Name() string { return "pdf" }

func (PDF) CanHandle(ext string) bool { return ext == ".pdf" }

// Extract reads the text layer page by page. A page that panics inside the
// parser is skipped; a document whose structure cannot be read at all is
// reported as corrupt. Image-only PDFs yield empty text without error.
func (PDF) Extract(ctx context.Context, path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		if IsLocked(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer f.Close()

	pages := r.NumPage()
	var b strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b.WriteString(pageText(r, i))
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()), nil
}

func pageText(r *pdf.Reader, n int) (s string) {
	defer func() {
		if rec := recover(); rec != nil {
			s = ""
		}
	}()
	page := r.Page(n)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}
