package ingest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPDF pulls plain text out of an uploaded PDF, page by page.
// Returns the text and the page count. Encrypted or image-only PDFs
// come back as errors so ingestion halts instead of indexing nothing.
func ExtractPDF(data []byte, maxPages int) (string, int, error) {
	if len(data) == 0 {
		return "", 0, fmt.Errorf("empty file")
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	total := reader.NumPage()
	if total == 0 {
		return "", 0, fmt.Errorf("pdf has no pages")
	}
	if maxPages > 0 && total > maxPages {
		return "", total, fmt.Errorf("pdf has %d pages, limit is %d", total, maxPages)
	}

	var sb strings.Builder
	for pageIndex := 1; pageIndex <= total; pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", total, fmt.Errorf("extract page %d: %w", pageIndex, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", total, fmt.Errorf("no extractable text (scanned or image-only pdf?)")
	}
	return out, total, nil
}
