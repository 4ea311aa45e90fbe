package extractor

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

func pdfText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf", fmt.Errorf("open pdf: %w", err))
	}
	var buf bytes.Buffer
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf", fmt.Errorf("page %d: %w", i, err))
		}
		buf.WriteString(text)
		if i < numPages {
			buf.WriteString("\n\n")
		}
	}
	return buf.String(), nil
}
