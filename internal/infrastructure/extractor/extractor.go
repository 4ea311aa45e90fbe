// Package extractor turns source file bytes into plain document text.
package extractor

import (
	"fmt"
	"strings"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const (
	FormatText = "text"
	FormatHTML = "html"
	FormatPDF  = "pdf"
)

// FormatForExtension maps a file extension (with dot) to an extraction format.
func FormatForExtension(ext string) (string, bool) {
	switch strings.ToLower(ext) {
	case ".txt", ".md", ".markdown", ".rst":
		return FormatText, true
	case ".html", ".htm":
		return FormatHTML, true
	case ".pdf":
		return FormatPDF, true
	default:
		return "", false
	}
}

// Text extracts plain text; an empty format means plain text.
func Text(content []byte, format string) (string, error) {
	var (
		text string
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		text, err = plainText(content)
	case FormatHTML:
		text, err = htmlText(content)
	case FormatPDF:
		text, err = pdfText(content)
	default:
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", fmt.Errorf("unsupported format %q", format))
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
