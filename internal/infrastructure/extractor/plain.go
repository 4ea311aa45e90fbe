package extractor

import (
	"errors"
	"unicode/utf8"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

func plainText(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract plain text", errors.New("content is not valid UTF-8"))
	}
	return string(content), nil
}
