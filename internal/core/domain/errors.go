package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrTemporary             = errors.New("temporary failure")
	ErrIndexFailed           = errors.New("index failed")
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	ErrJobLocked             = errors.New("job already running")
	ErrUnknownJob            = errors.New("unknown job")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
