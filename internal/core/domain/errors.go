package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemporary        = errors.New("temporary failure")

	ErrVersionConflict   = errors.New("document version conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotCancellable    = errors.New("document is not cancellable")
	ErrStoreContention   = errors.New("store contention persisted")

	// ErrAlreadyResolved rejects a second review resolution of the same document.
	ErrAlreadyResolved = errors.New("review already resolved")

	// ErrExtractionUnavailable marks an unreachable or rate-limited extraction capability. Retryable.
	ErrExtractionUnavailable = errors.New("extraction unavailable")
	// ErrExtractionMalformedInput marks an unreadable or unsupported image. Never retried.
	ErrExtractionMalformedInput = errors.New("extraction malformed input")
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
