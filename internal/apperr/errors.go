// Package apperr classifies failures into the categories surfaced to callers.
// A classified error keeps its cause for errors.Is/As and adds a stable code,
// a user-facing hint and a retry flag.
package apperr

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryValidation        Category = "validation"
	CategoryQuotaExceeded     Category = "quota_exceeded"
	CategoryExtraction        Category = "extraction_failure"
	CategoryEmbeddingService  Category = "embedding_service_failure"
	CategoryGenerationService Category = "generation_service_failure"
	CategoryStorage           Category = "storage_failure"
	CategoryNotFound          Category = "not_found"
	CategoryConflict          Category = "conflict"
)

// Codes shared across packages.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeZeroBalance        = "zero_balance"
	CodeInsufficientTokens = "insufficient_tokens"
	CodeDocumentCap        = "document_cap"
	CodeUnsupportedFormat  = "unsupported_format"
	CodeExtractionTooShort = "extraction_too_short"
	CodeInvalidInput       = "invalid_input"
	CodeDuplicateSource    = "duplicate_source"
	CodeNotFound           = "not_found"
	CodeFetchFailed        = "fetch_failed"
	CodeEmbeddingFailed    = "embedding_failed"
	CodeGenerationFailed   = "generation_failed"
	CodeStorageFailed      = "storage_failed"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

// Wrap classifies cause. A nil cause stays nil.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// New builds a classified error from a message.
func New(category Category, code, msg, hint string) error {
	return Wrap(errors.New(msg), category, code, hint, false)
}

// Validation reports bad caller input.
func Validation(format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), CategoryValidation, CodeInvalidInput, "", false)
}

// Storage classifies a data store failure.
func Storage(cause error) error {
	return Wrap(cause, CategoryStorage, CodeStorageFailed, "The data store is unavailable, try again later.", true)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// Is reports whether err carries the given category.
func Is(err error, category Category) bool {
	return CategoryOf(err) == category
}
