package registry

import (
	"errors"
	"fmt"

	"github.com/bull/ragdesk/internal/apperr"
)

var (
	ErrNotFound          = errors.New("source not found")
	ErrDuplicate         = errors.New("source already exists")
	ErrDocumentCap       = errors.New("document limit reached")
	ErrInvalidTransition = errors.New("invalid source state transition")
)

func notFound(id string) error {
	return apperr.Wrap(fmt.Errorf("%w: %s", ErrNotFound, id),
		apperr.CategoryNotFound, apperr.CodeNotFound, "", false)
}

func duplicate(kind Kind, identity string) error {
	return apperr.Wrap(fmt.Errorf("%w: %s %q", ErrDuplicate, kind, identity),
		apperr.CategoryConflict, apperr.CodeDuplicateSource,
		"Delete the existing source before adding it again.", false)
}

func documentCap(limit int) error {
	return apperr.Wrap(fmt.Errorf("%w: at most %d files", ErrDocumentCap, limit),
		apperr.CategoryQuotaExceeded, apperr.CodeDocumentCap,
		"Delete a document to upload a new one.", false)
}
