package storage

import (
	"errors"

	"github.com/bull/ragdesk/internal/apperr"
)

var (
	ErrQdrantUnreachable = errors.New("qdrant server unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrMissingTenant     = errors.New("tenant id is required")
)

// fail classifies err as a storage failure.
func fail(err error) error {
	return apperr.Storage(err)
}
