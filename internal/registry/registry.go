package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bull/ragdesk/internal/apperr"
)

// DefaultMaxFiles is the per-tenant file source cap.
const DefaultMaxFiles = 5

// Registry enforces the source state machine on top of a Store:
//
//	pending -> processing -> indexed | failed
//	pending -> failed
//	indexed -> processed_and_deleted (files only)
type Registry struct {
	store    Store
	maxFiles int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxFiles sets the per-tenant file cap. Zero disables the cap.
func WithMaxFiles(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.maxFiles = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger. If unset, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		maxFiles: DefaultMaxFiles,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BeginIngestion creates a pending source. It fails with a conflict when the
// tenant already has a source of the same kind and identity, and with a quota
// error when a new file would exceed the cap.
func (r *Registry) BeginIngestion(ctx context.Context, tenantID string, kind Kind, identity string, size int64) (*Source, error) {
	identity = strings.TrimSpace(identity)
	switch {
	case tenantID == "":
		return nil, apperr.Validation("tenant id is required")
	case kind != KindFile && kind != KindWebsite:
		return nil, apperr.Validation("unknown source kind %q", kind)
	case identity == "":
		return nil, apperr.Validation("source identity is required")
	case size < 0:
		return nil, apperr.Validation("size must not be negative")
	}

	now := r.now().UTC()
	src := &Source{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Kind:      kind,
		Identity:  identity,
		Status:    StatusPending,
		SizeBytes: size,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Create(ctx, src, r.maxFiles); err != nil {
		return nil, err
	}
	r.logger.Debug("source created", "tenant", tenantID, "source", src.ID, "kind", kind)
	return src, nil
}

func (r *Registry) MarkProcessing(ctx context.Context, tenantID, id string) (*Source, error) {
	return r.transition(ctx, tenantID, id, StatusProcessing, nil)
}

func (r *Registry) MarkIndexed(ctx context.Context, tenantID, id string, chunkCount int) (*Source, error) {
	return r.transition(ctx, tenantID, id, StatusIndexed, func(s *Source) {
		s.ChunkCount = chunkCount
		s.Error = ""
	})
}

// MarkFailed records the failure reason.
func (r *Registry) MarkFailed(ctx context.Context, tenantID, id string, cause error) (*Source, error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return r.transition(ctx, tenantID, id, StatusFailed, func(s *Source) {
		s.Error = reason
	})
}

// MarkBlobsPurged moves an indexed file to processed_and_deleted once its
// blobs are gone.
func (r *Registry) MarkBlobsPurged(ctx context.Context, tenantID, id string) (*Source, error) {
	return r.transition(ctx, tenantID, id, StatusProcessedAndDeleted, func(s *Source) {
		s.RawBlobKey = ""
		s.TextBlobKey = ""
	})
}

// SetBlobKeys records where the raw and extracted blobs live. Empty keys
// clear them.
func (r *Registry) SetBlobKeys(ctx context.Context, tenantID, id, rawKey, textKey string) (*Source, error) {
	return r.update(ctx, tenantID, id, func(s *Source) error {
		s.RawBlobKey = rawKey
		s.TextBlobKey = textKey
		return nil
	})
}

// SetDetails records extraction metadata.
func (r *Registry) SetDetails(ctx context.Context, tenantID, id, title string, pageCount int) (*Source, error) {
	return r.update(ctx, tenantID, id, func(s *Source) error {
		s.Title = title
		s.PageCount = pageCount
		return nil
	})
}

func (r *Registry) Get(ctx context.Context, tenantID, id string) (*Source, error) {
	return r.store.Get(ctx, tenantID, id)
}

func (r *Registry) List(ctx context.Context, tenantID string) ([]*Source, error) {
	return r.store.List(ctx, tenantID)
}

func (r *Registry) Delete(ctx context.Context, tenantID, id string) error {
	return r.store.Delete(ctx, tenantID, id)
}

func (r *Registry) transition(ctx context.Context, tenantID, id string, to Status, mutate func(*Source)) (*Source, error) {
	src, err := r.update(ctx, tenantID, id, func(s *Source) error {
		if !canTransition(s, to) {
			return apperr.Wrap(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to),
				apperr.CategoryConflict, "invalid_transition", "", false)
		}
		s.Status = to
		if mutate != nil {
			mutate(s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("source transition", "tenant", tenantID, "source", id, "status", to)
	return src, nil
}

func (r *Registry) update(ctx context.Context, tenantID, id string, fn func(*Source) error) (*Source, error) {
	return r.store.Update(ctx, tenantID, id, func(s *Source) error {
		if err := fn(s); err != nil {
			return err
		}
		s.UpdatedAt = r.now().UTC()
		return nil
	})
}
