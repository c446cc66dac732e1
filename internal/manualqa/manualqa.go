// Package manualqa holds tenant-authored question/answer overrides that take
// precedence over generated answers.
package manualqa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bull/ragdesk/internal/apperr"
)

var ErrNotFound = errors.New("manual answer not found")

// Entry is one manual answer.
type Entry struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	TenantID  string    `gorm:"size:64;not null;index:idx_manual_qa_tenant_question,priority:1" json:"tenant_id"`
	Question  string    `gorm:"type:text;not null" json:"question"`
	MatchKey  string    `gorm:"size:1024;not null;index:idx_manual_qa_tenant_question,priority:2" json:"-"`
	Answer    string    `gorm:"type:text;not null" json:"answer"`
	Category  string    `gorm:"size:128" json:"category,omitempty"`
	Frequency int64     `gorm:"not null;default:0" json:"frequency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Entry) TableName() string {
	return "manual_qa"
}

// Input is the editable part of an entry.
type Input struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Question) == "" {
		return apperr.Validation("question is required")
	}
	if strings.TrimSpace(in.Answer) == "" {
		return apperr.Validation("answer is required")
	}
	return nil
}

// MatchKey normalises a message for exact matching: surrounding whitespace
// is trimmed, inner whitespace collapsed and case folded.
func MatchKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Store persists entries. IncrementMatch must find the entry and bump its
// frequency in one atomic step.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, tenantID, id string) (*Entry, error)
	List(ctx context.Context, tenantID string) ([]*Entry, error)
	Update(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, tenantID, id string) error
	IncrementMatch(ctx context.Context, tenantID, key string) (*Entry, error)
}

// Service validates and dispatches manual answer operations.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) Create(ctx context.Context, tenantID string, in Input) (*Entry, error) {
	if tenantID == "" {
		return nil, apperr.Validation("tenant id is required")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	e := &Entry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Question:  strings.TrimSpace(in.Question),
		MatchKey:  MatchKey(in.Question),
		Answer:    strings.TrimSpace(in.Answer),
		Category:  strings.TrimSpace(in.Category),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) Update(ctx context.Context, tenantID, id string, in Input) (*Entry, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	e, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	e.Question = strings.TrimSpace(in.Question)
	e.MatchKey = MatchKey(in.Question)
	e.Answer = strings.TrimSpace(in.Answer)
	e.Category = strings.TrimSpace(in.Category)
	e.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id string) (*Entry, error) {
	return s.store.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID string) ([]*Entry, error) {
	return s.store.List(ctx, tenantID)
}

func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	return s.store.Delete(ctx, tenantID, id)
}

// Match looks up the tenant's entry whose question equals message, ignoring
// case and surrounding whitespace. A hit increments its frequency. A miss
// returns (nil, nil).
func (s *Service) Match(ctx context.Context, tenantID, message string) (*Entry, error) {
	key := MatchKey(message)
	if key == "" {
		return nil, nil
	}
	e, err := s.store.IncrementMatch(ctx, tenantID, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func notFound(id string) error {
	return apperr.Wrap(fmt.Errorf("%w: %s", ErrNotFound, id),
		apperr.CategoryNotFound, apperr.CodeNotFound, "", false)
}
