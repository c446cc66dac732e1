// Package registry tracks knowledge sources and their ingestion state.
package registry

import "time"

type Kind string

const (
	KindFile    Kind = "file"
	KindWebsite Kind = "website"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusProcessing          Status = "processing"
	StatusIndexed             Status = "indexed"
	StatusFailed              Status = "failed"
	StatusProcessedAndDeleted Status = "processed_and_deleted"
)

// Source is one uploaded file or website page of a tenant.
type Source struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	TenantID    string    `gorm:"size:64;not null;uniqueIndex:idx_sources_identity,priority:1" json:"tenant_id"`
	Kind        Kind      `gorm:"size:16;not null;uniqueIndex:idx_sources_identity,priority:2" json:"kind"`
	Identity    string    `gorm:"size:2048;not null;uniqueIndex:idx_sources_identity,priority:3" json:"identity"` // file name or URL
	Status      Status    `gorm:"size:32;not null;default:'pending';index" json:"status"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	Title       string    `gorm:"size:512" json:"title,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	PageCount   int       `json:"page_count"`
	ChunkCount  int       `json:"chunk_count"`
	RawBlobKey  string    `gorm:"size:512" json:"-"`
	TextBlobKey string    `gorm:"size:512" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Source) TableName() string {
	return "sources"
}

// Terminal reports whether no further ingestion transition is possible.
func (s *Source) Terminal() bool {
	return s.Status == StatusFailed || s.Status == StatusProcessedAndDeleted ||
		(s.Status == StatusIndexed && s.Kind == KindWebsite)
}

// countsTowardCap reports whether the source occupies a file slot.
// Failed uploads do not.
func (s *Source) countsTowardCap() bool {
	return s.Kind == KindFile && s.Status != StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusIndexed, StatusFailed},
	StatusIndexed:    {StatusProcessedAndDeleted},
}

func canTransition(src *Source, to Status) bool {
	if to == StatusProcessedAndDeleted && src.Kind != KindFile {
		return false
	}
	for _, s := range transitions[src.Status] {
		if s == to {
			return true
		}
	}
	return false
}
