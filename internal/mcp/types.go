// Package mcp exposes chat, website ingestion and balances as MCP tools.
package mcp

import "time"

// ChatInput defines the input parameters for the chat tool.
type ChatInput struct {
	TenantID string `json:"tenant_id" jsonschema:"the tenant whose knowledge answers the message"`
	Message  string `json:"message" jsonschema:"the end user's message"`
}

// ChatOutput is the answer and how it was produced.
type ChatOutput struct {
	Answer string `json:"answer"`
	// Path is one of manual, cache, fallback or generated.
	Path          string   `json:"path"`
	TokensCharged int64    `json:"tokens_charged"`
	SourceIDs     []string `json:"source_ids"`
}

// IngestWebsiteInput defines the input parameters for the ingest_website tool.
type IngestWebsiteInput struct {
	TenantID string `json:"tenant_id" jsonschema:"the tenant that owns the new source"`
	URL      string `json:"url" jsonschema:"an http or https URL of a single page"`
}

// SourceSummary describes one knowledge source.
type SourceSummary struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Identity   string    `json:"identity"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IngestWebsiteOutput is the indexed source.
type IngestWebsiteOutput struct {
	Source SourceSummary `json:"source"`
}

// ListSourcesInput defines the input parameters for the list_sources tool.
type ListSourcesInput struct {
	TenantID string `json:"tenant_id" jsonschema:"the tenant whose sources are listed"`
}

// ListSourcesOutput contains every source of the tenant, oldest first.
type ListSourcesOutput struct {
	Sources []SourceSummary `json:"sources"`
	Count   int             `json:"count"`
}

// GetBalanceInput defines the input parameters for the get_balance tool.
type GetBalanceInput struct {
	TenantID string `json:"tenant_id" jsonschema:"the tenant whose balance is read"`
}

// GetBalanceOutput is the tenant's token balance.
type GetBalanceOutput struct {
	Tokens    int64 `json:"tokens"`
	Held      int64 `json:"held"`
	Available int64 `json:"available"`
}
