package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/chat"
	"github.com/bull/ragdesk/internal/indexer"
	"github.com/bull/ragdesk/internal/ledger"
	"github.com/bull/ragdesk/internal/registry"
)

// toolError turns a classified error into the message the MCP client sees:
// category and code first, then the hint.
func toolError(err error) error {
	category := apperr.CategoryOf(err)
	if category == "" {
		return err
	}
	msg := fmt.Sprintf("%s (%s): %v", category, apperr.CodeOf(err), err)
	if hint := apperr.HintOf(err); hint != "" {
		msg += ". " + hint
	}
	return errors.New(msg)
}

func makeChatHandler(orchestrator *chat.Orchestrator) func(
	context.Context, *mcp.CallToolRequest, ChatInput,
) (*mcp.CallToolResult, ChatOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ChatInput) (
		*mcp.CallToolResult, ChatOutput, error,
	) {
		resp, err := orchestrator.Chat(ctx, input.TenantID, input.Message)
		if err != nil {
			return nil, ChatOutput{}, toolError(err)
		}
		sourceIDs := resp.SourceIDs
		if sourceIDs == nil {
			sourceIDs = []string{} // Ensure non-nil for JSON marshaling
		}
		return nil, ChatOutput{
			Answer:        resp.Answer,
			Path:          string(resp.Path),
			TokensCharged: resp.TokensCharged,
			SourceIDs:     sourceIDs,
		}, nil
	}
}

// makeIngestWebsiteHandler runs ingestion synchronously; the tool returns
// once the page is indexed or has failed.
func makeIngestWebsiteHandler(pipeline *indexer.Pipeline) func(
	context.Context, *mcp.CallToolRequest, IngestWebsiteInput,
) (*mcp.CallToolResult, IngestWebsiteOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IngestWebsiteInput) (
		*mcp.CallToolResult, IngestWebsiteOutput, error,
	) {
		src, err := pipeline.IngestWebsite(ctx, input.TenantID, input.URL)
		if err != nil {
			return nil, IngestWebsiteOutput{}, toolError(err)
		}
		return nil, IngestWebsiteOutput{Source: summarize(src)}, nil
	}
}

func makeListSourcesHandler(pipeline *indexer.Pipeline) func(
	context.Context, *mcp.CallToolRequest, ListSourcesInput,
) (*mcp.CallToolResult, ListSourcesOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListSourcesInput) (
		*mcp.CallToolResult, ListSourcesOutput, error,
	) {
		sources, err := pipeline.ListSources(ctx, input.TenantID)
		if err != nil {
			return nil, ListSourcesOutput{}, toolError(err)
		}
		out := ListSourcesOutput{Sources: make([]SourceSummary, 0, len(sources)), Count: len(sources)}
		for _, src := range sources {
			out.Sources = append(out.Sources, summarize(src))
		}
		return nil, out, nil
	}
}

func makeGetBalanceHandler(l *ledger.Ledger) func(
	context.Context, *mcp.CallToolRequest, GetBalanceInput,
) (*mcp.CallToolResult, GetBalanceOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetBalanceInput) (
		*mcp.CallToolResult, GetBalanceOutput, error,
	) {
		if input.TenantID == "" {
			return nil, GetBalanceOutput{}, toolError(apperr.Validation("tenant_id is required"))
		}
		b, err := l.Balance(ctx, input.TenantID)
		if err != nil {
			return nil, GetBalanceOutput{}, toolError(err)
		}
		return nil, GetBalanceOutput{Tokens: b.Tokens, Held: b.Held, Available: b.Available()}, nil
	}
}

func summarize(src *registry.Source) SourceSummary {
	return SourceSummary{
		ID:         src.ID,
		Kind:       string(src.Kind),
		Identity:   src.Identity,
		Title:      src.Title,
		Status:     string(src.Status),
		Error:      src.Error,
		ChunkCount: src.ChunkCount,
		UpdatedAt:  src.UpdatedAt,
	}
}
