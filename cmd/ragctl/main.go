// Package main provides ragctl, the operator CLI for ragdesk tenants.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/ragdesk/internal/app"
	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/config"
	"github.com/bull/ragdesk/internal/registry"
)

var (
	configPath string
	tenantID   string
)

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "ragdesk operator tool",
	Long: `CLI for managing a tenant's knowledge, manual answers and token balance.

ragctl uses the same configuration as the server. Point DATABASE_URL,
REDIS_ADDR, VECTOR_BACKEND and BLOB_BACKEND at the shared backends; with the
in-memory defaults every invocation starts from an empty state.

Environment variables:
  OPENAI_API_KEY  OpenAI API key for embeddings and answers (required)
  DATABASE_URL    Postgres connection string (sources, manual answers, balances)
  REDIS_ADDR      Redis address (balances, rate limits, answer cache)
  VECTOR_BACKEND  memory, qdrant or pgvector (default: memory)
  GITHUB_TOKEN    GitHub token for higher rate limits (optional)`,
	SilenceUsage: true,
}

var ingestFileCmd = &cobra.Command{
	Use:   "ingest-file <path>",
	Short: "Extract, chunk and index a local PDF, DOCX, TXT or Markdown file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestFile,
}

var ingestURLCmd = &cobra.Command{
	Use:   "ingest-url <url>",
	Short: "Fetch a single web page and index its text",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestURL,
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the tenant's knowledge sources",
	Args:  cobra.NoArgs,
	RunE:  runSources,
}

var deleteSourceCmd = &cobra.Command{
	Use:   "delete <source-id>",
	Short: "Remove a source with its vectors and stored blobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteSource,
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Ask a question as the tenant's end user",
	Args:  cobra.ExactArgs(1),
	RunE:  runChat,
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the tenant's token balance",
	Args:  cobra.NoArgs,
	RunE:  runBalance,
}

var rechargeCmd = &cobra.Command{
	Use:   "recharge <tokens>",
	Short: "Add tokens to the tenant's balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecharge,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant id (required)")
	_ = rootCmd.MarkPersistentFlagRequired("tenant")

	sourcesCmd.AddCommand(deleteSourceCmd)
	rootCmd.AddCommand(ingestFileCmd, ingestURLCmd, sourcesCmd, chatCmd, balanceCmd, rechargeCmd, manualCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		if hint := apperr.HintOf(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

// withApp loads configuration, wires the services and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, cleanup, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, a)
}

func runIngestFile(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		start := time.Now()
		src, err := a.Pipeline.IngestFile(ctx, tenantID, filepath.Base(path), "", data)
		if err != nil {
			return err
		}
		printSource(cmd, src)
		fmt.Fprintf(cmd.OutOrStdout(), "  Duration: %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	})
}

func runIngestURL(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		src, err := a.Pipeline.IngestWebsite(ctx, tenantID, args[0])
		if err != nil {
			return err
		}
		printSource(cmd, src)
		return nil
	})
}

func runSources(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		sources, err := a.Pipeline.ListSources(ctx, tenantID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(sources) == 0 {
			fmt.Fprintln(out, "No sources.")
			return nil
		}
		for _, src := range sources {
			fmt.Fprintf(out, "%s  %-7s  %-21s  %4d chunks  %s\n",
				src.ID, src.Kind, src.Status, src.ChunkCount, src.Identity)
			if src.Error != "" {
				fmt.Fprintf(out, "    error: %s\n", src.Error)
			}
		}
		return nil
	})
}

func runDeleteSource(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.Pipeline.DeleteSource(ctx, tenantID, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	})
}

func runChat(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		resp, err := a.Chat.Chat(ctx, tenantID, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, resp.Answer)
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Path: %s\n", resp.Path)
		fmt.Fprintf(out, "  Tokens charged: %d\n", resp.TokensCharged)
		return nil
	})
}

func runBalance(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		b, err := a.Ledger.Balance(ctx, tenantID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Tokens: %d (held %d, available %d)\n", b.Tokens, b.Held, b.Available())
		return nil
	})
}

func runRecharge(cmd *cobra.Command, args []string) error {
	tokens, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("tokens must be an integer: %w", err)
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		change, err := a.Ledger.Recharge(ctx, tenantID, tokens)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Balance: %d -> %d\n", change.Pre, change.Post)
		return nil
	})
}

func printSource(cmd *cobra.Command, src *registry.Source) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Source %s\n", src.ID)
	fmt.Fprintf(out, "  Identity: %s\n", src.Identity)
	fmt.Fprintf(out, "  Status: %s\n", src.Status)
	if src.Title != "" {
		fmt.Fprintf(out, "  Title: %s\n", src.Title)
	}
	fmt.Fprintf(out, "  Chunks: %d\n", src.ChunkCount)
}
