// Package main runs the ragdesk HTTP API and MCP server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/bull/ragdesk/internal/app"
	"github.com/bull/ragdesk/internal/config"
	"github.com/bull/ragdesk/internal/httpapi"
	mcpserver "github.com/bull/ragdesk/internal/mcp"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./config.yaml when present)")
	flag.Parse()

	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, cleanup, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	server := mcpserver.NewServer(&mcpserver.Config{
		Chat:     a.Chat,
		Pipeline: a.Pipeline,
		Ledger:   a.Ledger,
		Version:  version,
	})

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Services{
		Pipeline: a.Pipeline,
		Chat:     a.Chat,
		Manual:   a.Manual,
		Ledger:   a.Ledger,
	}, httpapi.Config{
		Health: mcpserver.NewHealthHandler(a.Health),
		MCP:    mcpserver.NewHTTPHandler(server, &mcpserver.HTTPHandlerOptions{Stateless: true}),
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr, "mode", cfg.ServerMode, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.ServerMode == "stdio" {
		// Stdio mode: MCP over stdin/stdout for a local client; the HTTP API
		// keeps running for health checks and uploads.
		go func() {
			logger.Info("starting MCP server on stdio")
			errCh <- server.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("HTTP shutdown", "error", serr)
	}
	logger.Info("server stopped")
	return err
}
