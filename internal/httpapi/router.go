// Package httpapi exposes ingestion, chat, manual answers and balances over
// HTTP. Tenants are identified by a header set by the upstream auth layer.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/bull/ragdesk/internal/chat"
	"github.com/bull/ragdesk/internal/indexer"
	"github.com/bull/ragdesk/internal/ledger"
	"github.com/bull/ragdesk/internal/manualqa"
)

// Services are the domain services behind the API.
type Services struct {
	Pipeline *indexer.Pipeline
	Chat     *chat.Orchestrator
	Manual   *manualqa.Service
	Ledger   *ledger.Ledger
}

// Config tunes the router. Health and MCP are mounted when set.
type Config struct {
	AllowOrigins   []string
	MaxUploadBytes int64
	Health         http.Handler
	MCP            http.Handler
}

// NewRouter builds the gin engine.
func NewRouter(s Services, cfg Config, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}

	h := &Handler{
		pipeline:  s.Pipeline,
		chat:      s.Chat,
		manual:    s.Manual,
		ledger:    s.Ledger,
		maxUpload: cfg.MaxUploadBytes,
		logger:    logger,
	}

	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(LoggingMiddleware(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", HeaderTenantID, HeaderTraceID},
		ExposeHeaders: []string{"Content-Length", HeaderTraceID},
		MaxAge:        12 * time.Hour,
	}))

	if cfg.Health != nil {
		r.GET("/health", gin.WrapH(cfg.Health))
	}
	if cfg.MCP != nil {
		r.Any("/mcp", gin.WrapH(cfg.MCP))
	}

	api := r.Group("/api/v1")
	api.Use(TenantMiddleware())
	{
		api.POST("/sources/files", h.uploadFile)
		api.POST("/sources/websites", h.addWebsite)
		api.GET("/sources", h.listSources)
		api.GET("/sources/:id", h.getSource)
		api.GET("/sources/:id/text", h.sourceText)
		api.DELETE("/sources/:id", h.deleteSource)

		api.POST("/chat", h.chatMessage)

		api.GET("/manual-qa", h.listManual)
		api.POST("/manual-qa", h.createManual)
		api.PUT("/manual-qa/:id", h.updateManual)
		api.DELETE("/manual-qa/:id", h.deleteManual)

		api.GET("/balance", h.balance)
		api.POST("/recharge", h.recharge)
	}

	return r
}
