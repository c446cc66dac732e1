package httpapi

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/chat"
	"github.com/bull/ragdesk/internal/indexer"
	"github.com/bull/ragdesk/internal/ledger"
	"github.com/bull/ragdesk/internal/manualqa"
)

const DefaultMaxUploadBytes = 20 << 20

// Handler serves the tenant API.
type Handler struct {
	pipeline  *indexer.Pipeline
	chat      *chat.Orchestrator
	manual    *manualqa.Service
	ledger    *ledger.Ledger
	maxUpload int64
	logger    *slog.Logger
}

type websiteRequest struct {
	URL string `json:"url" binding:"required"`
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

type rechargeRequest struct {
	Tokens int64 `json:"tokens" binding:"required"`
}

type balanceResponse struct {
	Tokens    int64 `json:"tokens"`
	Held      int64 `json:"held"`
	Available int64 `json:"available"`
}

func (h *Handler) uploadFile(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, apperr.Validation("multipart field \"file\" is required"))
		return
	}
	if header.Size > h.maxUpload {
		badRequest(c, apperr.Validation("file is larger than %d bytes", h.maxUpload))
		return
	}
	f, err := header.Open()
	if err != nil {
		badRequest(c, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		badRequest(c, err)
		return
	}
	if int64(len(data)) > h.maxUpload {
		badRequest(c, apperr.Validation("file is larger than %d bytes", h.maxUpload))
		return
	}

	src, err := h.pipeline.IngestFile(c.Request.Context(), tenantOf(c), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, src)
}

func (h *Handler) addWebsite(c *gin.Context) {
	var req websiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	src, err := h.pipeline.IngestWebsite(c.Request.Context(), tenantOf(c), req.URL)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, src)
}

func (h *Handler) listSources(c *gin.Context) {
	sources, err := h.pipeline.ListSources(c.Request.Context(), tenantOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

func (h *Handler) getSource(c *gin.Context) {
	src, err := h.pipeline.GetSource(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, src)
}

func (h *Handler) sourceText(c *gin.Context) {
	text, err := h.pipeline.ExtractedText(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.String(http.StatusOK, text)
}

func (h *Handler) deleteSource(c *gin.Context) {
	if err := h.pipeline.DeleteSource(c.Request.Context(), tenantOf(c), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) chatMessage(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := h.chat.Chat(c.Request.Context(), tenantOf(c), req.Message)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listManual(c *gin.Context) {
	entries, err := h.manual.List(c.Request.Context(), tenantOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) createManual(c *gin.Context) {
	var in manualqa.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := h.manual.Create(c.Request.Context(), tenantOf(c), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) updateManual(c *gin.Context) {
	var in manualqa.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := h.manual.Update(c.Request.Context(), tenantOf(c), c.Param("id"), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) deleteManual(c *gin.Context) {
	if err := h.manual.Delete(c.Request.Context(), tenantOf(c), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) balance(c *gin.Context) {
	b, err := h.ledger.Balance(c.Request.Context(), tenantOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Tokens: b.Tokens, Held: b.Held, Available: b.Available()})
}

// recharge is called by the billing collaborator after a successful payment.
func (h *Handler) recharge(c *gin.Context) {
	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	change, err := h.ledger.Recharge(c.Request.Context(), tenantOf(c), req.Tokens)
	if err != nil {
		abortWithError(c, err)
		return
	}
	h.logger.Info("tenant recharged", "tenant", tenantOf(c), "tokens", req.Tokens, "trace", TraceIDFrom(c.Request.Context()))
	c.JSON(http.StatusOK, gin.H{"previous": change.Pre, "tokens": change.Post})
}
