package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bull/ragdesk/internal/apperr"
)

var errMissingTenant = apperr.Validation("missing %s header", HeaderTenantID)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Category string `json:"category,omitempty"`
	Hint     string `json:"hint,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// StatusFor maps an error category to an HTTP status.
func StatusFor(err error) int {
	switch apperr.CategoryOf(err) {
	case apperr.CategoryValidation:
		return http.StatusBadRequest
	case apperr.CategoryNotFound:
		return http.StatusNotFound
	case apperr.CategoryConflict:
		return http.StatusConflict
	case apperr.CategoryQuotaExceeded:
		switch apperr.CodeOf(err) {
		case apperr.CodeRateLimitExceeded:
			return http.StatusTooManyRequests
		case apperr.CodeDocumentCap:
			return http.StatusForbidden
		default:
			return http.StatusPaymentRequired
		}
	case apperr.CategoryExtraction:
		return http.StatusUnprocessableEntity
	case apperr.CategoryEmbeddingService, apperr.CategoryGenerationService:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := ErrorBody{
		Error:    err.Error(),
		Code:     apperr.CodeOf(err),
		Category: string(apperr.CategoryOf(err)),
		Hint:     apperr.HintOf(err),
		TraceID:  c.GetString(traceKey),
	}
	if status == http.StatusInternalServerError && apperr.CategoryOf(err) == "" {
		// Unclassified errors may carry internals.
		body.Error = http.StatusText(status)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	if apperr.CategoryOf(err) == "" {
		err = apperr.Validation("invalid request: %v", err)
	}
	abortWithError(c, err)
}
