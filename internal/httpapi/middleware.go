package httpapi

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderTraceID  = "X-Trace-Id"
	HeaderTenantID = "X-Tenant-ID"

	traceKey  = "traceID"
	tenantKey = "tenantID"
)

type traceCtxKey struct{}

// TraceIDFrom returns the trace id stored by TraceMiddleware.
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceCtxKey{}).(string)
	return id
}

// TraceMiddleware reuses the caller's trace id or generates one, and echoes
// it in the response.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
		}

		c.Set(traceKey, traceID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), traceCtxKey{}, traceID))
		c.Header(HeaderTraceID, traceID)

		c.Next()
	}
}

// TenantMiddleware requires the tenant header set by the upstream auth layer.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenantID == "" {
			abortWithError(c, errMissingTenant)
			return
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

func tenantOf(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"tenant", tenantOf(c),
			"trace", c.GetString(traceKey),
			"duration", time.Since(start),
		)
	}
}
