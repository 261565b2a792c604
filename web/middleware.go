package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			args = append(args, "error", c.Errors.String())
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			log.Error("HTTP request completed with server error", args...)
		case status >= 400:
			log.Warn("HTTP request completed with client error", args...)
		default:
			log.Debug("HTTP request completed", args...)
		}
	}
}

func recovery(log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", recovered,
			"stack", string(debug.Stack()))
		errorResponse(c, http.StatusInternalServerError, errorTypeInternal, "Internal server error occurred", nil)
	})
}

// sameOrigin rejects browser requests issued from another origin. Requests without an
// Origin header, such as the CLI's, pass.
func sameOrigin(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" && strings.EqualFold(u.Host, c.Request.Host) {
			c.Next()
			return
		}
		log.Warn("cross-origin request rejected", "origin", origin, "host", c.Request.Host, "path", c.Request.URL.Path)
		errorResponse(c, http.StatusForbidden, errorTypeForbidden, "Cross-origin requests are not allowed", nil)
		c.Abort()
	}
}
