package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := zapcore.InfoLevel
		if status >= http.StatusInternalServerError {
			level = zapcore.ErrorLevel
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Log(level, "http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "DENY")
		header.Set("Referrer-Policy", "no-referrer")
		header.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		header.Set("Cross-Origin-Opener-Policy", "same-origin")
		if c.Request.TLS != nil {
			header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// corsMiddleware allows any origin without credentials unless explicit origins are configured,
// in which case cookies may accompany cross-origin requests from those origins.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept", "Origin"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	explicit := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			explicit = nil
			break
		}
		explicit = append(explicit, origin)
	}
	if len(explicit) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = explicit
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) loadSession(c *gin.Context) {
	ctx, err := h.sessions.Load(c.Request)
	if err != nil {
		h.logger.Error("session load failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return
	}
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

// saveSession persists session changes; it must run before the response body is written.
func (h *httpHandler) saveSession(c *gin.Context) bool {
	if err := h.sessions.Save(c.Request.Context(), c.Writer); err != nil {
		h.logger.Error("session save failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return false
	}
	return true
}
