package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SecurityMiddleware hardens responses and bounds request bodies
type SecurityMiddleware struct {
	maxRequestSize int64
}

func NewSecurityMiddleware() *SecurityMiddleware {
	return &SecurityMiddleware{
		maxRequestSize: 1 << 20, // 1MB, trade payloads are tiny
	}
}

// SecurityHeaders adds the standard hardening headers. Sensitive endpoints
// additionally disable response caching.
func (s *SecurityMiddleware) SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if s.isSensitiveEndpoint(c.Request.URL.Path) {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate")
			c.Header("Pragma", "no-cache")
		}

		c.Next()
	}
}

// RequestSizeLimit rejects oversized bodies before they reach a handler
func (s *SecurityMiddleware) RequestSizeLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > s.maxRequestSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "Request too large",
				"message": fmt.Sprintf("Request size exceeds maximum allowed (%d bytes)", s.maxRequestSize),
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxRequestSize)
		c.Next()
	}
}

func (s *SecurityMiddleware) isSensitiveEndpoint(path string) bool {
	sensitivePrefixes := []string{
		"/api/trading/",
		"/api/portfolio",
		"/api/pool/",
	}

	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}
