// Package security provides HTTP hardening middleware and operator identity
// handling for the risk engine API.
package security

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")

		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// JSON API plus the alert WebSocket; nothing is rendered.
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")

		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// CORSMiddleware handles CORS for dashboard origins. An empty list or "*"
// allows every origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", OperatorHeader},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        24 * time.Hour,
	}

	wildcard := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
	}
	if wildcard {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
