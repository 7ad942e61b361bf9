package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pearlhq/pearl/internal/apierrors"
)

const defaultAuthHeader = "X-API-Key"

// corsMiddleware mirrors the configured allowed origins and short-circuits
// preflight requests.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	origins := s.cfg.Server.CORSAllowedOrigins
	if origins == "" {
		origins = "*"
	}

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Pearl-Agent")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authMiddleware gates requests on the configured API key. When auth is
// enabled but no key is configured the server fails closed rather than open.
func (s *Server) authMiddleware() gin.HandlerFunc {
	header := s.cfg.Auth.Header
	if header == "" {
		header = defaultAuthHeader
	}

	return func(c *gin.Context) {
		if !s.cfg.Auth.Enabled {
			c.Next()
			return
		}

		if s.cfg.Auth.APIKey == "" {
			s.logger.Error("auth enabled without an api key, refusing requests")
			apierrors.AbortWithServiceUnavailable(c, "authentication is enabled but no API key is configured", nil)
			return
		}

		presented := c.GetHeader(header)
		if presented == "" {
			if bearer := c.GetHeader("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				presented = strings.TrimPrefix(bearer, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Auth.APIKey)) != 1 {
			apierrors.AbortWithUnauthorized(c, "invalid or missing API key", nil)
			return
		}

		c.Next()
	}
}
