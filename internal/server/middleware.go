package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docparse/internal/auth"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
)

const headerRequestID = "X-Request-ID"

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"request_id", common.RequestIDFromContext(c.Request.Context()),
			"elapsed_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			s.logger.Error("http.request", attrs...)
		case status >= 400:
			s.logger.Warn("http.request", attrs...)
		default:
			s.logger.Info("http.request", attrs...)
		}
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			if len(s.allowedOrigins) == 0 {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authenticate resolves the caller and stores the identity on the request context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.deps.Auth.Resolve(c.Request.Context(), auth.FromRequest(c.Request, s.sessionCookie))
		if err != nil {
			s.abort(c, err)
			return
		}
		c.Request = c.Request.WithContext(common.WithIdentity(c.Request.Context(), id.OrganizationID, id.UserID))
		c.Next()
	}
}

func identity(c *gin.Context) entity.Identity {
	orgID, userID := common.IdentityFromContext(c.Request.Context())
	return entity.Identity{OrganizationID: orgID, UserID: userID}
}
