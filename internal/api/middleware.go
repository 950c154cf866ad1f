package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"compliance-guardian/internal/guardian"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	callerKey       = "caller"
)

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		status := c.Writer.Status()
		s.metrics.ObserveRequest(c.Request.Method, c.FullPath(), status, elapsed)

		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("request_id", c.GetString(requestIDKey)).
			Str("caller", c.GetString(callerKey)).
			Msg("request served")
	}
}

// authenticate verifies the bearer token and runs the rest of the chain as
// the token's caller.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, err := s.auth.Verify(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, err.Error())
			return
		}
		c.Set(callerKey, caller.Hex())
		c.Request = c.Request.WithContext(guardian.WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}

// requireRole rejects callers without role before the handler parses
// anything. The guardian repeats the check inside its lock.
func (s *Server) requireRole(role guardian.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := guardian.CallerFrom(c.Request.Context())
		if !ok || !s.guardian.HasRole(role, caller) {
			abort(c, http.StatusForbidden, guardian.ErrUnauthorized.Error())
			return
		}
		c.Next()
	}
}
