package server

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-orchestrator/internal/auth"
	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/idempotency"
)

const (
	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
)

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(headerRequestID, requestID)

		c.Next()

		fields := []zap.Field{
			zap.String("requestId", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if p, ok := auth.PrincipalFrom(c); ok {
			fields = append(fields, zap.String("userId", p.UserID))
		}
		s.logger.Info("request", fields...)
	}
}

// rateLimit is a fixed one-minute window per user, counted in the shared
// store so every instance sees the same budget.
func (s *Server) rateLimit() gin.HandlerFunc {
	limit := s.cfg.RateLimitPerMinute
	return func(c *gin.Context) {
		p, ok := auth.PrincipalFrom(c)
		if limit <= 0 || !ok {
			c.Next()
			return
		}
		now := time.Now()
		window := now.Unix() / 60
		key := "rate:" + p.UserID + ":" + strconv.FormatInt(window, 10)
		n, err := s.keys.Incr(c.Request.Context(), key, time.Minute)
		if err != nil {
			// fail open
			s.logger.Warn("ratelimit.store.failed", zap.Error(err))
			c.Next()
			return
		}
		if n > limit {
			retry := 60 - now.Unix()%60
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}

type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotent replays the stored response of a request retried with the same
// Idempotency-Key. Keys are scoped to the caller and the route. Server
// errors release the key so the client can try again.
func (s *Server) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			s.writeError(c, domain.Validation("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
			return
		}
		p, _ := auth.PrincipalFrom(c)
		scoped := strings.Join([]string{"http", p.UserID, c.Request.Method, c.Request.URL.Path, key}, ":")

		ctx := c.Request.Context()
		claimed, existing, err := s.keys.Claim(ctx, scoped, s.cfg.IdempotencyTTL)
		if err != nil {
			s.writeError(c, domain.Internal("idempotency store", err))
			return
		}
		if !claimed {
			if existing != nil && existing.State == idempotency.StateCompleted {
				c.Header(headerReplayed, "true")
				c.Data(existing.StatusCode, "application/json; charset=utf-8", existing.Body)
				c.Abort()
				return
			}
			s.writeError(c, domain.Conflict("a request with this Idempotency-Key is still in progress"))
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		// the client may be gone, the outcome still has to be stored
		ctx = context.WithoutCancel(ctx)
		status := rec.Status()
		if status >= http.StatusInternalServerError {
			if err := s.keys.Release(ctx, scoped); err != nil {
				s.logger.Warn("idempotency.release.failed", zap.Error(err))
			}
			return
		}
		if err := s.keys.Complete(ctx, scoped, status, rec.body.Bytes(), s.cfg.IdempotencyTTL); err != nil {
			s.logger.Warn("idempotency.complete.failed", zap.Error(err))
		}
	}
}
