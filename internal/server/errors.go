package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-orchestrator/internal/domain"
)

func statusFor(err error) int {
	var de *domain.Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}
	switch de.Kind {
	case domain.KindValidation, domain.KindBadRequest:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindExternalService:
		if de.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a failure. Internal details stay in the log.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": "internal error", "code": domain.KindInternal}

	var de *domain.Error
	if errors.As(err, &de) && de.Kind != domain.KindInternal {
		body = gin.H{"error": de.Message, "code": de.Kind}
		if len(de.Fields) > 0 {
			body["details"] = de.Fields
		}
		if de.Kind == domain.KindExternalService {
			body["retryable"] = de.Retryable
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request.failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, body)
}

func badBody(err error) error {
	return domain.Validation("invalid request body: %v", err)
}
