package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/idempotency"
	"market-orchestrator/internal/infrastructure/carrier"
	"market-orchestrator/internal/infrastructure/payment"
)

const (
	maxWebhookBody   = 64 << 10
	headerStripeSig  = "Stripe-Signature"
	headerCarrierKey = "X-Carrier-Key"
)

// paymentWebhookHandler acks everything it will never be able to act on,
// so the processor stops redelivering, and answers 5xx only when a retry
// can help.
func (s *Server) paymentWebhookHandler(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		s.writeError(c, domain.BadRequest("unreadable webhook body"))
		return
	}
	ev, err := s.verifier.Verify(payload, c.GetHeader(headerStripeSig))
	if err != nil {
		s.logger.Warn("webhook.payment.rejected", zap.Error(err))
		s.writeError(c, domain.BadRequest("invalid webhook signature"))
		return
	}

	log := s.logger.With(zap.String("eventId", ev.ID), zap.String("eventType", ev.Type))
	if ev.Type != payment.EventPaymentSucceeded {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	txnID, err := uuid.Parse(ev.TransactionID)
	if err != nil {
		log.Warn("webhook.payment.no_transaction", zap.String("authorizationId", ev.AuthorizationID))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ctx := c.Request.Context()
	key := "payment-event:" + ev.ID
	if ev.ID != "" {
		claimed, existing, err := s.keys.Claim(ctx, key, s.cfg.IdempotencyTTL)
		if err != nil {
			s.writeError(c, domain.Internal("idempotency store", err))
			return
		}
		if !claimed {
			if existing != nil && existing.State == idempotency.StateCompleted {
				c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
				return
			}
			// a concurrent delivery is still working on it
			s.writeError(c, domain.Conflict("event is being processed"))
			return
		}
	}

	err = s.webhook.OnPaymentConfirmed(ctx, txnID)
	status := "processed"
	switch {
	case err == nil:
	case domain.IsKind(err, domain.KindNotFound), domain.IsKind(err, domain.KindConflict):
		log.Warn("webhook.payment.ignored", zap.String("transactionId", txnID.String()), zap.Error(err))
		status = "ignored"
	default:
		if ev.ID != "" {
			if rerr := s.keys.Release(context.WithoutCancel(ctx), key); rerr != nil {
				log.Warn("idempotency.release.failed", zap.Error(rerr))
			}
		}
		s.writeError(c, err)
		return
	}

	body := gin.H{"status": status}
	if ev.ID != "" {
		if err := s.keys.Complete(context.WithoutCancel(ctx), key, http.StatusOK, nil, s.cfg.IdempotencyTTL); err != nil {
			log.Warn("idempotency.complete.failed", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, body)
}

type carrierEvent struct {
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
}

func (s *Server) carrierWebhookHandler(c *gin.Context) {
	if want := s.cfg.Carrier.APIKey; want != "" {
		got := c.GetHeader(headerCarrierKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid carrier key"})
			return
		}
	}
	var ev carrierEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.writeError(c, badBody(err))
		return
	}
	if !strings.EqualFold(ev.Status, carrier.StatusDelivered) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	order, err := s.orders.MarkDelivered(c.Request.Context(), ev.TrackingNumber)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) && de.Kind == domain.KindBadRequest {
			// a scan for an order that is not in transit
			s.logger.Warn("webhook.carrier.ignored", zap.String("trackingNumber", ev.TrackingNumber), zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOrder(order))
}
