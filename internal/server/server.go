package server

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"market-orchestrator/internal/auth"
	"market-orchestrator/internal/config"
	"market-orchestrator/internal/database"
	"market-orchestrator/internal/idempotency"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/service"
)

// Deps is everything the HTTP layer calls into.
type Deps struct {
	Config   *config.Config
	DB       database.Service
	Auth     *auth.Authenticator
	Verifier payment.EventVerifier
	Keys     idempotency.Store
	Logger   *zap.Logger

	Checkout service.CheckoutService
	Webhook  service.WebhookService
	Orders   service.OrderService
	Bids     service.BidService
	Refunds  service.RefundService
}

type Server struct {
	port string
	cfg  *config.Config
	db   database.Service
	auth *auth.Authenticator

	verifier payment.EventVerifier
	keys     idempotency.Store
	logger   *zap.Logger

	checkout service.CheckoutService
	webhook  service.WebhookService
	orders   service.OrderService
	bids     service.BidService
	refunds  service.RefundService
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		port:     d.Config.Port,
		cfg:      d.Config,
		db:       d.DB,
		auth:     d.Auth,
		verifier: d.Verifier,
		keys:     d.Keys,
		logger:   logger.Named("http"),
		checkout: d.Checkout,
		webhook:  d.Webhook,
		orders:   d.Orders,
		bids:     d.Bids,
		refunds:  d.Refunds,
	}
}

// HTTPServer declares the listening server with the routes mounted.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%s", s.port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
