package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	if !s.cfg.Local() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposeHeaders:    []string{"Idempotent-Replayed"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", s.healthHandler)

	hooks := r.Group("/webhooks")
	hooks.POST("/payments", s.paymentWebhookHandler)
	hooks.POST("/carrier", s.carrierWebhookHandler)

	api := r.Group("/api", s.auth.Middleware(), s.rateLimit())
	api.POST("/checkout", s.idempotent(), s.checkoutHandler)
	api.POST("/auctions/:id/bids", s.idempotent(), s.placeBidHandler)

	orders := api.Group("/orders/:id")
	orders.GET("", s.getOrderHandler)
	orders.POST("/ship", s.shipOrderHandler)
	orders.POST("/complete", s.completeOrderHandler)
	orders.POST("/cancel", s.cancelOrderHandler)
	orders.POST("/label", s.idempotent(), s.labelHandler)
	orders.GET("/tracking", s.trackingHandler)

	api.POST("/transactions/:id/refund", s.idempotent(), s.refundHandler)

	return r
}

func (s *Server) healthHandler(c *gin.Context) {
	stats := s.db.Health(c.Request.Context())
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}
