package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"market-orchestrator/internal/auth"
	"market-orchestrator/internal/domain"
	"market-orchestrator/internal/service"
)

type checkoutBody struct {
	ListingID       uuid.UUID      `json:"listingId"`
	ShippingMethod  string         `json:"shippingMethod"`
	ShippingAddress domain.Address `json:"shippingAddress"`
	ShippingCost    int64          `json:"shippingCost"`
	QuoteTimestamp  *time.Time     `json:"quoteTimestamp"`
}

type bidBody struct {
	Amount int64 `json:"amount" binding:"required"`
}

type shipBody struct {
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier"`
}

type refundBody struct {
	Amount *int64 `json:"amount"`
}

type orderView struct {
	ID              uuid.UUID          `json:"id"`
	TransactionID   uuid.UUID          `json:"transactionId"`
	Status          domain.OrderStatus `json:"status"`
	LineItems       []domain.LineItem  `json:"lineItems"`
	ShippingMethod  string             `json:"shippingMethod,omitempty"`
	ShippingAddress *domain.Address    `json:"shippingAddress,omitempty"`
	TrackingNumber  string             `json:"trackingNumber,omitempty"`
	Carrier         string             `json:"carrier,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

func viewOrder(o *domain.Order) orderView {
	v := orderView{
		ID:             o.ID,
		TransactionID:  o.TransactionID,
		Status:         o.Status,
		LineItems:      o.LineItems,
		ShippingMethod: o.ShippingMethod,
		TrackingNumber: o.TrackingNumber,
		Carrier:        o.Carrier,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if !o.ShippingAddress.IsZero() {
		addr := o.ShippingAddress
		v.ShippingAddress = &addr
	}
	return v
}

func principal(c *gin.Context) domain.Principal {
	p, _ := auth.PrincipalFrom(c)
	return p
}

func pathID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, domain.Validation("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func (s *Server) checkoutHandler(c *gin.Context) {
	var body checkoutBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, badBody(err))
		return
	}
	res, err := s.checkout.InitCheckout(c.Request.Context(), service.CheckoutRequest{
		ListingID:       body.ListingID,
		BuyerID:         principal(c).UserID,
		ShippingMethod:  body.ShippingMethod,
		ShippingAddress: body.ShippingAddress,
		ShippingCost:    body.ShippingCost,
		QuoteTimestamp:  body.QuoteTimestamp,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) placeBidHandler(c *gin.Context) {
	auctionID, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var body bidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, badBody(err))
		return
	}
	bid, err := s.bids.PlaceBid(c.Request.Context(), auctionID, principal(c).UserID, body.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bid)
}

func (s *Server) getOrderHandler(c *gin.Context) {
	s.withOrder(c, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.Get(c.Request.Context(), principal(c), id)
	})
}

func (s *Server) shipOrderHandler(c *gin.Context) {
	var body shipBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, badBody(err))
		return
	}
	s.withOrder(c, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.Ship(c.Request.Context(), principal(c), id, body.TrackingNumber, body.Carrier)
	})
}

func (s *Server) completeOrderHandler(c *gin.Context) {
	s.withOrder(c, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.Complete(c.Request.Context(), principal(c), id)
	})
}

func (s *Server) cancelOrderHandler(c *gin.Context) {
	s.withOrder(c, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.Cancel(c.Request.Context(), principal(c), id)
	})
}

func (s *Server) withOrder(c *gin.Context, fn func(id uuid.UUID) (*domain.Order, error)) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	order, err := fn(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOrder(order))
}

func (s *Server) labelHandler(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	label, err := s.orders.Label(c.Request.Context(), principal(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, label)
}

func (s *Server) trackingHandler(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	tracking, err := s.orders.Tracking(c.Request.Context(), principal(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tracking)
}

func (s *Server) refundHandler(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var body refundBody
	// the body is optional
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.writeError(c, badBody(err))
			return
		}
	}
	res, err := s.refunds.Refund(c.Request.Context(), principal(c), id, body.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
