package service

import (
	"context"

	"github.com/campusmarket/orderservice/pkg/model"
)

type CheckoutRequest struct {
	BuyerID    string          `json:"buyer_id"`
	BuyerEmail string          `json:"buyer_email"`
	AddressID  string          `json:"address_id"`
	Lines      []CartLineInput `json:"lines"`
}

type CheckoutResult struct {
	Orders      []*model.Order `json:"orders"`
	RedirectURL string         `json:"redirect_url,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
}

// CheckoutService runs the synchronous checkout path:
// partition, persist, open a payment session.
type CheckoutService struct {
	partitioner *CartPartitioner
	factory     *OrderFactory
	sessions    *PaymentSessionAdapter
}

func NewCheckoutService(partitioner *CartPartitioner, factory *OrderFactory, sessions *PaymentSessionAdapter) *CheckoutService {
	return &CheckoutService{partitioner: partitioner, factory: factory, sessions: sessions}
}

// Checkout returns the created orders even when session creation fails, so
// the caller can show them as awaiting payment.
func (c *CheckoutService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	groups, err := c.partitioner.Partition(ctx, req.BuyerID, req.AddressID, req.Lines)
	if err != nil {
		return nil, err
	}
	orders, err := c.factory.CreateOrders(ctx, groups, req.BuyerID, req.BuyerEmail, req.AddressID)
	if err != nil {
		return nil, err
	}
	result := &CheckoutResult{Orders: orders}
	sess, err := c.sessions.CreatePaymentSession(ctx, orders)
	if err != nil {
		return result, err
	}
	result.RedirectURL = sess.RedirectURL
	result.SessionID = sess.SessionID
	return result, nil
}
