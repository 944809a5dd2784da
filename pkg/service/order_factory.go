package service

import (
	"context"
	"strings"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFeeRate        = "0.05"
	DefaultMaxImageURLLen = 500
)

type OrderFactory struct {
	repo        repository.OrderRepo
	feeRate     decimal.Decimal
	maxImageLen int
	newToken    func() string
	log         *logrus.Entry
}

func NewOrderFactory(repo repository.OrderRepo, feeRate decimal.Decimal, maxImageLen int, log *logrus.Logger) *OrderFactory {
	if maxImageLen <= 0 {
		maxImageLen = DefaultMaxImageURLLen
	}
	return &OrderFactory{
		repo:        repo,
		feeRate:     feeRate,
		maxImageLen: maxImageLen,
		newToken:    NewCheckoutToken,
		log:         log.WithField("component", "OrderFactory"),
	}
}

// NewCheckoutToken returns a short opaque token shared by every order of one
// cart submission.
func NewCheckoutToken() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "CO" + strings.ToUpper(raw[:12])
}

// SplitFee returns (platformFee, sellerPayout) for a seller subtotal.
func SplitFee(subtotal, rate decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	fee := subtotal.Mul(rate).Round(2)
	return fee, subtotal.Sub(fee)
}

// CreateOrders persists one pending order per seller group. Stock is not
// touched here, so a checkout that fails afterwards can simply be abandoned.
func (f *OrderFactory) CreateOrders(ctx context.Context, groups []*SellerGroup, buyerID, buyerEmail, addressID string) ([]*model.Order, error) {
	if len(groups) == 0 {
		return nil, &ValidationError{Code: CodeEmptyCart, Message: "cart is empty"}
	}

	var lastErr error
	// a token collision surfaces as a duplicate order number; retry once
	for attempt := 0; attempt < 2; attempt++ {
		token := f.newToken()
		orders := f.build(token, groups, buyerID, buyerEmail, addressID)
		err := f.repo.CreateOrders(ctx, orders)
		if err == nil {
			f.log.WithFields(logrus.Fields{
				"checkout_token": token,
				"buyer_id":       buyerID,
				"orders":         len(orders),
			}).Info("orders created")
			return orders, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		f.log.Warnf("checkout token %s collided, regenerating", token)
		lastErr = err
	}
	return nil, lastErr
}

func (f *OrderFactory) build(token string, groups []*SellerGroup, buyerID, buyerEmail, addressID string) []*model.Order {
	orders := make([]*model.Order, 0, len(groups))
	for _, g := range groups {
		fee, payout := SplitFee(g.Subtotal, f.feeRate)
		o := &model.Order{
			ID:            uuid.New().String(),
			OrderNumber:   token + "-" + g.SellerID,
			CheckoutToken: token,
			SellerID:      g.SellerID,
			BuyerID:       buyerID,
			BuyerEmail:    buyerEmail,
			AddressID:     addressID,
			TotalAmount:   g.Subtotal,
			PlatformFee:   fee,
			SellerPayout:  payout,
			Status:        model.OrderStatusPending,
			PaymentStatus: model.PaymentStatusUnpaid,
		}
		for _, l := range g.Lines {
			o.Items = append(o.Items, model.OrderItem{
				OrderID:      o.ID,
				ProductID:    l.ProductID,
				Quantity:     l.Quantity,
				UnitPrice:    l.UnitPrice,
				TotalPrice:   l.Total(),
				Variation:    l.Variation,
				ProductName:  l.Name,
				ProductImage: f.snapshotImage(l.ImageURL),
			})
		}
		orders = append(orders, o)
	}
	return orders
}

// snapshotImage drops inline data URLs and URLs that downstream systems
// cannot store.
func (f *OrderFactory) snapshotImage(url string) string {
	url = strings.TrimSpace(url)
	if strings.HasPrefix(strings.ToLower(url), "data:") || len(url) > f.maxImageLen {
		return ""
	}
	return url
}
