package service

import (
	"context"
	"strings"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Metadata keys shared by the session creator and the webhook consumer.
const (
	MetaOrderIDs      = "order_ids"
	MetaBuyerID       = "buyer_id"
	MetaCheckoutToken = "checkout_token"
)

// Session statuses reported by PaymentGateway.GetSessionStatus.
const (
	SessionPaid    = "paid"
	SessionUnpaid  = "unpaid"
	SessionExpired = "expired"
)

type SessionLineItem struct {
	Name       string
	ImageURL   string
	UnitAmount int64
	Quantity   int64
}

type SessionRequest struct {
	// AccountID routes the session to a seller sub-account. Empty means the
	// platform account.
	AccountID      string
	ApplicationFee int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	CustomerEmail  string
	LineItems      []SessionLineItem
	Metadata       map[string]string
}

type Session struct {
	ID  string
	URL string
}

type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req *SessionRequest) (*Session, error)
	GetSessionStatus(ctx context.Context, sessionID, accountID string) (string, error)
	// ExpireSession closes an open session so it can no longer be paid. A
	// session the provider no longer knows counts as expired.
	ExpireSession(ctx context.Context, sessionID, accountID string) error
}

type SessionConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

type PaymentSessionResult struct {
	RedirectURL string `json:"redirect_url"`
	SessionID   string `json:"session_id"`
}

type PaymentSessionAdapter struct {
	gateway PaymentGateway
	catalog repository.CatalogRepo
	repo    repository.OrderRepo
	cfg     SessionConfig
	log     *logrus.Entry
}

func NewPaymentSessionAdapter(gateway PaymentGateway, catalog repository.CatalogRepo, repo repository.OrderRepo, cfg SessionConfig, log *logrus.Logger) *PaymentSessionAdapter {
	if cfg.Currency == "" {
		cfg.Currency = "myr"
	}
	return &PaymentSessionAdapter{
		gateway: gateway,
		catalog: catalog,
		repo:    repo,
		cfg:     cfg,
		log:     log.WithField("component", "PaymentSessionAdapter"),
	}
}

// JoinOrderIDs is the only serialization of the order set carried by the
// payment provider.
func JoinOrderIDs(orders []*model.Order) string {
	return strings.Join(orderIDs(orders), ",")
}

// ToMinorUnits converts 12.34 to 1234.
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// CreatePaymentSession opens one gateway session for the whole order set and
// writes its id back onto every order. On gateway failure the orders are left
// pending for the orphan sweeper.
func (a *PaymentSessionAdapter) CreatePaymentSession(ctx context.Context, orders []*model.Order) (*PaymentSessionResult, error) {
	if len(orders) == 0 {
		return nil, &ValidationError{Code: CodeInvalidOrderSet, Message: "no orders to pay for"}
	}

	accountID, err := a.route(ctx, orders)
	if err != nil {
		return nil, err
	}

	req := &SessionRequest{
		AccountID:     accountID,
		Currency:      a.cfg.Currency,
		SuccessURL:    a.cfg.SuccessURL,
		CancelURL:     a.cfg.CancelURL,
		CustomerEmail: orders[0].BuyerEmail,
		Metadata: map[string]string{
			MetaOrderIDs:      JoinOrderIDs(orders),
			MetaBuyerID:       orders[0].BuyerID,
			MetaCheckoutToken: orders[0].CheckoutToken,
		},
	}
	fee := decimal.Zero
	for _, o := range orders {
		fee = fee.Add(o.PlatformFee)
		for _, item := range o.Items {
			req.LineItems = append(req.LineItems, SessionLineItem{
				Name:       item.ProductName,
				ImageURL:   item.ProductImage,
				UnitAmount: ToMinorUnits(item.UnitPrice),
				Quantity:   int64(item.Quantity),
			})
		}
	}
	if accountID != "" {
		req.ApplicationFee = ToMinorUnits(fee)
	}

	log := a.log.WithFields(logrus.Fields{
		"checkout_token": orders[0].CheckoutToken,
		"account_id":     accountID,
	})

	sess, err := a.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		log.Errorf("create payment session failed: %v", err)
		return nil, PaymentSessionCreationFailed(err)
	}

	var acct *string
	if accountID != "" {
		acct = &accountID
	}
	n, err := a.repo.AttachPaymentSession(ctx, orderIDs(orders), sess.ID, acct)
	if err != nil {
		return nil, err
	}
	if int(n) != len(orders) {
		log.Warnf("session %s attached to %d of %d orders", sess.ID, n, len(orders))
	}
	for _, o := range orders {
		o.PaymentSessionID = sess.ID
		o.PaymentAccountID = acct
	}
	log.WithField("session_id", sess.ID).Info("payment session created")

	return &PaymentSessionResult{RedirectURL: sess.URL, SessionID: sess.ID}, nil
}

// route picks the single payment destination for the order set.
func (a *PaymentSessionAdapter) route(ctx context.Context, orders []*model.Order) (string, error) {
	sellerIDs := make([]string, 0, len(orders))
	seen := make(map[string]bool)
	for _, o := range orders {
		if o.PaymentStatus != model.PaymentStatusUnpaid || o.Status != model.OrderStatusPending {
			return "", &ValidationError{Code: CodeInvalidOrderSet, Message: "order " + o.ID + " is no longer awaiting payment"}
		}
		if !seen[o.SellerID] {
			seen[o.SellerID] = true
			sellerIDs = append(sellerIDs, o.SellerID)
		}
	}
	sellers, err := a.catalog.GetSellers(ctx, sellerIDs)
	if err != nil {
		return "", err
	}
	accountID := ""
	for _, id := range sellerIDs {
		if s, ok := sellers[id]; ok && s.AccountID() != "" {
			accountID = s.AccountID()
			break
		}
	}
	if accountID != "" && len(sellerIDs) > 1 {
		return "", mixedAccounts()
	}
	return accountID, nil
}

func orderIDs(orders []*model.Order) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}
