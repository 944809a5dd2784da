package client

import (
	"context"
	"net/http"
	"time"

	"github.com/campusmarket/orderservice/pkg/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"
)

// StripeGateway opens hosted checkout sessions. Calls go through a circuit
// breaker and an HTTP client with a hard timeout.
type StripeGateway struct {
	sessions *session.Client
	cb       *gobreaker.CircuitBreaker
	log      *logrus.Entry
}

type StripeConfig struct {
	SecretKey string
	Timeout   time.Duration
	// APIBase overrides the provider endpoint, for tests.
	APIBase string
}

func NewStripeGateway(cfg StripeConfig, log *logrus.Logger) *StripeGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIBase != "" {
		backendCfg.URL = stripe.String(cfg.APIBase)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	return &StripeGateway{
		sessions: &session.Client{B: backend, Key: cfg.SecretKey},
		cb:       newBreaker("PaymentGateway", log),
		log:      log.WithField("component", "StripeGateway"),
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req *service.SessionRequest) (*service.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   req.Metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for _, item := range req.LineItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if item.ImageURL != "" {
			product.Images = stripe.StringSlice([]string{item.ImageURL})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(req.Currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(item.UnitAmount),
			},
			Quantity: stripe.Int64(item.Quantity),
		})
	}
	if req.AccountID != "" {
		params.SetStripeAccount(req.AccountID)
		if req.ApplicationFee > 0 {
			params.PaymentIntentData.ApplicationFeeAmount = stripe.Int64(req.ApplicationFee)
		}
	}

	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.sessions.New(params)
	})
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	s := res.(*stripe.CheckoutSession)
	return &service.Session{ID: s.ID, URL: s.URL}, nil
}

// GetSessionStatus collapses the provider's session state into paid, unpaid
// or expired. A session the provider no longer knows counts as expired.
func (g *StripeGateway) GetSessionStatus(ctx context.Context, sessionID, accountID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &stripe.CheckoutSessionParams{}
	if accountID != "" {
		params.SetStripeAccount(accountID)
	}

	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.sessions.Get(sessionID, params)
	})
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			g.log.WithField("session_id", sessionID).Info("session unknown to provider, treating as expired")
			return service.SessionExpired, nil
		}
		return "", errors.Wrap(err, "get checkout session")
	}
	return sessionStatus(res.(*stripe.CheckoutSession)), nil
}

// ExpireSession closes an open session so the buyer can no longer pay it.
// The provider refuses to expire a session that already completed, and that
// refusal comes back as an error so the caller keeps the order.
func (g *StripeGateway) ExpireSession(ctx context.Context, sessionID, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &stripe.CheckoutSessionExpireParams{}
	if accountID != "" {
		params.SetStripeAccount(accountID)
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		return g.sessions.Expire(sessionID, params)
	})
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			g.log.WithField("session_id", sessionID).Info("session unknown to provider, nothing to expire")
			return nil
		}
		return errors.Wrap(err, "expire checkout session")
	}
	return nil
}

func sessionStatus(s *stripe.CheckoutSession) string {
	switch {
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return service.SessionPaid
	case s.Status == stripe.CheckoutSessionStatusExpired:
		return service.SessionExpired
	default:
		return service.SessionUnpaid
	}
}
