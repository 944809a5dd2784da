package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
)

const maxOrderIDLen = 64

type ReceiptPusher interface {
	Push(o *model.Order)
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, orderID, status string)
}

// Order status event names published after a committed transition.
const (
	EventPaid      = "PAID"
	EventCancelled = "CANCELLED"
	EventShipped   = "SHIPPED"
	EventDelivered = "DELIVERED"
)

type SettlementResult struct {
	EventID   string   `json:"event_id"`
	EventType string   `json:"event_type"`
	Applied   []string `json:"applied,omitempty"`
	Ignored   []string `json:"ignored,omitempty"`
	Violation string   `json:"violation,omitempty"`
}

type SettlementReconciler struct {
	repo          repository.OrderRepo
	receipts      ReceiptPusher
	events        StatusPublisher
	webhookSecret string
	now           func() time.Time
	log           *logrus.Entry
}

func NewSettlementReconciler(repo repository.OrderRepo, receipts ReceiptPusher, events StatusPublisher, webhookSecret string, log *logrus.Logger) *SettlementReconciler {
	return &SettlementReconciler{
		repo:          repo,
		receipts:      receipts,
		events:        events,
		webhookSecret: webhookSecret,
		now:           time.Now,
		log:           log.WithField("component", "SettlementReconciler"),
	}
}

// ParseOrderIDs turns the comma-joined order_ids metadata into a clean id
// list. Missing or malformed metadata is an IntegrityViolation.
func ParseOrderIDs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &IntegrityViolation{Reason: "missing order_ids metadata"}
	}
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" || seen[id] {
			continue
		}
		if len(id) > maxOrderIDLen || strings.ContainsAny(id, " \t\r\n;'\"") {
			return nil, &IntegrityViolation{Reason: "malformed order id in metadata"}
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, &IntegrityViolation{Reason: "empty order_ids metadata"}
	}
	return ids, nil
}

// HandlePaymentEvent verifies and applies one payment provider delivery. A
// nil error means the delivery should be acknowledged; ErrInvalidSignature
// should be answered with 400 and anything else with a generic 500 so the
// provider redelivers.
func (s *SettlementReconciler) HandlePaymentEvent(ctx context.Context, payload []byte, signature, sourceAccountID string) (*SettlementResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.log.Warnf("rejecting payment event: %v", err)
		return nil, ErrInvalidSignature
	}

	account := sourceAccountID
	if account == "" {
		account = event.Account
	}
	result := &SettlementResult{EventID: event.ID, EventType: string(event.Type)}
	log := s.log.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"account":    account,
	})

	if event.Data == nil {
		return result, s.violation(ctx, result, payload, &IntegrityViolation{Reason: "event has no data object"})
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return result, s.violation(ctx, result, payload, &IntegrityViolation{Reason: "undecodable checkout session"})
		}
		ids, err := ParseOrderIDs(sess.Metadata[MetaOrderIDs])
		if err != nil {
			return result, s.violation(ctx, result, payload, err)
		}
		log.WithField("session_id", sess.ID).Infof("checkout completed for %d orders", len(ids))
		result.Applied, result.Ignored, err = s.SettleOrders(ctx, ids, repository.PaymentMatch{SessionID: sess.ID, AccountID: account})
		return result, err

	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return result, s.violation(ctx, result, payload, &IntegrityViolation{Reason: "undecodable payment intent"})
		}
		ids, err := ParseOrderIDs(pi.Metadata[MetaOrderIDs])
		if err != nil {
			return result, s.violation(ctx, result, payload, err)
		}
		match := repository.PaymentMatch{AccountID: account}
		if event.Type == stripe.EventTypePaymentIntentSucceeded {
			result.Applied, result.Ignored, err = s.SettleOrders(ctx, ids, match)
		} else {
			result.Applied, result.Ignored, err = s.FailOrders(ctx, ids, match)
		}
		return result, err

	default:
		log.Debug("ignoring payment event type")
		return result, nil
	}
}

// SettleOrders moves every matching order from unpaid to paid. Orders whose
// precondition no longer holds are reported as ignored. Receipts and status
// events go out only for orders this call actually flipped, after the
// transition has committed.
func (s *SettlementReconciler) SettleOrders(ctx context.Context, ids []string, match repository.PaymentMatch) ([]string, []string, error) {
	var applied, ignored []string
	var firstErr error
	for _, id := range ids {
		err := s.settleOne(ctx, id, match)
		switch {
		case err == nil:
			applied = append(applied, id)
		case errors.Is(err, ErrConflictIgnored):
			ignored = append(ignored, id)
		default:
			s.log.WithField("order_id", id).Errorf("settle order: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.afterCommit(ctx, applied, EventPaid, true)
	return applied, ignored, firstErr
}

func (s *SettlementReconciler) settleOne(ctx context.Context, id string, match repository.PaymentMatch) error {
	ok, err := s.repo.MarkPaid(ctx, id, match)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflictIgnored
	}
	return nil
}

// FailOrders applies a payment failure: unpaid orders become failed and
// cancelled.
func (s *SettlementReconciler) FailOrders(ctx context.Context, ids []string, match repository.PaymentMatch) ([]string, []string, error) {
	var applied, ignored []string
	var firstErr error
	now := s.now()
	for _, id := range ids {
		ok, err := s.repo.MarkPaymentFailed(ctx, id, match, now)
		switch {
		case err != nil:
			s.log.WithField("order_id", id).Errorf("fail order: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		case ok:
			applied = append(applied, id)
		default:
			ignored = append(ignored, id)
		}
	}
	s.afterCommit(ctx, applied, EventCancelled, false)
	return applied, ignored, firstErr
}

func (s *SettlementReconciler) afterCommit(ctx context.Context, ids []string, status string, receipt bool) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if s.events != nil {
			s.events.PublishStatus(ctx, id, status)
		}
	}
	if !receipt || s.receipts == nil {
		return
	}
	orders, err := s.repo.GetOrdersByIDs(ctx, ids)
	if err != nil {
		s.log.Errorf("load paid orders for receipts: %v", err)
		return
	}
	for _, o := range orders {
		s.receipts.Push(o)
	}
}

func (s *SettlementReconciler) violation(ctx context.Context, result *SettlementResult, payload []byte, cause error) error {
	result.Violation = cause.Error()
	s.log.WithFields(logrus.Fields{
		"event_id":   result.EventID,
		"event_type": result.EventType,
	}).Warnf("acknowledging uncorrelatable payment event: %v", cause)

	err := s.repo.InsertFailedEvent(ctx, &model.FailedEvent{
		Source:    model.FailedEventSourcePayment,
		EventID:   result.EventID,
		EventType: result.EventType,
		Reason:    cause.Error(),
		Payload:   string(payload),
	})
	if err != nil {
		s.log.Errorf("record failed payment event: %v", err)
	}
	return nil
}
