package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/campusmarket/orderservice/pkg/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_test_secret"

type settlementFixture struct {
	db         *gorm.DB
	orders     repository.OrderRepo
	receipts   *recordingReceipts
	events     *recordingEvents
	reconciler *SettlementReconciler
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	db := repotest.NewDB(t)
	orders, _, _ := newRepos(db)
	receipts := &recordingReceipts{}
	events := &recordingEvents{}
	return &settlementFixture{
		db:         db,
		orders:     orders,
		receipts:   receipts,
		events:     events,
		reconciler: NewSettlementReconciler(orders, receipts, events, testWebhookSecret, quietLogger()),
	}
}

func stripeEvent(t *testing.T, id, eventType, account string, object map[string]interface{}) []byte {
	t.Helper()
	evt := map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": object},
	}
	if account != "" {
		evt["account"] = account
	}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return raw
}

func sign(payload []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  testWebhookSecret,
	})
	return signed.Header
}

func sessionCompleted(t *testing.T, eventID, sessionID, orderIDs string) []byte {
	return stripeEvent(t, eventID, "checkout.session.completed", "", map[string]interface{}{
		"id":             sessionID,
		"object":         "checkout.session",
		"payment_status": "paid",
		"metadata":       map[string]string{MetaOrderIDs: orderIDs},
	})
}

func TestWebhookSettlesBeforeBuyerReturns(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	repotest.SeedAddress(t, f.db, "a1", "b1")
	repotest.SeedProduct(t, f.db, "pA", "sA", "25.00", 10)
	repotest.SeedProduct(t, f.db, "pB", "sB", "12.00", 10)

	res, err := f.checkout.Checkout(ctx, &CheckoutRequest{
		BuyerID: "b1", BuyerEmail: "buyer@campus.example.com", AddressID: "a1",
		Lines: []CartLineInput{{ProductID: "pA", Quantity: 2}, {ProductID: "pB", Quantity: 3}},
	})
	require.NoError(t, err)
	ids := f.gateway.requests[0].Metadata[MetaOrderIDs]

	receipts := &recordingReceipts{}
	events := &recordingEvents{}
	settle := NewSettlementReconciler(f.orders, receipts, events, testWebhookSecret, quietLogger())

	payload := sessionCompleted(t, "evt_1", res.SessionID, ids)
	result, err := settle.HandlePaymentEvent(ctx, payload, sign(payload), "")
	require.NoError(t, err)
	assert.Len(t, result.Applied, 2)
	assert.Empty(t, result.Violation)

	// the buyer's return page only reads state
	for _, o := range res.Orders {
		stored, err := f.orders.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PaymentStatusPaid, stored.PaymentStatus)
		assert.Equal(t, model.OrderStatusProcessing, stored.Status)
	}
	assert.Equal(t, 8, repotest.Stock(t, f.db, "pA"))
	assert.Equal(t, 7, repotest.Stock(t, f.db, "pB"))
	assert.Equal(t, 2, receipts.count())
	assert.Len(t, events.all(), 2)
	assert.Equal(t, EventPaid, events.all()[0].status)
}

func TestPaymentEventIdempotent(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()
	repotest.SeedProduct(t, f.db, "p1", "s1", "5.00", 10)
	repotest.SeedOrder(t, f.db, "o1", "cs_1", map[string]int{"p1": 2})

	payload := sessionCompleted(t, "evt_1", "cs_1", "o1")
	sig := sign(payload)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reconciler.HandlePaymentEvent(ctx, payload, sig, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// a late payment_intent.succeeded for the same order is also a no-op
	pi := stripeEvent(t, "evt_2", "payment_intent.succeeded", "", map[string]interface{}{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": map[string]string{MetaOrderIDs: "o1"},
	})
	result, err := f.reconciler.HandlePaymentEvent(ctx, pi, sign(pi), "")
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Equal(t, []string{"o1"}, result.Ignored)

	assert.Equal(t, 8, repotest.Stock(t, f.db, "p1"))
	assert.Equal(t, 1, f.receipts.count())
	assert.Len(t, f.events.all(), 1)
	o := repotest.ReloadOrder(t, f.db, "o1")
	assert.Equal(t, model.PaymentStatusPaid, o.PaymentStatus)
}

func TestPaymentEventRejectsBadSignature(t *testing.T) {
	f := newSettlementFixture(t)
	repotest.SeedOrder(t, f.db, "o1", "cs_1", nil)

	payload := sessionCompleted(t, "evt_1", "cs_1", "o1")
	_, err := f.reconciler.HandlePaymentEvent(context.Background(), payload, "t=1,v1=deadbeef", "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	tampered := sessionCompleted(t, "evt_1", "cs_1", "o1,o2")
	_, err = f.reconciler.HandlePaymentEvent(context.Background(), tampered, sign(payload), "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	o := repotest.ReloadOrder(t, f.db, "o1")
	assert.Equal(t, model.PaymentStatusUnpaid, o.PaymentStatus)
}

func TestPaymentEventMissingMetadataIsRecorded(t *testing.T) {
	f := newSettlementFixture(t)
	payload := stripeEvent(t, "evt_9", "checkout.session.completed", "", map[string]interface{}{
		"id":     "cs_9",
		"object": "checkout.session",
	})

	result, err := f.reconciler.HandlePaymentEvent(context.Background(), payload, sign(payload), "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Violation)

	var failed []model.FailedEvent
	require.NoError(t, f.db.Find(&failed).Error)
	require.Len(t, failed, 1)
	assert.Equal(t, model.FailedEventSourcePayment, failed[0].Source)
	assert.Equal(t, "evt_9", failed[0].EventID)
	assert.Equal(t, string(payload), failed[0].Payload)
}

func TestPaymentEventRespectsSourceAccount(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()
	repotest.SeedOrder(t, f.db, "o1", "cs_1", nil)
	require.NoError(t, f.db.Model(&model.Order{}).Where("id = ?", "o1").Update("payment_account_id", "acct_real").Error)

	payload := sessionCompleted(t, "evt_1", "cs_1", "o1")
	result, err := f.reconciler.HandlePaymentEvent(ctx, payload, sign(payload), "acct_other")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, result.Ignored)

	// falls back to the account carried on the event itself
	connected := stripeEvent(t, "evt_2", "checkout.session.completed", "acct_real", map[string]interface{}{
		"id":       "cs_1",
		"object":   "checkout.session",
		"metadata": map[string]string{MetaOrderIDs: "o1"},
	})
	result, err = f.reconciler.HandlePaymentEvent(ctx, connected, sign(connected), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, result.Applied)
}

func TestPaymentFailedCancelsUnpaidOrders(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()
	repotest.SeedProduct(t, f.db, "p1", "s1", "5.00", 10)
	repotest.SeedOrder(t, f.db, "o1", "cs_1", map[string]int{"p1": 1})

	payload := stripeEvent(t, "evt_3", "payment_intent.payment_failed", "", map[string]interface{}{
		"id":       "pi_3",
		"object":   "payment_intent",
		"metadata": map[string]string{MetaOrderIDs: "o1"},
	})
	result, err := f.reconciler.HandlePaymentEvent(ctx, payload, sign(payload), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, result.Applied)

	o := repotest.ReloadOrder(t, f.db, "o1")
	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.Equal(t, model.PaymentStatusFailed, o.PaymentStatus)
	assert.Equal(t, "payment_provider", o.CancelledBy)
	assert.Equal(t, 10, repotest.Stock(t, f.db, "p1"))
	assert.Zero(t, f.receipts.count())
	require.Len(t, f.events.all(), 1)
	assert.Equal(t, EventCancelled, f.events.all()[0].status)

	// a success arriving after the failure cannot resurrect the order
	late := sessionCompleted(t, "evt_4", "cs_1", "o1")
	result, err = f.reconciler.HandlePaymentEvent(ctx, late, sign(late), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, result.Ignored)
	assert.Equal(t, 10, repotest.Stock(t, f.db, "p1"))
}

func TestUnknownEventTypeIsAcknowledged(t *testing.T) {
	f := newSettlementFixture(t)
	payload := stripeEvent(t, "evt_5", "customer.created", "", map[string]interface{}{"id": "cus_1", "object": "customer"})
	result, err := f.reconciler.HandlePaymentEvent(context.Background(), payload, sign(payload), "")
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Zero(t, countRows(t, f.db, &model.FailedEvent{}))
}

func TestParseOrderIDs(t *testing.T) {
	ids, err := ParseOrderIDs(" o1, o2 ,,o1,o3 ")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2", "o3"}, ids)

	for _, raw := range []string{"", "   ", ",,", "o1,o2'; DROP TABLE orders"} {
		_, err := ParseOrderIDs(raw)
		assert.True(t, IsIntegrityViolation(err), "raw %q", raw)
	}
}

func TestSettleOrdersSkipsMissingOrders(t *testing.T) {
	f := newSettlementFixture(t)
	repotest.SeedOrder(t, f.db, "o1", "cs_1", nil)

	applied, ignored, err := f.reconciler.SettleOrders(context.Background(), []string{"o1", "ghost"}, repository.PaymentMatch{})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, applied)
	assert.Equal(t, []string{"ghost"}, ignored)
	assert.Equal(t, model.PaymentStatusPaid, repotest.ReloadOrder(t, f.db, "o1").PaymentStatus)
}
