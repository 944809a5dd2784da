package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/campusmarket/orderservice/pkg/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkPaidDecrementsStockOnce(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()

	repotest.SeedProduct(t, db, "p1", "s1", "5.00", 10)
	repotest.SeedProduct(t, db, "p2", "s1", "5.00", 1)
	repotest.SeedOrder(t, db, "o1", "cs_1", map[string]int{"p1": 3, "p2": 2})

	match := repository.PaymentMatch{SessionID: "cs_1"}
	applied, err := repo.MarkPaid(ctx, "o1", match)
	require.NoError(t, err)
	assert.True(t, applied)

	for i := 0; i < 3; i++ {
		applied, err = repo.MarkPaid(ctx, "o1", match)
		require.NoError(t, err)
		assert.False(t, applied)
	}

	o := repotest.ReloadOrder(t, db, "o1")
	assert.Equal(t, model.PaymentStatusPaid, o.PaymentStatus)
	assert.Equal(t, model.OrderStatusProcessing, o.Status)
	assert.Equal(t, 7, repotest.Stock(t, db, "p1"))
	// floored at zero
	assert.Equal(t, 0, repotest.Stock(t, db, "p2"))
}

func TestMarkPaidConcurrentDeliveries(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()

	repotest.SeedProduct(t, db, "p1", "s1", "5.00", 20)
	repotest.SeedOrder(t, db, "o1", "cs_1", map[string]int{"p1": 4})

	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := repo.MarkPaid(ctx, "o1", repository.PaymentMatch{SessionID: "cs_1"})
			assert.NoError(t, err)
			if applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, appliedCount)
	assert.Equal(t, 16, repotest.Stock(t, db, "p1"))
}

func TestMarkPaidRequiresMatchingSessionAndAccount(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()

	repotest.SeedProduct(t, db, "p1", "s1", "5.00", 5)
	repotest.SeedOrder(t, db, "o1", "cs_1", map[string]int{"p1": 1})

	applied, err := repo.MarkPaid(ctx, "o1", repository.PaymentMatch{SessionID: "cs_other"})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = repo.MarkPaid(ctx, "o1", repository.PaymentMatch{SessionID: "cs_1", AccountID: "acct_seller"})
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, 5, repotest.Stock(t, db, "p1"))
	assert.Equal(t, model.PaymentStatusUnpaid, repotest.ReloadOrder(t, db, "o1").PaymentStatus)
}

func TestMarkPaymentFailedIsTerminal(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()

	repotest.SeedOrder(t, db, "o1", "cs_1", nil)

	ok, err := repo.MarkPaymentFailed(ctx, "o1", repository.PaymentMatch{}, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	o := repotest.ReloadOrder(t, db, "o1")
	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.Equal(t, model.PaymentStatusFailed, o.PaymentStatus)
	assert.Equal(t, "payment_provider", o.CancelledBy)
	assert.NotNil(t, o.CancellationDate)

	// a late success never reverses the failure
	applied, err := repo.MarkPaid(ctx, "o1", repository.PaymentMatch{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.PaymentStatusFailed, repotest.ReloadOrder(t, db, "o1").PaymentStatus)
}

func TestAttachPaymentSession(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()

	repotest.SeedOrder(t, db, "o1", "", nil)
	repotest.SeedOrder(t, db, "o2", "", nil)

	n, err := repo.AttachPaymentSession(ctx, []string{"o1", "o2"}, "cs_9", repotest.StrPtr("acct_1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	o := repotest.ReloadOrder(t, db, "o2")
	assert.Equal(t, "cs_9", o.PaymentSessionID)
	assert.Equal(t, "acct_1", o.AccountID())
}

func TestAdvanceShipmentStatusMonotonic(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()
	repotest.SeedOrder(t, db, "o1", "", nil)

	shippedAt := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	advanced, err := repo.AdvanceShipmentStatus(ctx, "o1", model.OrderStatusShipped, "In Transit", shippedAt)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = repo.AdvanceShipmentStatus(ctx, "o1", model.OrderStatusProcessing, "Picked up again", shippedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, advanced)

	o := repotest.ReloadOrder(t, db, "o1")
	assert.Equal(t, model.OrderStatusShipped, o.Status)
	assert.Equal(t, "Picked up again", o.DetailedTrackingStatus)
	require.NotNil(t, o.ShippedAt)
	assert.True(t, o.ShippedAt.Equal(shippedAt))

	deliveredAt := shippedAt.Add(24 * time.Hour)
	advanced, err = repo.AdvanceShipmentStatus(ctx, "o1", model.OrderStatusDelivered, "Delivered", deliveredAt)
	require.NoError(t, err)
	assert.True(t, advanced)

	// a second delivered signal does not restamp
	_, err = repo.AdvanceShipmentStatus(ctx, "o1", model.OrderStatusDelivered, "Delivered", deliveredAt.Add(time.Hour))
	require.NoError(t, err)

	o = repotest.ReloadOrder(t, db, "o1")
	assert.Equal(t, model.OrderStatusDelivered, o.Status)
	require.NotNil(t, o.DeliveredAt)
	assert.True(t, o.DeliveredAt.Equal(deliveredAt))
	assert.True(t, o.ShippedAt.Equal(shippedAt))
}

func TestAdvanceShipmentStatusCancelledStaysCancelled(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()
	repotest.SeedOrder(t, db, "o1", "", nil)

	ok, err := repo.CancelUnpaid(ctx, "o1", "checkout expired", "system", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	advanced, err := repo.AdvanceShipmentStatus(ctx, "o1", model.OrderStatusDelivered, "Delivered to front desk", time.Now())
	require.NoError(t, err)
	assert.False(t, advanced)

	o := repotest.ReloadOrder(t, db, "o1")
	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.Equal(t, "Delivered to front desk", o.DetailedTrackingStatus)
	assert.Nil(t, o.DeliveredAt)
}

func TestGetExpiredPendingOrders(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()

	old := repotest.SeedOrder(t, db, "old", "", nil)
	require.NoError(t, db.Model(old).Update("created_at", time.Now().Add(-2*time.Hour)).Error)
	repotest.SeedOrder(t, db, "fresh", "", nil)

	orders, err := repo.GetExpiredPendingOrders(ctx, 30*time.Minute, 50)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "old", orders[0].ID)
}

func TestCreateOrdersRejectsDuplicateOrderNumber(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewOrderRepo(db)
	ctx := context.Background()

	mk := func(id string) *model.Order {
		return &model.Order{
			ID: id, OrderNumber: "CO1-s1", CheckoutToken: "CO1", SellerID: "s1", BuyerID: "b1",
			TotalAmount: repotest.Money("1"), PlatformFee: repotest.Money("0.05"), SellerPayout: repotest.Money("0.95"),
			Status: model.OrderStatusPending, PaymentStatus: model.PaymentStatusUnpaid,
		}
	}
	err := repo.CreateOrders(ctx, []*model.Order{mk("a"), mk("b")})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&model.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}
