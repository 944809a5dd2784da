package repository

import (
	"context"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var ErrOrderNotFound = errors.New("order not found")

// PaymentMatch narrows a payment transition to the orders an inbound event
// is allowed to touch. Empty AccountID means the platform account.
type PaymentMatch struct {
	SessionID string
	AccountID string
}

func (m PaymentMatch) scope(q *gorm.DB) *gorm.DB {
	if m.SessionID != "" {
		q = q.Where("payment_session_id = ?", m.SessionID)
	}
	if m.AccountID == "" {
		return q.Where("(payment_account_id IS NULL OR payment_account_id = '')")
	}
	return q.Where("payment_account_id = ?", m.AccountID)
}

type OrderRepo interface {
	CreateOrders(ctx context.Context, orders []*model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	GetOrdersByIDs(ctx context.Context, orderIDs []string) ([]*model.Order, error)
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (*model.Order, error)
	AttachPaymentSession(ctx context.Context, orderIDs []string, sessionID string, accountID *string) (int64, error)
	MarkPaid(ctx context.Context, orderID string, match PaymentMatch) (bool, error)
	MarkPaymentFailed(ctx context.Context, orderID string, match PaymentMatch, at time.Time) (bool, error)
	CancelUnpaid(ctx context.Context, orderID, reason, cancelledBy string, at time.Time) (bool, error)
	AdvanceShipmentStatus(ctx context.Context, orderID, status, detail string, at time.Time) (bool, error)
	GetExpiredPendingOrders(ctx context.Context, delay time.Duration, limit int) ([]*model.Order, error)
	GetTrackableOrders(ctx context.Context, limit int) ([]*model.Order, error)
	InsertFailedEvent(ctx context.Context, event *model.FailedEvent) error
}

type mysqlRepo struct {
	db *gorm.DB
}

func NewOrderRepo(db *gorm.DB) OrderRepo {
	return &mysqlRepo{db: db}
}

// CreateOrders writes one checkout all or nothing.
func (r *mysqlRepo) CreateOrders(ctx context.Context, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range orders {
			if err := tx.Create(o).Error; err != nil {
				if IsDuplicateError(err) {
					return errors.Wrapf(ErrDuplicate, "order %s", o.OrderNumber)
				}
				return errors.Wrapf(err, "insert order %s", o.OrderNumber)
			}
		}
		return nil
	})
}

func (r *mysqlRepo) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Preload("Items").Where("id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return &order, nil
}

func (r *mysqlRepo) GetOrdersByIDs(ctx context.Context, orderIDs []string) ([]*model.Order, error) {
	var orders []*model.Order
	if len(orderIDs) == 0 {
		return orders, nil
	}
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id IN ?", orderIDs).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	return orders, errors.Wrap(err, "get orders")
}

// FindByTrackingNumber resolves courier data, which only carries the
// tracking number, back to its order.
func (r *mysqlRepo) FindByTrackingNumber(ctx context.Context, trackingNumber string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("tracking_number = ?", trackingNumber).
		Order("created_at DESC").
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find order by tracking number")
	}
	return &order, nil
}

// AttachPaymentSession records the session on the listed orders. Only unpaid
// orders take a session.
func (r *mysqlRepo) AttachPaymentSession(ctx context.Context, orderIDs []string, sessionID string, accountID *string) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id IN ? AND payment_status = ?", orderIDs, model.PaymentStatusUnpaid).
		Updates(map[string]interface{}{
			"payment_session_id": sessionID,
			"payment_account_id": accountID,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "attach payment session")
	}
	return res.RowsAffected, nil
}

// MarkPaid moves an order from unpaid to paid in the same transaction as
// the stock decrement. The decrement only runs when this call flipped the order.
func (r *mysqlRepo) MarkPaid(ctx context.Context, orderID string, match PaymentMatch) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.Order{}).
			Where("id = ? AND payment_status = ? AND status <> ?", orderID, model.PaymentStatusUnpaid, model.OrderStatusCancelled)
		res := match.scope(q).Updates(map[string]interface{}{
			"payment_status": model.PaymentStatusPaid,
			"status":         gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", model.OrderStatusPending, model.OrderStatusProcessing),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var items []model.OrderItem
		if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
			return err
		}
		for _, item := range items {
			err := tx.Model(&model.Product{}).
				Where("id = ?", item.ProductID).
				Update("stock", gorm.Expr("CASE WHEN stock > ? THEN stock - ? ELSE 0 END", item.Quantity, item.Quantity)).Error
			if err != nil {
				return errors.Wrapf(err, "decrement stock for %s", item.ProductID)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "mark paid")
	}
	return applied, nil
}

// MarkPaymentFailed moves an unpaid order to failed and cancels it. The
// failure is terminal.
func (r *mysqlRepo) MarkPaymentFailed(ctx context.Context, orderID string, match PaymentMatch, at time.Time) (bool, error) {
	q := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status = ? AND status IN ?", orderID, model.PaymentStatusUnpaid, model.StatusesBelow(model.OrderStatusCancelled))
	res := match.scope(q).Updates(map[string]interface{}{
		"payment_status":      model.PaymentStatusFailed,
		"status":              model.OrderStatusCancelled,
		"cancellation_date":   at,
		"cancellation_reason": "payment failed",
		"cancelled_by":        "payment_provider",
	})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "mark payment failed")
	}
	return res.RowsAffected == 1, nil
}

// CancelUnpaid cancels a pending checkout that was never paid. Its payment
// status stays unpaid.
func (r *mysqlRepo) CancelUnpaid(ctx context.Context, orderID, reason, cancelledBy string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ? AND payment_status = ?", orderID, model.OrderStatusPending, model.PaymentStatusUnpaid).
		Updates(map[string]interface{}{
			"status":              model.OrderStatusCancelled,
			"cancellation_date":   at,
			"cancellation_reason": reason,
			"cancelled_by":        cancelledBy,
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "cancel unpaid order")
	}
	return res.RowsAffected == 1, nil
}

// AdvanceShipmentStatus only moves status to a strictly higher priority. The
// detail text is refreshed either way; shipped_at/delivered_at are set once.
func (r *mysqlRepo) AdvanceShipmentStatus(ctx context.Context, orderID, status, detail string, at time.Time) (bool, error) {
	advanced := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if detail != "" {
			err := tx.Model(&model.Order{}).Where("id = ?", orderID).Update("detailed_tracking_status", detail).Error
			if err != nil {
				return err
			}
		}

		if below := model.StatusesBelow(status); len(below) > 0 {
			fields := map[string]interface{}{"status": status}
			if status == model.OrderStatusCancelled {
				fields["cancellation_date"] = at
				fields["cancellation_reason"] = detail
				fields["cancelled_by"] = "courier"
			}
			res := tx.Model(&model.Order{}).
				Where("id = ? AND status IN ?", orderID, below).
				Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			advanced = res.RowsAffected == 1
		}

		err := tx.Model(&model.Order{}).
			Where("id = ? AND shipped_at IS NULL AND status IN ?", orderID, []string{model.OrderStatusShipped, model.OrderStatusDelivered}).
			Update("shipped_at", at).Error
		if err != nil {
			return err
		}
		return tx.Model(&model.Order{}).
			Where("id = ? AND delivered_at IS NULL AND status = ?", orderID, model.OrderStatusDelivered).
			Update("delivered_at", at).Error
	})
	if err != nil {
		return false, errors.Wrap(err, "advance shipment status")
	}
	return advanced, nil
}

// GetExpiredPendingOrders lists orders still pending and unpaid past the
// checkout TTL.
func (r *mysqlRepo) GetExpiredPendingOrders(ctx context.Context, delay time.Duration, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	threshold := time.Now().Add(-delay)
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_status = ? AND created_at < ?", model.OrderStatusPending, model.PaymentStatusUnpaid, threshold).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, errors.Wrap(err, "get expired pending orders")
}

// GetTrackableOrders lists orders still moving through the courier.
func (r *mysqlRepo) GetTrackableOrders(ctx context.Context, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("tracking_number <> '' AND status IN ?", []string{model.OrderStatusProcessing, model.OrderStatusShipped}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, errors.Wrap(err, "get trackable orders")
}

func (r *mysqlRepo) InsertFailedEvent(ctx context.Context, event *model.FailedEvent) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(event).Error, "insert failed event")
}
