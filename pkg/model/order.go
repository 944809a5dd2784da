package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order Status Constants
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

const (
	PaymentStatusUnpaid = "unpaid"
	PaymentStatusPaid   = "paid"
	PaymentStatusFailed = "failed"
)

var statusPriority = map[string]int{
	OrderStatusPending:    1,
	OrderStatusProcessing: 2,
	OrderStatusShipped:    3,
	OrderStatusDelivered:  4,
	OrderStatusCancelled:  5,
}

// StatusPriority returns 0 for unknown statuses.
func StatusPriority(status string) int {
	return statusPriority[status]
}

// StatusesBelow lists the statuses an order may be in for a move to target to
// be an advance. Cancellation is only reachable from non-terminal statuses.
func StatusesBelow(target string) []string {
	p := StatusPriority(target)
	if p == 0 {
		return nil
	}
	out := make([]string, 0, 4)
	for _, s := range []string{OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered} {
		if statusPriority[s] >= p {
			continue
		}
		if target == OrderStatusCancelled && s == OrderStatusDelivered {
			continue
		}
		out = append(out, s)
	}
	return out
}

type Order struct {
	ID                     string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OrderNumber            string          `gorm:"type:varchar(128);uniqueIndex" json:"order_number"`
	CheckoutToken          string          `gorm:"type:varchar(64);index" json:"checkout_token"`
	SellerID               string          `gorm:"type:varchar(64);index" json:"seller_id"`
	BuyerID                string          `gorm:"type:varchar(64);index" json:"buyer_id"`
	BuyerEmail             string          `gorm:"type:varchar(255)" json:"buyer_email"`
	AddressID              string          `gorm:"type:varchar(64)" json:"address_id"`
	TotalAmount            decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"total_amount"`
	PlatformFee            decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"platform_fee"`
	SellerPayout           decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"seller_payout"`
	Status                 string          `gorm:"type:varchar(16);index:idx_status_created_at,priority:1" json:"status"`
	PaymentStatus          string          `gorm:"type:varchar(16)" json:"payment_status"`
	PaymentSessionID       string          `gorm:"type:varchar(255);index" json:"payment_session_id"`
	PaymentAccountID       *string         `gorm:"type:varchar(255)" json:"payment_account_id,omitempty"`
	TrackingNumber         string          `gorm:"type:varchar(128);index" json:"tracking_number"`
	CourierCode            string          `gorm:"type:varchar(64)" json:"courier_code"`
	DetailedTrackingStatus string          `gorm:"type:text" json:"detailed_tracking_status"`
	ShippedAt              *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt            *time.Time      `json:"delivered_at,omitempty"`
	CancellationDate       *time.Time      `json:"cancellation_date,omitempty"`
	CancellationReason     string          `gorm:"type:varchar(255)" json:"cancellation_reason,omitempty"`
	CancelledBy            string          `gorm:"type:varchar(32)" json:"cancelled_by,omitempty"`
	CreatedAt              time.Time       `gorm:"index:idx_status_created_at,priority:2" json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID;references:ID" json:"items"`
}

func (Order) TableName() string {
	return "orders"
}

// AccountID is empty for orders settled on the platform account.
func (o *Order) AccountID() string {
	if o.PaymentAccountID == nil {
		return ""
	}
	return *o.PaymentAccountID
}

type OrderItem struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	OrderID      string          `gorm:"type:varchar(64);index" json:"order_id"`
	ProductID    string          `gorm:"type:varchar(64)" json:"product_id"`
	Quantity     int             `gorm:"type:int" json:"quantity"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(10,2)" json:"unit_price"`
	TotalPrice   decimal.Decimal `gorm:"type:decimal(10,2)" json:"total_price"`
	Variation    string          `gorm:"type:varchar(255)" json:"variation,omitempty"`
	ProductName  string          `gorm:"type:varchar(255)" json:"product_name"`
	ProductImage string          `gorm:"type:varchar(500)" json:"product_image,omitempty"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

type OrderStatusEvent struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}
