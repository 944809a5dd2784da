package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/datatypes"
)

type TrackingCheckpoint struct {
	ID             string         `gorm:"primaryKey;type:char(64)" json:"id"`
	OrderID        string         `gorm:"type:varchar(64);index:idx_checkpoint_order_time,priority:1" json:"order_id"`
	TrackingNumber string         `gorm:"type:varchar(128);index" json:"tracking_number"`
	CourierCode    string         `gorm:"type:varchar(64)" json:"courier_code"`
	Status         string         `gorm:"type:varchar(16)" json:"status"`
	Details        string         `gorm:"type:text" json:"details"`
	Location       string         `gorm:"type:varchar(255)" json:"location"`
	CheckpointTime time.Time      `gorm:"index:idx_checkpoint_order_time,priority:2" json:"checkpoint_time"`
	RawPayload     datatypes.JSON `json:"-"`
	CreatedAt      time.Time      `json:"-"`
}

func (TrackingCheckpoint) TableName() string {
	return "tracking_checkpoints"
}

// CheckpointKey is the dedup key for one courier checkpoint. The same
// (order, tracking number, time, details) always yields the same key.
func CheckpointKey(orderID, trackingNumber string, at time.Time, details string) string {
	h := sha256.New()
	h.Write([]byte(orderID))
	h.Write([]byte{0})
	h.Write([]byte(trackingNumber))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(details))
	return hex.EncodeToString(h.Sum(nil))
}

const (
	FailedEventSourcePayment = "payment"
	FailedEventSourceCourier = "courier"
)

// FailedEvent keeps inbound events that could not be correlated to orders.
type FailedEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Source    string    `gorm:"type:varchar(16);index" json:"source"`
	EventID   string    `gorm:"type:varchar(255);index" json:"event_id"`
	EventType string    `gorm:"type:varchar(64)" json:"event_type"`
	Reason    string    `gorm:"type:varchar(255)" json:"reason"`
	Payload   string    `gorm:"type:text" json:"payload"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (FailedEvent) TableName() string {
	return "failed_events"
}
