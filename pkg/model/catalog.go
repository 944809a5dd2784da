package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is owned by the catalog. Orders only read it and decrement Stock.
type Product struct {
	ID            string              `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SellerID      string              `gorm:"type:varchar(64);index" json:"seller_id"`
	Name          string              `gorm:"type:varchar(255)" json:"name"`
	ImageURL      string              `gorm:"type:text" json:"image_url"`
	Price         decimal.Decimal     `gorm:"type:decimal(10,2);not null" json:"price"`
	DiscountPrice decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"discount_price"`
	DiscountStart *time.Time          `json:"discount_start,omitempty"`
	DiscountEnd   *time.Time          `json:"discount_end,omitempty"`
	Stock         int                 `gorm:"type:int;not null" json:"stock"`
}

func (Product) TableName() string {
	return "products"
}

// DiscountActive reports whether now falls inside [DiscountStart, DiscountEnd].
// A missing bound leaves that side open.
func (p *Product) DiscountActive(now time.Time) bool {
	if !p.DiscountPrice.Valid {
		return false
	}
	if p.DiscountStart != nil && now.Before(*p.DiscountStart) {
		return false
	}
	if p.DiscountEnd != nil && now.After(*p.DiscountEnd) {
		return false
	}
	return true
}

func (p *Product) EffectivePrice(now time.Time) decimal.Decimal {
	if p.DiscountActive(now) {
		return p.DiscountPrice.Decimal
	}
	return p.Price
}

type Seller struct {
	ID               string  `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name             string  `gorm:"type:varchar(255)" json:"name"`
	Email            string  `gorm:"type:varchar(255)" json:"email"`
	PaymentAccountID *string `gorm:"type:varchar(255)" json:"payment_account_id,omitempty"`
}

func (Seller) TableName() string {
	return "sellers"
}

func (s *Seller) AccountID() string {
	if s.PaymentAccountID == nil {
		return ""
	}
	return *s.PaymentAccountID
}

type Address struct {
	ID     string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID string `gorm:"type:varchar(64);index" json:"user_id"`
}

func (Address) TableName() string {
	return "addresses"
}
