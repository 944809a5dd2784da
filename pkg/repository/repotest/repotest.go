// Package repotest opens throwaway in-memory databases with the production
// schema for package tests.
package repotest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq uint64

func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name, atomic.AddUint64(&dbSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func Money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func StrPtr(s string) *string {
	return &s
}

func SeedProduct(t testing.TB, db *gorm.DB, id, sellerID, price string, stock int) *model.Product {
	t.Helper()
	p := &model.Product{
		ID:       id,
		SellerID: sellerID,
		Name:     "Product " + id,
		ImageURL: "https://cdn.example.com/" + id + ".jpg",
		Price:    Money(price),
		Stock:    stock,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return p
}

func SeedSeller(t testing.TB, db *gorm.DB, id string, accountID *string) *model.Seller {
	t.Helper()
	s := &model.Seller{ID: id, Name: "Seller " + id, Email: id + "@campus.example.com", PaymentAccountID: accountID}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("seed seller: %v", err)
	}
	return s
}

func SeedAddress(t testing.TB, db *gorm.DB, id, userID string) *model.Address {
	t.Helper()
	a := &model.Address{ID: id, UserID: userID}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("seed address: %v", err)
	}
	return a
}

// SeedOrder writes a pending/unpaid order with one item per product id.
func SeedOrder(t testing.TB, db *gorm.DB, id, sessionID string, items map[string]int) *model.Order {
	t.Helper()
	o := &model.Order{
		ID:            id,
		OrderNumber:   "CHK-" + id,
		CheckoutToken: "CHK",
		SellerID:      "s1",
		BuyerID:       "b1",
		BuyerEmail:    "buyer@campus.example.com",
		AddressID:     "a1",
		TotalAmount:   Money("10.00"),
		PlatformFee:   Money("0.50"),
		SellerPayout:  Money("9.50"),
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusUnpaid,
		CreatedAt:     time.Now(),
	}
	if sessionID != "" {
		o.PaymentSessionID = sessionID
	}
	for pid, qty := range items {
		o.Items = append(o.Items, model.OrderItem{
			ProductID:   pid,
			Quantity:    qty,
			UnitPrice:   Money("5.00"),
			TotalPrice:  Money("5.00").Mul(decimal.NewFromInt(int64(qty))),
			ProductName: "Product " + pid,
		})
	}
	if err := db.Create(o).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func ReloadOrder(t testing.TB, db *gorm.DB, id string) *model.Order {
	t.Helper()
	var o model.Order
	if err := db.Preload("Items").Where("id = ?", id).First(&o).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	return &o
}

func Stock(t testing.TB, db *gorm.DB, productID string) int {
	t.Helper()
	var p model.Product
	if err := db.Where("id = ?", productID).First(&p).Error; err != nil {
		t.Fatalf("reload product: %v", err)
	}
	return p.Stock
}
