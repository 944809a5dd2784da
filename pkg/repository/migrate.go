package repository

import (
	"github.com/campusmarket/orderservice/pkg/model"
	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Order{},
		&model.OrderItem{},
		&model.Product{},
		&model.Seller{},
		&model.Address{},
		&model.TrackingCheckpoint{},
		&model.FailedEvent{},
	)
}
