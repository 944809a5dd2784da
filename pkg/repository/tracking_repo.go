package repository

import (
	"context"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TrackingRepo interface {
	UpsertCheckpoints(ctx context.Context, checkpoints []*model.TrackingCheckpoint) (int64, error)
	ListCheckpoints(ctx context.Context, orderID, trackingNumber string) ([]*model.TrackingCheckpoint, error)
}

type trackingRepo struct {
	db *gorm.DB
}

func NewTrackingRepo(db *gorm.DB) TrackingRepo {
	return &trackingRepo{db: db}
}

// UpsertCheckpoints inserts checkpoints whose dedup key is new and returns how
// many rows were actually written.
func (r *trackingRepo) UpsertCheckpoints(ctx context.Context, checkpoints []*model.TrackingCheckpoint) (int64, error) {
	if len(checkpoints) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(checkpoints, 100)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "upsert checkpoints")
	}
	return res.RowsAffected, nil
}

// ListCheckpoints returns the history newest first. orderID wins over
// trackingNumber when both are given.
func (r *trackingRepo) ListCheckpoints(ctx context.Context, orderID, trackingNumber string) ([]*model.TrackingCheckpoint, error) {
	var checkpoints []*model.TrackingCheckpoint
	q := r.db.WithContext(ctx)
	switch {
	case orderID != "":
		q = q.Where("order_id = ?", orderID)
	case trackingNumber != "":
		q = q.Where("tracking_number = ?", trackingNumber)
	default:
		return checkpoints, nil
	}
	err := q.Order("checkpoint_time DESC").Order("id ASC").Find(&checkpoints).Error
	return checkpoints, errors.Wrap(err, "list checkpoints")
}
