package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/campusmarket/orderservice/pkg/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkpoint(orderID string, at time.Time, details string) *model.TrackingCheckpoint {
	return &model.TrackingCheckpoint{
		ID:             model.CheckpointKey(orderID, "TRK1", at, details),
		OrderID:        orderID,
		TrackingNumber: "TRK1",
		CourierCode:    "citylink",
		Status:         model.OrderStatusShipped,
		Details:        details,
		CheckpointTime: at,
	}
}

func TestUpsertCheckpointsDedup(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewTrackingRepo(db)
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	n, err := repo.UpsertCheckpoints(ctx, []*model.TrackingCheckpoint{checkpoint("o1", at, "Arrived at hub")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.UpsertCheckpoints(ctx, []*model.TrackingCheckpoint{
		checkpoint("o1", at, "Arrived at hub"),
		checkpoint("o1", at.Add(time.Hour), "Departed hub"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	history, err := repo.ListCheckpoints(ctx, "o1", "")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Departed hub", history[0].Details)
	assert.Equal(t, "Arrived at hub", history[1].Details)
}

func TestListCheckpointsByTrackingNumber(t *testing.T) {
	db := repotest.NewDB(t)
	repo := repository.NewTrackingRepo(db)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Second)
	_, err := repo.UpsertCheckpoints(ctx, []*model.TrackingCheckpoint{checkpoint("o1", at, "Picked up")})
	require.NoError(t, err)

	history, err := repo.ListCheckpoints(ctx, "", "TRK1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	history, err = repo.ListCheckpoints(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, history)
}
