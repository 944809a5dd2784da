package worker

import (
	"context"
	"sync"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/campusmarket/orderservice/pkg/service"
	"github.com/sirupsen/logrus"
)

type TrackingSnapshotter interface {
	GetOrCreateTrackingSnapshot(ctx context.Context, q service.TrackingQuery) (*service.TrackingSnapshot, error)
}

// TrackingRefresher polls the courier for orders still in transit, so status
// advances even when no webhook arrives.
type TrackingRefresher struct {
	repo     repository.OrderRepo
	tracker  TrackingSnapshotter
	log      *logrus.Entry
	interval time.Duration
	timeout  time.Duration
	batch    int
}

func NewTrackingRefresher(repo repository.OrderRepo, tracker TrackingSnapshotter, interval time.Duration, log *logrus.Logger) *TrackingRefresher {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &TrackingRefresher{
		repo:     repo,
		tracker:  tracker,
		log:      log.WithField("worker", "TrackingRefresher"),
		interval: interval,
		timeout:  15 * time.Second,
		batch:    50,
	}
}

func (w *TrackingRefresher) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.log.Info("TrackingRefresher started")
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				w.log.Info("TrackingRefresher stopping...")
				return
			case <-ticker.C:
				w.refresh(ctx)
			}
		}
	}()
}

func (w *TrackingRefresher) refresh(ctx context.Context) {
	orders, err := w.repo.GetTrackableOrders(ctx, w.batch)
	if err != nil {
		w.log.Errorf("Failed to fetch trackable orders: %v", err)
		return
	}
	if len(orders) == 0 {
		return
	}
	w.log.Infof("Refreshing tracking for %d orders", len(orders))

	var wg sync.WaitGroup
	sem := make(chan struct{}, 10)
	for _, order := range orders {
		wg.Add(1)
		go func(o *model.Order) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()
			snap, err := w.tracker.GetOrCreateTrackingSnapshot(reqCtx, service.TrackingQuery{
				TrackingNumber: o.TrackingNumber,
				CourierCode:    o.CourierCode,
				OrderID:        o.ID,
				ForceRefresh:   true,
			})
			if err != nil {
				w.log.WithField("order_id", o.ID).Errorf("Tracking refresh failed: %v", err)
				return
			}
			w.log.WithField("order_id", o.ID).Debugf("Tracking refreshed from %s: %s", snap.Source, snap.Status)
		}(order)
	}
	wg.Wait()
}
