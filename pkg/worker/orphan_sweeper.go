package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/campusmarket/orderservice/pkg/service"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	checkoutExpiredReason = "checkout expired"
	cancelledBySystem     = "system"
)

type OrderSettler interface {
	SettleOrders(ctx context.Context, ids []string, match repository.PaymentMatch) ([]string, []string, error)
}

// OrphanSweeper resolves checkouts whose buyer never came back: it asks the
// gateway what happened to the session and either settles or cancels. An
// order is only cancelled once its session can no longer be paid.
type OrphanSweeper struct {
	repo     repository.OrderRepo
	gateway  service.PaymentGateway
	settler  OrderSettler
	events   service.StatusPublisher
	log      *logrus.Entry
	ttl      time.Duration
	interval time.Duration
	batch    int
	now      func() time.Time

	expiredFoundTotal uint64
	settledTotal      uint64
	cancelledTotal    uint64
	skippedTotal      uint64
}

func NewOrphanSweeper(repo repository.OrderRepo, gateway service.PaymentGateway, settler OrderSettler, events service.StatusPublisher, ttl, interval time.Duration, log *logrus.Logger) *OrphanSweeper {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	w := &OrphanSweeper{
		repo:     repo,
		gateway:  gateway,
		settler:  settler,
		events:   events,
		log:      log.WithField("worker", "OrphanSweeper"),
		ttl:      ttl,
		interval: interval,
		batch:    50,
		now:      time.Now,
	}
	w.registerMetrics()
	return w
}

func (w *OrphanSweeper) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("orderservice.orphan_sweeper")
	_, err := meter.Int64ObservableGauge("app_orphan_sweep_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&w.expiredFoundTotal)),
				metric.WithAttributes(attribute.String("action", "scan_expired")))
			obs.Observe(int64(atomic.LoadUint64(&w.settledTotal)),
				metric.WithAttributes(attribute.String("action", "settle_paid")))
			obs.Observe(int64(atomic.LoadUint64(&w.cancelledTotal)),
				metric.WithAttributes(attribute.String("action", "cancel_unpaid")))
			obs.Observe(int64(atomic.LoadUint64(&w.skippedTotal)),
				metric.WithAttributes(attribute.String("action", "skip")))
			return nil
		}),
	)
	if err != nil {
		w.log.Warnf("failed to register metrics: %v", err)
	}
}

func (w *OrphanSweeper) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.log.Infof("Started polling for abandoned checkouts (every %s, ttl %s)", w.interval, w.ttl)
		for {
			select {
			case <-ctx.Done():
				w.log.Info("Stopping...")
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

func (w *OrphanSweeper) sweep(ctx context.Context) {
	orders, err := w.repo.GetExpiredPendingOrders(ctx, w.ttl, w.batch)
	if err != nil {
		w.log.Errorf("Failed to fetch expired orders: %v", err)
		return
	}
	if len(orders) == 0 {
		return
	}

	w.log.Infof("Found %d abandoned checkouts. Starting reconciliation...", len(orders))
	atomic.AddUint64(&w.expiredFoundTotal, uint64(len(orders)))

	var wg sync.WaitGroup
	sem := make(chan struct{}, 10)
	for _, order := range orders {
		wg.Add(1)
		go func(o *model.Order) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			w.resolve(ctx, o)
		}(order)
	}
	wg.Wait()
}

func (w *OrphanSweeper) resolve(ctx context.Context, o *model.Order) {
	log := w.log.WithField("order_id", o.ID)

	status := service.SessionExpired
	if o.PaymentSessionID != "" {
		var err error
		status, err = w.gateway.GetSessionStatus(ctx, o.PaymentSessionID, o.AccountID())
		if err != nil {
			// an unknown outcome must not cancel a possibly paid order
			log.Warnf("Session lookup failed: %v. Skipping until next tick.", err)
			atomic.AddUint64(&w.skippedTotal, 1)
			return
		}
	}

	if status == service.SessionPaid {
		applied, _, err := w.settler.SettleOrders(ctx, []string{o.ID}, repository.PaymentMatch{
			SessionID: o.PaymentSessionID,
			AccountID: o.AccountID(),
		})
		if err != nil {
			log.Errorf("Failed to settle paid orphan: %v", err)
			return
		}
		if len(applied) > 0 {
			log.Info("Orphan was paid, settled without webhook")
			atomic.AddUint64(&w.settledTotal, 1)
		}
		return
	}

	if status == service.SessionUnpaid {
		// the session is still payable; close it before the order goes
		if err := w.gateway.ExpireSession(ctx, o.PaymentSessionID, o.AccountID()); err != nil {
			log.Warnf("Could not expire open session: %v. Skipping until next tick.", err)
			atomic.AddUint64(&w.skippedTotal, 1)
			return
		}
		status = service.SessionExpired
	}

	ok, err := w.repo.CancelUnpaid(ctx, o.ID, checkoutExpiredReason, cancelledBySystem, w.now())
	if err != nil {
		log.Errorf("Failed to cancel abandoned order: %v", err)
		return
	}
	if !ok {
		return
	}
	log.Infof("Cancelled abandoned order (session %s)", status)
	atomic.AddUint64(&w.cancelledTotal, 1)
	if w.events != nil {
		w.events.PublishStatus(ctx, o.ID, service.EventCancelled)
	}
}
