package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/campusmarket/orderservice/pkg/service"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const bulkTrackingKey = "courier:trackings:all"

const DefaultBulkTTL = 60 * time.Second

// CachedCourier keeps the courier's bulk listing in Redis for a short TTL.
// Direct lookups pass straight through.
type CachedCourier struct {
	next service.Courier
	rdb  *redis.Client
	ttl  time.Duration
	sf   singleflight.Group
	cb   *gobreaker.CircuitBreaker
	log  *logrus.Logger

	hitTotal      uint64
	missTotal     uint64
	degradedTotal uint64
}

func NewCachedCourier(next service.Courier, rdb *redis.Client, ttl time.Duration, log *logrus.Logger) *CachedCourier {
	if ttl <= 0 {
		ttl = DefaultBulkTTL
	}
	st := gobreaker.Settings{
		Name:        "TrackingCache",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}
	c := &CachedCourier{
		next: next,
		rdb:  rdb,
		ttl:  ttl,
		cb:   gobreaker.NewCircuitBreaker(st),
		log:  log,
	}
	c.registerMetrics()
	return c
}

func (c *CachedCourier) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("orderservice.tracking_cache")
	_, err := meter.Int64ObservableGauge("app_tracking_cache_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&c.hitTotal)), metric.WithAttributes(attribute.String("result", "hit")))
			obs.Observe(int64(atomic.LoadUint64(&c.missTotal)), metric.WithAttributes(attribute.String("result", "miss")))
			obs.Observe(int64(atomic.LoadUint64(&c.degradedTotal)), metric.WithAttributes(attribute.String("result", "degraded")))
			return nil
		}),
	)
	if err != nil {
		c.log.Warnf("failed to register tracking cache metrics: %v", err)
	}
}

func (c *CachedCourier) Lookup(ctx context.Context, trackingNumber, courierCode string) ([]byte, error) {
	return c.next.Lookup(ctx, trackingNumber, courierCode)
}

// ListTrackings serves the bulk listing from Redis. Concurrent misses share
// one upstream call. With Redis down it degrades to calling the courier.
func (c *CachedCourier) ListTrackings(ctx context.Context) ([]byte, error) {
	val, err := c.cb.Execute(func() (interface{}, error) {
		res, err := c.rdb.Get(ctx, bulkTrackingKey).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		atomic.AddUint64(&c.degradedTotal, 1)
		c.log.Warnf("[TrackingCache] Circuit breaker open or Redis error: %v. Calling courier directly.", err)
		return c.next.ListTrackings(ctx)
	}
	if body, ok := val.([]byte); ok && body != nil {
		atomic.AddUint64(&c.hitTotal, 1)
		return body, nil
	}

	atomic.AddUint64(&c.missTotal, 1)
	result, err, shared := c.sf.Do(bulkTrackingKey, func() (interface{}, error) {
		body, err := c.next.ListTrackings(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.rdb.Set(ctx, bulkTrackingKey, body, c.ttl).Err(); err != nil {
			c.log.Errorf("[TrackingCache] failed to write cache key %s: %v", bulkTrackingKey, err)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debugf("[TrackingCache] shared bulk listing fetch")
	}
	return result.([]byte), nil
}
