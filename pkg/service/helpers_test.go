package service

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/campusmarket/orderservice/pkg/repository/repotest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []*SessionRequest
	err      error
	statuses map[string]string
	nextID   string
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	id := g.nextID
	if id == "" {
		id = "cs_test_1"
	}
	return &Session{ID: id, URL: "https://pay.example.com/" + id}, nil
}

func (g *fakeGateway) GetSessionStatus(ctx context.Context, sessionID, accountID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	return g.statuses[sessionID], nil
}

func (g *fakeGateway) ExpireSession(ctx context.Context, sessionID, accountID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

type recordingReceipts struct {
	mu     sync.Mutex
	orders []*model.Order
}

func (r *recordingReceipts) Push(o *model.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
}

func (r *recordingReceipts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type publishedEvent struct {
	orderID string
	status  string
}

type recordingEvents struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (e *recordingEvents) PublishStatus(ctx context.Context, orderID, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, publishedEvent{orderID: orderID, status: status})
}

func (e *recordingEvents) all() []publishedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]publishedEvent(nil), e.events...)
}

type fakeCourier struct {
	mu        sync.Mutex
	lookup    []byte
	lookupErr error
	list      []byte
	listErr   error
	lookups   int
	listings  int
}

func (c *fakeCourier) Lookup(ctx context.Context, trackingNumber, courierCode string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	return c.lookup, c.lookupErr
}

func (c *fakeCourier) ListTrackings(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings++
	return c.list, c.listErr
}

func (c *fakeCourier) calls() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups, c.listings
}

var errCourierDown = &UpstreamError{Service: ServiceCourier, Err: errors.New("status 500")}

// seedShippingOrder writes a paid order already handed to fulfilment.
func seedShippingOrder(t *testing.T, db *gorm.DB, id, status, trackingNumber string) *model.Order {
	t.Helper()
	repotest.SeedOrder(t, db, id, "cs_"+id, map[string]int{"p1": 1})
	err := db.Model(&model.Order{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":          status,
		"payment_status":  model.PaymentStatusPaid,
		"tracking_number": trackingNumber,
		"courier_code":    "jnt",
	}).Error
	if err != nil {
		t.Fatalf("seed shipping order: %v", err)
	}
	return repotest.ReloadOrder(t, db, id)
}

func countRows(t *testing.T, db *gorm.DB, m interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(m).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func newRepos(db *gorm.DB) (repository.OrderRepo, repository.CatalogRepo, repository.TrackingRepo) {
	return repository.NewOrderRepo(db), repository.NewCatalogRepo(db), repository.NewTrackingRepo(db)
}
