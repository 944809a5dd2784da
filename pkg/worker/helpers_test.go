package worker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/service"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type stubGateway struct {
	mu       sync.Mutex
	statuses map[string]string
	errs     map[string]error

	// expireErrs fails ExpireSession for a session, as the provider does
	// once the buyer has completed it.
	expireErrs map[string]error
	queried    []string
	expired    []string
}

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, req *service.SessionRequest) (*service.Session, error) {
	return nil, &service.UpstreamError{Service: service.ServicePaymentGateway}
}

func (g *stubGateway) GetSessionStatus(ctx context.Context, sessionID, accountID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, sessionID)
	if err := g.errs[sessionID]; err != nil {
		return "", err
	}
	return g.statuses[sessionID], nil
}

func (g *stubGateway) ExpireSession(ctx context.Context, sessionID, accountID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.expireErrs[sessionID]; err != nil {
		return err
	}
	g.expired = append(g.expired, sessionID)
	return nil
}

type statusRecorder struct {
	mu     sync.Mutex
	events map[string]string
}

func (r *statusRecorder) PublishStatus(ctx context.Context, orderID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string]string{}
	}
	r.events[orderID] = status
}

func (r *statusRecorder) snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.events))
	for k, v := range r.events {
		out[k] = v
	}
	return out
}

func backdate(t *testing.T, db *gorm.DB, id string, age time.Duration) {
	t.Helper()
	err := db.Model(&model.Order{}).Where("id = ?", id).UpdateColumn("created_at", time.Now().Add(-age)).Error
	if err != nil {
		t.Fatalf("backdate order: %v", err)
	}
}
