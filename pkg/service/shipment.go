package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Snapshot sources.
const (
	SourceLocal     = "local"
	SourceDirect    = "direct"
	SourceBulk      = "bulk"
	SourceSynthetic = "synthetic"
)

const trackingUnavailable = "Tracking information not yet available"

// Courier returns raw provider payloads; shape handling lives in
// NormalizeTrackings.
type Courier interface {
	Lookup(ctx context.Context, trackingNumber, courierCode string) ([]byte, error)
	ListTrackings(ctx context.Context) ([]byte, error)
}

type TrackingQuery struct {
	TrackingNumber string
	CourierCode    string
	OrderID        string
	ForceRefresh   bool
}

type TrackingSnapshot struct {
	Status         string       `json:"status"`
	DetailedStatus string       `json:"detailed_status"`
	Checkpoints    []Checkpoint `json:"checkpoints"`
	Source         string       `json:"source"`
}

type PushResult struct {
	Applied []string `json:"applied,omitempty"`
	Unknown []string `json:"unknown,omitempty"`
}

type ShipmentReconciler struct {
	orders   repository.OrderRepo
	tracking repository.TrackingRepo
	courier  Courier
	events   StatusPublisher
	apiKey   string

	// loc is the courier's local time, used for timestamps without a zone.
	loc *time.Location
	now func() time.Time
	log *logrus.Entry
}

func NewShipmentReconciler(orders repository.OrderRepo, tracking repository.TrackingRepo, courier Courier, events StatusPublisher, apiKey string, log *logrus.Logger) *ShipmentReconciler {
	return &ShipmentReconciler{
		orders:   orders,
		tracking: tracking,
		courier:  courier,
		events:   events,
		apiKey:   apiKey,
		loc:      time.UTC,
		now:      time.Now,
		log:      log.WithField("component", "ShipmentReconciler"),
	}
}

// SetCourierLocation sets the zone that courier timestamps without an offset
// are read in. Nil keeps UTC.
func (r *ShipmentReconciler) SetCourierLocation(loc *time.Location) {
	if loc != nil {
		r.loc = loc
	}
}

// GetOrCreateTrackingSnapshot answers from local history when it can, then
// falls back to a direct courier lookup, the bulk listing and finally a
// synthetic timeline built from the order itself. Courier failures never
// surface as errors.
func (r *ShipmentReconciler) GetOrCreateTrackingSnapshot(ctx context.Context, q TrackingQuery) (*TrackingSnapshot, error) {
	q.TrackingNumber = strings.TrimSpace(q.TrackingNumber)
	q.OrderID = strings.TrimSpace(q.OrderID)
	if q.TrackingNumber == "" && q.OrderID == "" {
		return nil, &ValidationError{Code: CodeInvalidTrackingQuery, Message: "tracking number or order id is required"}
	}

	order, err := r.resolveOrder(ctx, q)
	if err != nil {
		return nil, err
	}
	if order != nil {
		if q.TrackingNumber == "" {
			q.TrackingNumber = order.TrackingNumber
		}
		if q.CourierCode == "" {
			q.CourierCode = order.CourierCode
		}
	}
	log := r.log.WithFields(logrus.Fields{
		"tracking_number": q.TrackingNumber,
		"order_id":        q.OrderID,
	})

	if !q.ForceRefresh {
		snap, err := r.localSnapshot(ctx, order, q)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			return snap, nil
		}
	}

	if q.TrackingNumber != "" && r.courier != nil {
		if t := r.direct(ctx, log, q); t != nil {
			return r.remoteSnapshot(ctx, log, order, t, SourceDirect), nil
		}
		if t := r.bulk(ctx, log, q); t != nil {
			return r.remoteSnapshot(ctx, log, order, t, SourceBulk), nil
		}
	}

	return r.syntheticSnapshot(order), nil
}

func (r *ShipmentReconciler) resolveOrder(ctx context.Context, q TrackingQuery) (*model.Order, error) {
	var (
		order *model.Order
		err   error
	)
	if q.OrderID != "" {
		order, err = r.orders.GetOrder(ctx, q.OrderID)
	} else {
		order, err = r.orders.FindByTrackingNumber(ctx, q.TrackingNumber)
	}
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, nil
	}
	return order, err
}

func (r *ShipmentReconciler) localSnapshot(ctx context.Context, order *model.Order, q TrackingQuery) (*TrackingSnapshot, error) {
	orderID := ""
	if order != nil {
		orderID = order.ID
	}
	rows, err := r.tracking.ListCheckpoints(ctx, orderID, q.TrackingNumber)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	snap := &TrackingSnapshot{Source: SourceLocal}
	for _, row := range rows {
		snap.Checkpoints = append(snap.Checkpoints, Checkpoint{
			Time:     row.CheckpointTime.UTC(),
			Status:   row.Status,
			Details:  row.Details,
			Location: row.Location,
		})
	}
	snap.Status = snap.Checkpoints[0].Status
	snap.DetailedStatus = snap.Checkpoints[0].Details
	if order != nil {
		snap.Status = order.Status
		if order.DetailedTrackingStatus != "" {
			snap.DetailedStatus = order.DetailedTrackingStatus
		}
	}
	return snap, nil
}

func (r *ShipmentReconciler) direct(ctx context.Context, log *logrus.Entry, q TrackingQuery) *CourierTracking {
	raw, err := r.courier.Lookup(ctx, q.TrackingNumber, q.CourierCode)
	if err != nil {
		log.Warnf("direct courier lookup failed: %v", err)
		return nil
	}
	trackings, err := NormalizeTrackingsIn(raw, r.loc)
	if err != nil {
		log.Warnf("direct courier payload unusable: %v", err)
		return nil
	}
	return FindTracking(trackings, q.TrackingNumber)
}

func (r *ShipmentReconciler) bulk(ctx context.Context, log *logrus.Entry, q TrackingQuery) *CourierTracking {
	raw, err := r.courier.ListTrackings(ctx)
	if err != nil {
		log.Warnf("bulk courier listing failed: %v", err)
		return nil
	}
	trackings, err := NormalizeTrackingsIn(raw, r.loc)
	if err != nil {
		log.Warnf("bulk courier payload unusable: %v", err)
		return nil
	}
	t := FindTracking(trackings, q.TrackingNumber)
	if t == nil || !strings.EqualFold(t.TrackingNumber, q.TrackingNumber) {
		// an unnamed record in a bulk listing cannot be attributed
		return nil
	}
	return t
}

func (r *ShipmentReconciler) remoteSnapshot(ctx context.Context, log *logrus.Entry, order *model.Order, t *CourierTracking, source string) *TrackingSnapshot {
	status := trackingStatus(t)
	latest, _ := t.Latest()
	snap := &TrackingSnapshot{
		Status:         status,
		DetailedStatus: latest.Details,
		Checkpoints:    t.Checkpoints,
		Source:         source,
	}
	if order == nil {
		return snap
	}
	if err := r.apply(ctx, order, t); err != nil {
		log.Errorf("apply courier update: %v", err)
		return snap
	}
	if fresh, err := r.orders.GetOrder(ctx, order.ID); err == nil {
		snap.Status = fresh.Status
	}
	return snap
}

// apply persists the checkpoints and advances the order. Stale or lower
// statuses only refresh the detailed text.
func (r *ShipmentReconciler) apply(ctx context.Context, order *model.Order, t *CourierTracking) error {
	latest, ok := t.Latest()
	if !ok {
		return nil
	}
	trackingNumber := t.TrackingNumber
	if trackingNumber == "" {
		trackingNumber = order.TrackingNumber
	}
	courierCode := t.CourierCode
	if courierCode == "" {
		courierCode = order.CourierCode
	}

	rows := make([]*model.TrackingCheckpoint, 0, len(t.Checkpoints))
	for _, cp := range t.Checkpoints {
		rows = append(rows, &model.TrackingCheckpoint{
			ID:             model.CheckpointKey(order.ID, trackingNumber, cp.Time, cp.Details),
			OrderID:        order.ID,
			TrackingNumber: trackingNumber,
			CourierCode:    courierCode,
			Status:         cp.Status,
			Details:        cp.Details,
			Location:       cp.Location,
			CheckpointTime: cp.Time,
			RawPayload:     datatypes.JSON(cp.Raw),
		})
	}
	inserted, err := r.tracking.UpsertCheckpoints(ctx, rows)
	if err != nil {
		return err
	}

	status := trackingStatus(t)
	advanced, err := r.orders.AdvanceShipmentStatus(ctx, order.ID, status, latest.Details, latest.Time)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"status":   status,
		"inserted": inserted,
		"advanced": advanced,
	}).Info("courier update applied")

	if advanced && r.events != nil {
		if name, ok := shipmentEvents[status]; ok {
			r.events.PublishStatus(ctx, order.ID, name)
		}
	}
	return nil
}

var shipmentEvents = map[string]string{
	model.OrderStatusShipped:   EventShipped,
	model.OrderStatusDelivered: EventDelivered,
	model.OrderStatusCancelled: EventCancelled,
}

// trackingStatus prefers the provider's overall status over the newest
// checkpoint.
func trackingStatus(t *CourierTracking) string {
	if t.Status != "" {
		return MapCourierStatus(t.Status)
	}
	if cp, ok := t.Latest(); ok {
		return cp.Status
	}
	return model.OrderStatusProcessing
}

func (r *ShipmentReconciler) syntheticSnapshot(order *model.Order) *TrackingSnapshot {
	snap := &TrackingSnapshot{Source: SourceSynthetic}
	if order == nil {
		snap.Status = model.OrderStatusPending
		snap.DetailedStatus = trackingUnavailable
		snap.Checkpoints = []Checkpoint{{
			Time:    r.now().UTC(),
			Status:  model.OrderStatusPending,
			Details: trackingUnavailable,
		}}
		return snap
	}

	if order.DeliveredAt != nil {
		snap.Checkpoints = append(snap.Checkpoints, Checkpoint{
			Time: order.DeliveredAt.UTC(), Status: model.OrderStatusDelivered, Details: "Parcel delivered",
		})
	}
	if order.ShippedAt != nil {
		snap.Checkpoints = append(snap.Checkpoints, Checkpoint{
			Time: order.ShippedAt.UTC(), Status: model.OrderStatusShipped, Details: "Parcel handed to courier",
		})
	}
	snap.Checkpoints = append(snap.Checkpoints, Checkpoint{
		Time: order.CreatedAt.UTC(), Status: model.OrderStatusPending, Details: "Order placed",
	})
	snap.Status = order.Status
	snap.DetailedStatus = order.DetailedTrackingStatus
	if snap.DetailedStatus == "" {
		snap.DetailedStatus = snap.Checkpoints[0].Details
	}
	return snap
}

// VerifyCourierSignature checks the hex HMAC-SHA256 of the body keyed by the
// courier API key.
func VerifyCourierSignature(payload []byte, signature, apiKey string) bool {
	if apiKey == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignCourierPayload is the sender side of VerifyCourierSignature.
func SignCourierPayload(payload []byte, apiKey string) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleCourierPush applies a courier webhook through the same normalizer and
// apply path as polling. Unknown tracking numbers are recorded and
// acknowledged.
func (r *ShipmentReconciler) HandleCourierPush(ctx context.Context, payload []byte, signature string) (*PushResult, error) {
	if !VerifyCourierSignature(payload, signature, r.apiKey) {
		r.log.Warn("rejecting courier push with bad signature")
		return nil, ErrInvalidSignature
	}

	result := &PushResult{}
	trackings, err := NormalizeTrackingsIn(payload, r.loc)
	if err != nil {
		r.recordCourierFailure(ctx, "", payload, &IntegrityViolation{Reason: "undecodable courier payload"})
		return result, nil
	}

	var firstErr error
	for _, t := range trackings {
		if t.TrackingNumber == "" {
			r.recordCourierFailure(ctx, "", payload, &IntegrityViolation{Reason: "courier push without tracking number"})
			continue
		}
		order, err := r.orders.FindByTrackingNumber(ctx, t.TrackingNumber)
		if errors.Is(err, repository.ErrOrderNotFound) {
			result.Unknown = append(result.Unknown, t.TrackingNumber)
			r.recordCourierFailure(ctx, t.TrackingNumber, payload, &IntegrityViolation{Reason: "unknown tracking number"})
			continue
		}
		if err == nil {
			err = r.apply(ctx, order, t)
		}
		if err != nil {
			r.log.WithField("tracking_number", t.TrackingNumber).Errorf("courier push: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.Applied = append(result.Applied, order.ID)
	}
	return result, firstErr
}

func (r *ShipmentReconciler) recordCourierFailure(ctx context.Context, trackingNumber string, payload []byte, cause error) {
	r.log.WithField("tracking_number", trackingNumber).Warnf("acknowledging uncorrelatable courier push: %v", cause)
	err := r.orders.InsertFailedEvent(ctx, &model.FailedEvent{
		Source:    model.FailedEventSourceCourier,
		EventID:   trackingNumber,
		EventType: "tracking_update",
		Reason:    cause.Error(),
		Payload:   string(payload),
	})
	if err != nil {
		r.log.Errorf("record failed courier event: %v", err)
	}
}
