package service

import (
	"testing"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTrackingsShapes(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		tracking    string
		wantStatus  string
		wantDetails string
		wantCount   int
	}{
		{
			name:        "single latest checkpoint",
			raw:         `{"tracking_number":"T1","latest_event":"Delivered to recipient","latest_checkpoint_time":"2024-03-02T10:00:00Z"}`,
			tracking:    "T1",
			wantStatus:  model.OrderStatusDelivered,
			wantDetails: "Delivered to recipient",
			wantCount:   1,
		},
		{
			name: "bare checkpoint array",
			raw: `[
				{"checkpoint_time":"2024-03-01 08:00:00","details":"Picked up"},
				{"checkpoint_time":"2024-03-02 09:00:00","details":"Out for delivery"}
			]`,
			wantStatus:  model.OrderStatusShipped,
			wantDetails: "Out for delivery",
			wantCount:   2,
		},
		{
			name:        "data object with origin info",
			raw:         `{"code":200,"data":{"tracking_number":"T2","courier_code":"jnt","origin_info":{"trackinfo":[{"Date":"2024-03-01 08:00","StatusDescription":"Departed hub","Details":"Shah Alam","checkpoint_delivery_status":"transit"}]}}}`,
			tracking:    "T2",
			wantStatus:  model.OrderStatusShipped,
			wantDetails: "Departed hub",
			wantCount:   1,
		},
		{
			name:        "data wrapping a checkpoint list",
			raw:         `{"tracking_number":"T3","data":[{"time":1709280000,"message":"Shipment info received"}]}`,
			tracking:    "T3",
			wantStatus:  model.OrderStatusPending,
			wantDetails: "Shipment info received",
			wantCount:   1,
		},
		{
			name:        "data wrapping a single checkpoint",
			raw:         `{"tracking_number":"T4","data":{"checkpoint_date":"2024-03-01T08:00:00+08:00","description":"Returned to sender"}}`,
			tracking:    "T4",
			wantStatus:  model.OrderStatusCancelled,
			wantDetails: "Returned to sender",
			wantCount:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trackings, err := NormalizeTrackings([]byte(tt.raw))
			require.NoError(t, err)
			tr := FindTracking(trackings, tt.tracking)
			require.NotNil(t, tr)
			require.Len(t, tr.Checkpoints, tt.wantCount)
			latest, ok := tr.Latest()
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, latest.Status)
			assert.Equal(t, tt.wantDetails, latest.Details)
			assert.Equal(t, time.UTC, latest.Time.Location())
		})
	}
}

func TestNormalizeTrackingsCourierTimezone(t *testing.T) {
	myt := time.FixedZone("MYT", 8*60*60)
	raw := `{"tracking_number":"T1","trackinfo":[
		{"Date":"2024-03-02 09:00:00","StatusDescription":"Out for delivery"},
		{"Date":"2024-03-01T08:00:00Z","StatusDescription":"Picked up"},
		{"Date":"2024-03-01T09:00:00+08:00","StatusDescription":"Info received"}
	]}`

	trackings, err := NormalizeTrackingsIn([]byte(raw), myt)
	require.NoError(t, err)
	tr := FindTracking(trackings, "T1")
	require.NotNil(t, tr)
	require.Len(t, tr.Checkpoints, 3)

	// zone-less times are courier local, explicit offsets are kept
	assert.Equal(t, time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC), tr.Checkpoints[0].Time)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), tr.Checkpoints[1].Time)
	assert.Equal(t, time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC), tr.Checkpoints[2].Time)

	utc, err := NormalizeTrackings([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), FindTracking(utc, "T1").Checkpoints[0].Time)
}

func TestNormalizeTrackingsList(t *testing.T) {
	raw := `{"data":{"items":[
		{"tracking_number":"A1","delivery_status":"transit","checkpoints":[{"checkpoint_time":"2024-03-01T08:00:00Z","details":"Arrived at hub"}]},
		{"tracking_number":"B2","checkpoints":[
			{"checkpoint_time":"2024-03-01T08:00:00Z","details":"Picked up"},
			{"checkpoint_time":"2024-03-03T08:00:00Z","details":"Delivered"}
		]}
	]}}`
	trackings, err := NormalizeTrackings([]byte(raw))
	require.NoError(t, err)
	require.Len(t, trackings, 2)

	a := FindTracking(trackings, "a1")
	require.NotNil(t, a)
	assert.Equal(t, "transit", a.Status)

	b := FindTracking(trackings, "B2")
	require.NotNil(t, b)
	assert.Equal(t, model.OrderStatusDelivered, b.Status)
	assert.Equal(t, "Delivered", b.Checkpoints[0].Details)

	assert.Nil(t, FindTracking(trackings, "C3"))
}

func TestNormalizeTrackingsRejectsGarbage(t *testing.T) {
	_, err := NormalizeTrackings([]byte(`<html>502</html>`))
	assert.Error(t, err)

	trackings, err := NormalizeTrackings([]byte(`{"code":404,"message":"not found"}`))
	require.NoError(t, err)
	assert.Empty(t, trackings)
}

func TestMapCourierStatus(t *testing.T) {
	tests := map[string]string{
		"Delivered":                               model.OrderStatusDelivered,
		"  SIGNED by receptionist ":               model.OrderStatusDelivered,
		"Undelivered - recipient absent":          model.OrderStatusShipped,
		"Parcel not delivered - recipient absent": model.OrderStatusShipped,
		"Could not be delivered":                  model.OrderStatusShipped,
		"Delivery failed, will reattempt":         model.OrderStatusShipped,
		"Out for delivery":                        model.OrderStatusShipped,
		"InTransit":                               model.OrderStatusShipped,
		"Parcel has departed facility":            model.OrderStatusShipped,
		"Picked up by courier":                    model.OrderStatusShipped,
		"Awaiting pickup by courier":              model.OrderStatusPending,
		"Ready for pickup":                        model.OrderStatusPending,
		"Shipment cancelled by sender":            model.OrderStatusCancelled,
		"Return to sender":                        model.OrderStatusCancelled,
		"Expired":                                 model.OrderStatusProcessing,
		"InfoReceived":                            model.OrderStatusPending,
		"Label created":                           model.OrderStatusPending,
		"Customs clearance":                       model.OrderStatusProcessing,
		"":                                        model.OrderStatusProcessing,
	}
	for text, want := range tests {
		assert.Equal(t, want, MapCourierStatus(text), "text %q", text)
	}
}
