package service

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Checkpoint is the provider-neutral courier event.
type Checkpoint struct {
	Time       time.Time `json:"checkpoint_time"`
	Status     string    `json:"status"`
	StatusCode string    `json:"-"`
	Details    string    `json:"details"`
	Location   string    `json:"location,omitempty"`
	Raw        string    `json:"-"`
}

// CourierTracking is one tracking number as reported by the courier.
type CourierTracking struct {
	TrackingNumber string
	CourierCode    string
	Status         string
	Checkpoints    []Checkpoint
}

// Latest returns the newest checkpoint, if any.
func (t *CourierTracking) Latest() (Checkpoint, bool) {
	if len(t.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return t.Checkpoints[0], true
}

var (
	timeKeys     = []string{"checkpoint_time", "checkpoint_date", "time", "date", "Date", "event_time", "latest_checkpoint_time"}
	detailKeys   = []string{"details", "tracking_detail", "description", "message", "StatusDescription", "status_description", "latest_event"}
	locationKeys = []string{"location", "checkpoint_location", "Details", "city"}
	codeKeys     = []string{"checkpoint_delivery_status", "checkpoint_status", "substatus", "status", "tag"}

	trackingNumberKeys = []string{"tracking_number", "trackingNumber", "tracking_no", "number"}
	courierKeys        = []string{"courier_code", "carrier_code", "courier", "slug"}
	overallKeys        = []string{"delivery_status", "status", "tag", "latest_status"}
	historyKeys        = []string{"checkpoints", "trackinfo", "events", "tracking_details", "checkpoint"}
	listKeys           = []string{"items", "trackings", "list", "results"}

	timeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"02/01/2006 15:04:05",
		"2006-01-02",
	}
)

// NormalizeTrackings collapses any supported courier response shape into
// tracking records with newest-first checkpoints. Supported shapes are a
// single latest-checkpoint object, an array of checkpoints or trackings, and
// either of those nested under "data". Timestamps without a zone are read as
// UTC.
func NormalizeTrackings(raw []byte) ([]*CourierTracking, error) {
	return NormalizeTrackingsIn(raw, time.UTC)
}

// NormalizeTrackingsIn is NormalizeTrackings with zone-less timestamps read
// in the courier's local time loc. Checkpoint times are always returned in
// UTC.
func NormalizeTrackingsIn(raw []byte, loc *time.Location) ([]*CourierTracking, error) {
	if loc == nil {
		loc = time.UTC
	}
	n := normalizer{loc: loc}
	var doc interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode courier payload")
	}
	out := n.walk(doc, nil)
	for _, t := range out {
		sort.SliceStable(t.Checkpoints, func(i, j int) bool {
			return t.Checkpoints[i].Time.After(t.Checkpoints[j].Time)
		})
		if t.Status == "" {
			if cp, ok := t.Latest(); ok {
				t.Status = cp.Status
			}
		}
	}
	return out, nil
}

// FindTracking picks the record for trackingNumber, or the only record when
// the payload does not name one.
func FindTracking(trackings []*CourierTracking, trackingNumber string) *CourierTracking {
	want := strings.ToUpper(strings.TrimSpace(trackingNumber))
	for _, t := range trackings {
		if strings.ToUpper(strings.TrimSpace(t.TrackingNumber)) == want && len(t.Checkpoints) > 0 {
			return t
		}
	}
	if len(trackings) == 1 && trackings[0].TrackingNumber == "" && len(trackings[0].Checkpoints) > 0 {
		return trackings[0]
	}
	return nil
}

type normalizer struct {
	loc *time.Location
}

func (n normalizer) walk(v interface{}, parent map[string]interface{}) []*CourierTracking {
	switch node := v.(type) {
	case []interface{}:
		if n.looksLikeCheckpointList(node) {
			t := trackingHeader(parent)
			for _, el := range node {
				if m, ok := el.(map[string]interface{}); ok {
					if cp, ok := n.toCheckpoint(m); ok {
						t.Checkpoints = append(t.Checkpoints, cp)
					}
				}
			}
			return []*CourierTracking{t}
		}
		var out []*CourierTracking
		for _, el := range node {
			out = append(out, n.walk(el, nil)...)
		}
		return out

	case map[string]interface{}:
		if data, ok := node["data"]; ok {
			switch data.(type) {
			case map[string]interface{}, []interface{}:
				return n.walk(data, node)
			}
		}
		for _, k := range listKeys {
			if list, ok := node[k].([]interface{}); ok {
				return n.walk(list, nil)
			}
		}
		if isTrackingContainer(node) {
			return []*CourierTracking{n.toTracking(node)}
		}
		if cp, ok := n.toCheckpoint(node); ok {
			t := trackingHeader(node)
			if t.TrackingNumber == "" {
				t = trackingHeader(parent)
			}
			t.Checkpoints = []Checkpoint{cp}
			return []*CourierTracking{t}
		}
	}
	return nil
}

func isTrackingContainer(m map[string]interface{}) bool {
	if _, ok := m["origin_info"]; ok {
		return true
	}
	if _, ok := m["destination_info"]; ok {
		return true
	}
	for _, k := range historyKeys {
		if _, ok := m[k].([]interface{}); ok {
			return true
		}
	}
	return false
}

func (n normalizer) toTracking(m map[string]interface{}) *CourierTracking {
	t := trackingHeader(m)
	var histories [][]interface{}
	for _, side := range []string{"origin_info", "destination_info"} {
		if info, ok := m[side].(map[string]interface{}); ok {
			for _, k := range historyKeys {
				if list, ok := info[k].([]interface{}); ok {
					histories = append(histories, list)
				}
			}
		}
	}
	for _, k := range historyKeys {
		if list, ok := m[k].([]interface{}); ok {
			histories = append(histories, list)
		}
	}
	for _, list := range histories {
		for _, el := range list {
			if cm, ok := el.(map[string]interface{}); ok {
				if cp, ok := n.toCheckpoint(cm); ok {
					t.Checkpoints = append(t.Checkpoints, cp)
				}
			}
		}
	}
	// some providers only fill the latest_* summary fields
	if len(t.Checkpoints) == 0 {
		if cp, ok := n.toCheckpoint(m); ok {
			t.Checkpoints = append(t.Checkpoints, cp)
		}
	}
	return t
}

func trackingHeader(m map[string]interface{}) *CourierTracking {
	t := &CourierTracking{}
	if m == nil {
		return t
	}
	t.TrackingNumber = firstString(m, trackingNumberKeys)
	t.CourierCode = firstString(m, courierKeys)
	t.Status = firstString(m, overallKeys)
	return t
}

func (n normalizer) looksLikeCheckpointList(list []interface{}) bool {
	for _, el := range list {
		m, ok := el.(map[string]interface{})
		if !ok {
			return false
		}
		if isTrackingContainer(m) {
			return false
		}
		if _, ok := n.toCheckpoint(m); ok {
			return true
		}
	}
	return false
}

func (n normalizer) toCheckpoint(m map[string]interface{}) (Checkpoint, bool) {
	at, ok := n.firstTime(m, timeKeys)
	if !ok {
		return Checkpoint{}, false
	}
	details := firstString(m, detailKeys)
	code := firstString(m, codeKeys)
	if details == "" && code == "" {
		return Checkpoint{}, false
	}
	if details == "" {
		details = code
	}
	status := MapCourierStatus(details)
	if code != "" {
		status = MapCourierStatus(code)
	}
	raw, _ := json.Marshal(m)
	return Checkpoint{
		Time:       at.UTC(),
		Status:     status,
		StatusCode: code,
		Details:    details,
		Location:   firstString(m, locationKeys),
		Raw:        string(raw),
	}, true
}

func firstString(m map[string]interface{}, keys []string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (n normalizer) firstTime(m map[string]interface{}, keys []string) (time.Time, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t, ok := n.parseCourierTime(v); ok {
				return t, true
			}
		case json.Number:
			if n, err := v.Int64(); err == nil && n > 0 {
				if n > 1e12 {
					return time.UnixMilli(n), true
				}
				return time.Unix(n, 0), true
			}
		}
	}
	return time.Time{}, false
}

func (n normalizer) parseCourierTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		// an explicit offset in s wins over loc
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}
