package client

import (
	"context"
	"fmt"
	"time"

	"github.com/campusmarket/orderservice/pkg/service"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const courierKeyHeader = "Tracking-Api-Key"

// CourierClient talks to the parcel tracking aggregator. It returns raw
// bodies; NormalizeTrackings owns the shape handling.
type CourierClient struct {
	http *resty.Client
	cb   *gobreaker.CircuitBreaker
	log  *logrus.Entry
}

func NewCourierClient(baseURL, apiKey string, timeout time.Duration, log *logrus.Logger) *CourierClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader(courierKeyHeader, apiKey)
	return &CourierClient{
		http: c,
		cb:   newBreaker("CourierAPI", log),
		log:  log.WithField("component", "CourierClient"),
	}
}

func (c *CourierClient) Lookup(ctx context.Context, trackingNumber, courierCode string) ([]byte, error) {
	query := map[string]string{"tracking_numbers": trackingNumber}
	if courierCode != "" {
		query["courier_code"] = courierCode
	}
	return c.get(ctx, "/trackings/get", query)
}

func (c *CourierClient) ListTrackings(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "/trackings/list", nil)
}

func (c *CourierClient) get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		req := c.http.R().SetContext(ctx)
		if len(query) > 0 {
			req.SetQueryParams(query)
		}
		resp, err := req.Get(path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode())
		}
		return resp.Body(), nil
	})
	if err != nil {
		c.log.Warnf("courier call %s failed: %v", path, err)
		return nil, &service.UpstreamError{Service: service.ServiceCourier, Err: err}
	}
	return res.([]byte), nil
}
