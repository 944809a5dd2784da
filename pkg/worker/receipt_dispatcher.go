package worker

import (
	"bytes"
	"context"
	"html/template"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

var receiptTemplate = template.Must(template.New("receipt").Parse(`<html><body>
<h2>Thanks for your order</h2>
<p>Order <strong>{{.OrderNumber}}</strong> has been paid and is now being prepared by the seller.</p>
<table>
<tr><th>Item</th><th>Qty</th><th>Unit price</th><th>Total</th></tr>
{{range .Items}}<tr><td>{{.ProductName}}{{if .Variation}} ({{.Variation}}){{end}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice.StringFixed 2}}</td><td>{{.TotalPrice.StringFixed 2}}</td></tr>
{{end}}</table>
<p>Order total: <strong>{{.TotalAmount.StringFixed 2}}</strong></p>
</body></html>`))

// RenderReceipt builds the subject and HTML body of a paid order's receipt.
func RenderReceipt(o *model.Order) (string, string, error) {
	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, o); err != nil {
		return "", "", errors.Wrap(err, "render receipt")
	}
	return "Receipt for order " + o.OrderNumber, buf.String(), nil
}

// ReceiptDispatcher mails receipts off the settlement path. Push never
// blocks; a full queue drops the receipt with a warning.
type ReceiptDispatcher struct {
	mailer  Mailer
	buffer  chan *model.Order
	senders int
	retries int
	backoff time.Duration
	timeout time.Duration
	log     *logrus.Entry

	sentTotal    uint64
	failedTotal  uint64
	droppedTotal uint64
}

func NewReceiptDispatcher(mailer Mailer, log *logrus.Logger) *ReceiptDispatcher {
	d := &ReceiptDispatcher{
		mailer:  mailer,
		buffer:  make(chan *model.Order, 1000),
		senders: 4,
		retries: 3,
		backoff: 100 * time.Millisecond,
		timeout: 15 * time.Second,
		log:     log.WithField("worker", "ReceiptDispatcher"),
	}
	d.registerMetrics()
	return d
}

func (d *ReceiptDispatcher) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("orderservice.receipt_dispatcher")
	_, err := meter.Int64ObservableGauge("app_receipt_mail_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&d.sentTotal)), metric.WithAttributes(attribute.String("result", "sent")))
			obs.Observe(int64(atomic.LoadUint64(&d.failedTotal)), metric.WithAttributes(attribute.String("result", "failed")))
			obs.Observe(int64(atomic.LoadUint64(&d.droppedTotal)), metric.WithAttributes(attribute.String("result", "dropped")))
			return nil
		}),
	)
	if err != nil {
		d.log.Warnf("failed to register metrics: %v", err)
	}
}

func (d *ReceiptDispatcher) Push(o *model.Order) {
	select {
	case d.buffer <- o:
	default:
		atomic.AddUint64(&d.droppedTotal, 1)
		d.log.WithField("order_id", o.ID).Warn("Receipt buffer full, dropping receipt")
	}
}

func (d *ReceiptDispatcher) Start(ctx context.Context, wg *sync.WaitGroup) {
	d.log.Infof("ReceiptDispatcher started with %d senders", d.senders)
	for i := 0; i < d.senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.run(ctx)
		}()
	}
}

func (d *ReceiptDispatcher) run(ctx context.Context) {
	for {
		select {
		case o := <-d.buffer:
			d.deliver(ctx, o)
		case <-ctx.Done():
			// drain what is queued; the parent context is gone
			for {
				select {
				case o := <-d.buffer:
					d.deliver(context.Background(), o)
				default:
					return
				}
			}
		}
	}
}

func (d *ReceiptDispatcher) deliver(ctx context.Context, o *model.Order) {
	log := d.log.WithField("order_id", o.ID)
	if o.BuyerEmail == "" {
		log.Warn("Order has no buyer email, skipping receipt")
		return
	}
	subject, body, err := RenderReceipt(o)
	if err != nil {
		log.Errorf("Failed to render receipt: %v", err)
		atomic.AddUint64(&d.failedTotal, 1)
		return
	}

	for i := 0; i < d.retries; i++ {
		if i > 0 {
			time.Sleep(d.backoff * time.Duration(1<<i))
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err = d.mailer.Send(sendCtx, o.BuyerEmail, subject, body)
		cancel()
		if err == nil {
			atomic.AddUint64(&d.sentTotal, 1)
			log.Debug("Receipt sent")
			return
		}
		log.Warnf("Receipt send failed (attempt %d/%d): %v", i+1, d.retries, err)
	}
	atomic.AddUint64(&d.failedTotal, 1)
	log.Errorf("Giving up on receipt after %d attempts: %v", d.retries, err)
}
