package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/repository/repotest"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu       sync.Mutex
	failures int
	attempts int
	sent     []sentMail
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failures > 0 {
		m.failures--
		return errors.New("421 try again later")
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (m *fakeMailer) result() (int, []sentMail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts, append([]sentMail(nil), m.sent...)
}

func receiptOrder(id string) *model.Order {
	return &model.Order{
		ID:          id,
		OrderNumber: "CHK-ABC-" + id,
		BuyerEmail:  "buyer@campus.example.com",
		TotalAmount: repotest.Money("47.50"),
		Items: []model.OrderItem{{
			ProductName: "Desk <lamp>",
			Quantity:    2,
			UnitPrice:   repotest.Money("23.75"),
			TotalPrice:  decimal.RequireFromString("47.50"),
		}},
	}
}

func TestRenderReceiptEscapesProductNames(t *testing.T) {
	subject, body, err := RenderReceipt(receiptOrder("o1"))
	require.NoError(t, err)
	assert.Equal(t, "Receipt for order CHK-ABC-o1", subject)
	assert.Contains(t, body, "Desk &lt;lamp&gt;")
	assert.Contains(t, body, "23.75")
	assert.Contains(t, body, "47.50")
}

func TestReceiptDispatcherRetriesThenSends(t *testing.T) {
	mailer := &fakeMailer{failures: 2}
	d := NewReceiptDispatcher(mailer, quietLogger())
	d.backoff = time.Millisecond

	d.deliver(context.Background(), receiptOrder("o1"))

	attempts, sent := mailer.result()
	assert.Equal(t, 3, attempts)
	require.Len(t, sent, 1)
	assert.Equal(t, "buyer@campus.example.com", sent[0].to)
	assert.EqualValues(t, 1, d.sentTotal)
}

func TestReceiptDispatcherGivesUpAfterThreeAttempts(t *testing.T) {
	mailer := &fakeMailer{failures: 5}
	d := NewReceiptDispatcher(mailer, quietLogger())
	d.backoff = time.Millisecond

	d.deliver(context.Background(), receiptOrder("o1"))

	attempts, sent := mailer.result()
	assert.Equal(t, 3, attempts)
	assert.Empty(t, sent)
	assert.EqualValues(t, 1, d.failedTotal)
}

func TestReceiptDispatcherDropsWhenFull(t *testing.T) {
	d := NewReceiptDispatcher(&fakeMailer{}, quietLogger())
	d.buffer = make(chan *model.Order, 1)

	d.Push(receiptOrder("o1"))
	d.Push(receiptOrder("o2"))

	assert.Len(t, d.buffer, 1)
	assert.EqualValues(t, 1, d.droppedTotal)
}

func TestReceiptDispatcherDrainsOnShutdown(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewReceiptDispatcher(mailer, quietLogger())
	for i := 0; i < 5; i++ {
		d.Push(receiptOrder(string(rune('a' + i))))
	}
	noEmail := receiptOrder("x")
	noEmail.BuyerEmail = ""
	d.Push(noEmail)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var wg sync.WaitGroup
	d.Start(ctx, &wg)
	wg.Wait()

	_, sent := mailer.result()
	assert.Len(t, sent, 5)
	assert.Empty(t, d.buffer)
}
