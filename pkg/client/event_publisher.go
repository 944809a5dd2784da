package client

import (
	"context"
	"encoding/json"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/sirupsen/logrus"
)

const OrderStatusTopic = "order_status_events"

type MQProducer interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

// StatusPublisher fans committed order transitions out to RocketMQ. A nil
// producer turns it into a no-op.
type StatusPublisher struct {
	producer MQProducer
	topic    string
	log      *logrus.Entry
}

func NewStatusPublisher(producer MQProducer, log *logrus.Logger) *StatusPublisher {
	return &StatusPublisher{
		producer: producer,
		topic:    OrderStatusTopic,
		log:      log.WithField("component", "StatusPublisher"),
	}
}

func (p *StatusPublisher) PublishStatus(ctx context.Context, orderID, status string) {
	if p == nil || p.producer == nil {
		return
	}
	data, _ := json.Marshal(model.OrderStatusEvent{OrderID: orderID, Status: status})

	msg := primitive.NewMessage(p.topic, data)
	msg.WithKeys([]string{orderID})

	res, err := p.producer.SendSync(ctx, msg)
	if err != nil {
		p.log.Errorf("Failed to send status event (%s) for order %s: %v", status, orderID, err)
		return
	}
	p.log.Infof("Sent status event (%s) for order %s. MsgID: %s", status, orderID, res.MsgID)
}
