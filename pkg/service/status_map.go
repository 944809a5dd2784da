package service

import (
	"strings"

	"github.com/campusmarket/orderservice/pkg/model"
)

type statusRule struct {
	needles []string
	status  string
}

// First match wins, so the negative phrases sit above the words they contain.
// Expiry maps to the unknown default.
var courierStatusTable = []statusRule{
	{[]string{"not delivered", "could not be delivered", "cannot be delivered", "unable to deliver", "undelivered", "delivery failed", "failed attempt", "attemptfail", "not signed", "exception"}, model.OrderStatusShipped},
	{[]string{"delivered", "signed"}, model.OrderStatusDelivered},
	{[]string{"awaiting pickup", "waiting for pickup", "ready for pickup", "pending pickup", "awaiting collection"}, model.OrderStatusPending},
	{[]string{"out for delivery", "outfordelivery", "in transit", "transit", "shipped", "dispatched", "departed", "arrived", "picked up", "pickup"}, model.OrderStatusShipped},
	{[]string{"cancel", "returned to sender", "return to sender"}, model.OrderStatusCancelled},
	{[]string{"info received", "inforeceived", "pending", "not found", "notfound", "label created"}, model.OrderStatusPending},
}

// MapCourierStatus maps free courier text or a provider status code onto an
// order status. Unknown text maps to processing.
func MapCourierStatus(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return model.OrderStatusProcessing
	}
	for _, rule := range courierStatusTable {
		for _, n := range rule.needles {
			if strings.Contains(t, n) {
				return rule.status
			}
		}
	}
	return model.OrderStatusProcessing
}
