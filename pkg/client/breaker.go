package client

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// newBreaker trips once at least half of five or more calls in a window fail.
func newBreaker(name string, log *logrus.Logger) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}
	return gobreaker.NewCircuitBreaker(st)
}
