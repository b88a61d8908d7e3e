package channels

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

// SimulatedDeliverer stands in for a real provider. Each attempt fails with
// probability FailureRate and otherwise succeeds after Latency.
type SimulatedDeliverer struct {
	failureRate float64
	latency     time.Duration

	mu   sync.Mutex
	rand func() float64
}

// SimulatedOption configures a SimulatedDeliverer.
type SimulatedOption func(*SimulatedDeliverer)

// WithLatency sets how long each attempt takes.
func WithLatency(d time.Duration) SimulatedOption {
	return func(s *SimulatedDeliverer) {
		if d >= 0 {
			s.latency = d
		}
	}
}

// WithRandom sets the source of values in [0, 1) compared to the failure rate.
func WithRandom(fn func() float64) SimulatedOption {
	return func(s *SimulatedDeliverer) {
		if fn != nil {
			s.rand = fn
		}
	}
}

// NewSimulatedDeliverer creates a deliverer failing with the given rate,
// clamped to [0, 1].
func NewSimulatedDeliverer(failureRate float64, opts ...SimulatedOption) *SimulatedDeliverer {
	s := &SimulatedDeliverer{
		failureRate: min(max(failureRate, 0), 1),
		rand:        rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SimulatedDeliverer) Deliver(ctx context.Context, n notifications.Notification) error {
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	roll := s.rand()
	s.mu.Unlock()

	if roll < s.failureRate {
		return fmt.Errorf("%w: %s to %s", ErrSimulatedFailure, n.Channel, n.RecipientID)
	}
	return nil
}
