package notifications

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Deliverer sends a notification through one channel.
// A nil error means the channel accepted the notification.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, n Notification) error

func (f DelivererFunc) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// NoOpDeliverer accepts every notification and does nothing.
// Useful for testing or for channels that are stored-only.
type NoOpDeliverer struct{}

// Deliver does nothing and returns nil.
func (NoOpDeliverer) Deliver(ctx context.Context, n Notification) error {
	return nil
}

// Registry maps channels to their deliverers. New channels are added by
// registration; the processor never needs to know about them.
type Registry struct {
	mu         sync.RWMutex
	deliverers map[Channel]Deliverer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{deliverers: make(map[Channel]Deliverer)}
}

// Register binds d to channel.
func (r *Registry) Register(channel Channel, d Deliverer) error {
	if !channel.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if d == nil {
		return ErrDelivererNil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.deliverers[channel]; exists {
		return fmt.Errorf("%w: %s", ErrChannelAlreadyRegistered, channel)
	}
	r.deliverers[channel] = d
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(channel Channel, d Deliverer) *Registry {
	if err := r.Register(channel, d); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the deliverer bound to channel.
func (r *Registry) Lookup(channel Channel) (Deliverer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deliverers[channel]
	return d, ok
}

// Channels returns the registered channels in lexical order.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]Channel, 0, len(r.deliverers))
	for c := range r.deliverers {
		channels = append(channels, c)
	}
	slices.Sort(channels)
	return channels
}

// Deliver routes n to its channel's deliverer. Every failure, including a
// panicking deliverer, comes back as an error wrapping ErrDelivery.
func (r *Registry) Deliver(ctx context.Context, n Notification) (err error) {
	d, ok := r.Lookup(n.Channel)
	if !ok {
		return errors.Join(ErrDelivery, ErrPermanentDelivery, fmt.Errorf("%w: %s", ErrChannelNotRegistered, n.Channel))
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in %s deliverer: %v", ErrDelivery, n.Channel, rec)
		}
	}()

	if err := d.Deliver(ctx, n); err != nil {
		if errors.Is(err, ErrDelivery) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}
