package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

// InAppDeliverer fans notifications out to in-process subscribers of the
// recipient. A subscriber whose buffer is full misses the message; the
// notification itself stays readable through the service.
type InAppDeliverer struct {
	mu         sync.RWMutex
	subs       map[string]map[uint64]chan Message
	nextID     uint64
	bufferSize int
	logger     *slog.Logger
}

// InAppOption configures an InAppDeliverer.
type InAppOption func(*InAppDeliverer)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) InAppOption {
	return func(d *InAppDeliverer) {
		if n > 0 {
			d.bufferSize = n
		}
	}
}

// WithInAppLogger sets the logger used to report dropped messages.
func WithInAppLogger(log *slog.Logger) InAppOption {
	return func(d *InAppDeliverer) {
		if log != nil {
			d.logger = log
		}
	}
}

// NewInAppDeliverer creates an in-process fan-out deliverer.
func NewInAppDeliverer(opts ...InAppOption) *InAppDeliverer {
	d := &InAppDeliverer{
		subs:       make(map[string]map[uint64]chan Message),
		bufferSize: 16,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe returns a stream of messages for recipientID and a function that
// ends the subscription and closes the stream.
func (d *InAppDeliverer) Subscribe(recipientID string) (<-chan Message, func()) {
	ch := make(chan Message, d.bufferSize)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	if d.subs[recipientID] == nil {
		d.subs[recipientID] = make(map[uint64]chan Message)
	}
	d.subs[recipientID][id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.subs[recipientID], id)
			if len(d.subs[recipientID]) == 0 {
				delete(d.subs, recipientID)
			}
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions for recipientID.
func (d *InAppDeliverer) Subscribers(recipientID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[recipientID])
}

func (d *InAppDeliverer) Deliver(ctx context.Context, n notifications.Notification) error {
	msg := NewMessage(n)

	d.mu.RLock()
	defer d.mu.RUnlock()

	dropped := 0
	for _, ch := range d.subs[n.RecipientID] {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		d.logger.LogAttrs(ctx, slog.LevelWarn, "In-app subscriber buffer full, message dropped",
			logger.NotificationID(n.ID),
			logger.RecipientID(n.RecipientID),
			logger.Count(dropped),
		)
	}
	return nil
}

// RedisInAppDeliverer publishes notifications to the Redis pub/sub channel
// "<prefix>:<recipient_id>" so any process serving the recipient can push them.
type RedisInAppDeliverer struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisInAppDeliverer creates a Redis pub/sub deliverer. An empty prefix
// falls back to "notifications".
func NewRedisInAppDeliverer(client redis.UniversalClient, prefix string) *RedisInAppDeliverer {
	if prefix == "" {
		prefix = "notifications"
	}
	return &RedisInAppDeliverer{client: client, prefix: prefix}
}

// Topic returns the pub/sub channel for recipientID.
func (d *RedisInAppDeliverer) Topic(recipientID string) string {
	return d.prefix + ":" + recipientID
}

// Subscribe opens a pub/sub subscription for recipientID. The caller closes it.
func (d *RedisInAppDeliverer) Subscribe(ctx context.Context, recipientID string) *redis.PubSub {
	return d.client.Subscribe(ctx, d.Topic(recipientID))
}

func (d *RedisInAppDeliverer) Deliver(ctx context.Context, n notifications.Notification) error {
	payload, err := json.Marshal(NewMessage(n))
	if err != nil {
		return fmt.Errorf("encode in-app message: %w", err)
	}
	if err := d.client.Publish(ctx, d.Topic(n.RecipientID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
