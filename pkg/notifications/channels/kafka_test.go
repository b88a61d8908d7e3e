package channels_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/notifications/channels"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaDeliverer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	w := &fakeWriter{}
	d := channels.NewKafkaDelivererWithWriter(w, "user-events")

	n := notifications.Notification{
		ID:          "n1",
		RecipientID: "u1",
		Channel:     channels.ChannelEvent,
		Body:        "order shipped",
		Priority:    notifications.PriorityUrgent,
	}
	require.NoError(t, d.Deliver(ctx, n))

	n.ID = "n2"
	n.Metadata = map[string]any{"topic": "billing"}
	require.NoError(t, d.Deliver(ctx, n))

	require.Len(t, w.messages, 2)
	assert.Equal(t, "user-events", w.messages[0].Topic)
	assert.Equal(t, "billing", w.messages[1].Topic)
	assert.Equal(t, []byte("u1"), w.messages[0].Key)
	assert.False(t, w.messages[0].Time.IsZero())

	var msg channels.Message
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &msg))
	assert.Equal(t, "n1", msg.ID)
	assert.Equal(t, notifications.PriorityUrgent, msg.Priority)

	require.NoError(t, d.Close())
	assert.True(t, w.closed)
}

func TestKafkaDeliverer_WriteError(t *testing.T) {
	t.Parallel()

	cause := errors.New("leader not available")
	d := channels.NewKafkaDelivererWithWriter(&fakeWriter{err: cause}, "")

	err := d.Deliver(context.Background(), notifications.Notification{ID: "n1", RecipientID: "u1"})
	require.ErrorIs(t, err, cause)
	assert.False(t, notifications.IsPermanent(err))
	assert.Contains(t, err.Error(), "notifications", "default topic")
}

func TestNewKafkaDeliverer(t *testing.T) {
	t.Parallel()

	_, err := channels.NewKafkaDeliverer(channels.KafkaConfig{})
	require.ErrorIs(t, err, channels.ErrInvalidConfig)

	d, err := channels.NewKafkaDeliverer(channels.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	require.NoError(t, d.Close())
}
