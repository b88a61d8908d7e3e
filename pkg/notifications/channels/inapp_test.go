package channels_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/notifications/channels"
)

func TestInAppDeliverer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := channels.NewInAppDeliverer(channels.WithBufferSize(1), channels.WithInAppLogger(logger.Discard()))

	first, unsubFirst := d.Subscribe("u1")
	second, unsubSecond := d.Subscribe("u1")
	other, unsubOther := d.Subscribe("u2")
	defer unsubOther()
	assert.Equal(t, 2, d.Subscribers("u1"))

	n := notifications.Notification{ID: "n1", RecipientID: "u1", Channel: notifications.ChannelInApp, Body: "hello"}
	require.NoError(t, d.Deliver(ctx, n))

	for _, ch := range []<-chan channels.Message{first, second} {
		select {
		case msg := <-ch:
			assert.Equal(t, "n1", msg.ID)
			assert.Equal(t, "hello", msg.Body)
		default:
			t.Fatal("subscriber did not receive the message")
		}
	}
	assert.Empty(t, other, "other recipients see nothing")

	require.NoError(t, d.Deliver(ctx, n))
	n.ID = "n2"
	require.NoError(t, d.Deliver(ctx, n), "a full buffer drops instead of failing")
	assert.Equal(t, "n1", (<-first).ID)

	unsubFirst()
	unsubFirst()
	_, open := <-first
	assert.False(t, open, "stream is closed after unsubscribe")
	assert.Equal(t, 1, d.Subscribers("u1"))

	unsubSecond()
	assert.Zero(t, d.Subscribers("u1"))
	require.NoError(t, d.Deliver(ctx, n), "no subscribers is not an error")
}

func TestRedisInAppDeliverer(t *testing.T) {
	url := os.Getenv("NOTIFY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("NOTIFY_TEST_REDIS_URL is not set")
	}

	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := channels.NewRedisInAppDeliverer(client, "notifykit_test_"+uuid.NewString())
	sub := d.Subscribe(ctx, "u1")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err, "subscription confirmed")

	require.NoError(t, d.Deliver(ctx, notifications.Notification{ID: "n1", RecipientID: "u1", Body: "hello"}))

	raw, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.Topic("u1"), raw.Channel)

	var msg channels.Message
	require.NoError(t, json.Unmarshal([]byte(raw.Payload), &msg))
	assert.Equal(t, "n1", msg.ID)
	assert.Equal(t, "hello", msg.Body)
}
