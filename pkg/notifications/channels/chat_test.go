package channels_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/notifications/channels"
)

func chatNotification() notifications.Notification {
	return notifications.Notification{
		ID:          "n1",
		RecipientID: "user-1",
		Channel:     notifications.ChannelChat,
		Subject:     "Deploy",
		Body:        "v1.2.3 is live",
		Priority:    notifications.PriorityHigh,
	}
}

func TestChatDeliverer_Deliver(t *testing.T) {
	t.Parallel()

	var got channels.ChatPayload
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))

		ts, err := strconv.ParseInt(r.Header.Get(channels.HeaderTimestamp), 10, 64)
		require.NoError(t, err)
		assert.Equal(t, channels.Sign("secret", ts, body), r.Header.Get(channels.HeaderSignature))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d, err := channels.NewChatDeliverer(channels.ChatConfig{WebhookURL: server.URL, SigningSecret: "secret"})
	require.NoError(t, err)

	require.NoError(t, d.Deliver(context.Background(), chatNotification()))

	assert.Equal(t, "*Deploy*\nv1.2.3 is live", got.Text)
	assert.Equal(t, "n1", got.Notification.ID)
	assert.Equal(t, notifications.PriorityHigh, got.Notification.Priority)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.NotEmpty(t, headers.Get(channels.HeaderMessageID))
}

func TestChatDeliverer_MetadataURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Empty(t, r.Header.Get(channels.HeaderSignature), "unsigned without a secret")
	}))
	defer server.Close()

	d, err := channels.NewChatDeliverer(channels.ChatConfig{})
	require.NoError(t, err)

	n := chatNotification()
	n.Metadata = map[string]any{"webhook_url": server.URL}
	require.NoError(t, d.Deliver(context.Background(), n))
	assert.Equal(t, int32(1), hits.Load())

	err = d.Deliver(context.Background(), chatNotification())
	require.ErrorIs(t, err, channels.ErrMissingWebhookURL)
	assert.True(t, notifications.IsPermanent(err))

	n.Metadata = map[string]any{"webhook_url": "ftp://example.com/hook"}
	err = d.Deliver(context.Background(), n)
	require.Error(t, err)
	assert.True(t, notifications.IsPermanent(err))
}

func TestChatDeliverer_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusGone, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			d, err := channels.NewChatDeliverer(channels.ChatConfig{WebhookURL: server.URL})
			require.NoError(t, err)

			err = d.Deliver(context.Background(), chatNotification())
			require.ErrorIs(t, err, channels.ErrUnexpectedStatus)
			assert.Equal(t, tt.permanent, notifications.IsPermanent(err))
			assert.Contains(t, err.Error(), strconv.Itoa(tt.status))
		})
	}
}

func TestChatDeliverer_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	d, err := channels.NewChatDeliverer(channels.ChatConfig{WebhookURL: url})
	require.NoError(t, err)

	err = d.Deliver(context.Background(), chatNotification())
	require.Error(t, err)
	assert.False(t, notifications.IsPermanent(err))
}

func TestNewChatDeliverer_InvalidURL(t *testing.T) {
	t.Parallel()
	_, err := channels.NewChatDeliverer(channels.ChatConfig{WebhookURL: "not a url"})
	require.ErrorIs(t, err, channels.ErrInvalidConfig)
}
