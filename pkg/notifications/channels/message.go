package channels

import (
	"time"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

// Message is the JSON document pushed to chat webhooks, in-app subscribers
// and Kafka. Delivery bookkeeping such as retry counters is left out.
type Message struct {
	ID          string                 `json:"id"`
	RecipientID string                 `json:"recipient_id"`
	Channel     notifications.Channel  `json:"channel"`
	Subject     string                 `json:"subject,omitempty"`
	Body        string                 `json:"body"`
	Priority    notifications.Priority `json:"priority"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// NewMessage builds the wire form of n.
func NewMessage(n notifications.Notification) Message {
	return Message{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Channel:     n.Channel,
		Subject:     n.Subject,
		Body:        n.Body,
		Priority:    n.Priority,
		Metadata:    n.Clone().Metadata,
		CreatedAt:   n.CreatedAt,
	}
}
