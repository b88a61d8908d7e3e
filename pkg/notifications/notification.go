package notifications

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Channel identifies a delivery medium. The set is open: any name accepted by
// Valid can be registered with a Registry.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
	ChannelInApp Channel = "in_app"
)

var channelNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Valid reports whether the channel name is a lowercase identifier.
func (c Channel) Valid() bool {
	return channelNameRegex.MatchString(string(c))
}

func (c Channel) String() string {
	return string(c)
}

// Priority represents the notification priority level.
// Higher values are scheduled first. The zero value means unspecified.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{"low", "normal", "high", "urgent"}

// Valid checks if the priority is one of the known levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p-1]
}

// MarshalText encodes the priority as its lowercase name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %d", ErrValidation, int(p))
	}
	return []byte(priorityNames[p-1]), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a priority name (case-insensitive) into a Priority.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i + 1), nil
		}
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
}

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRead      Status = "read"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusDelivered, StatusFailed, StatusRead:
		return true
	}
	return false
}

const (
	// DefaultMaxRetries is the retry budget used when none is given at enqueue time.
	DefaultMaxRetries = 3

	// MaxRetriesLimit caps the retry budget accepted at enqueue time.
	MaxRetriesLimit = 10
)

// Notification is a message addressed to a recipient through one channel.
// Only the processor and the mark-read operation mutate it after creation.
type Notification struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_id"`
	Channel     Channel        `json:"channel"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	LastError   *string        `json:"last_error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// NextAttemptAt gates re-delivery when the retry policy applies a backoff.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with n.
func (n Notification) Clone() Notification {
	c := n
	c.DeliveredAt = cloneTime(n.DeliveredAt)
	c.ReadAt = cloneTime(n.ReadAt)
	c.NextAttemptAt = cloneTime(n.NextAttemptAt)
	if n.LastError != nil {
		e := *n.LastError
		c.LastError = &e
	}
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// IsDue reports whether a pending notification may be attempted at now.
func (n Notification) IsDue(now time.Time) bool {
	return n.Status == StatusPending && (n.NextAttemptAt == nil || !n.NextAttemptAt.After(now))
}

// MetadataString returns metadata[key] when it holds a non-empty string.
func (n Notification) MetadataString(key string) (string, bool) {
	v, ok := n.Metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// DeadLetterEntry records a notification that exhausted its retry budget.
// There is at most one entry per notification.
type DeadLetterEntry struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notification_id"`
	Reason         string    `json:"reason"`
	FailedAt       time.Time `json:"failed_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}
