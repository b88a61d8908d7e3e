package notifications

import (
	"context"
	"time"
)

// DefaultListLimit is applied when ListOptions.Limit is zero.
const DefaultListLimit = 50

// Storage handles notification persistence and retrieval.
//
// Every method commits atomically: partial writes are never observable.
// Implementations serialize concurrent writes to the same notification and
// wrap driver failures with ErrStorage.
type Storage interface {
	// Create stores a new notification and returns the stored copy.
	Create(ctx context.Context, n Notification) (Notification, error)

	// Get retrieves a single notification or ErrNotFound.
	Get(ctx context.Context, id string) (Notification, error)

	// Update replaces the mutable fields of n if the stored status equals
	// expected, otherwise it returns ErrStateConflict.
	Update(ctx context.Context, n Notification, expected Status) error

	// ListForRecipient returns the recipient's notifications, newest first.
	ListForRecipient(ctx context.Context, recipientID string, opts ListOptions) ([]Notification, error)

	// ListPending returns pending notifications due at now, ordered by
	// priority descending, then creation time and insertion order ascending.
	ListPending(ctx context.Context, now time.Time, limit int) ([]Notification, error)

	// AddDeadLetter writes n, which must carry StatusFailed, and records the
	// dead-letter entry stamped with failedAt in one step. The stored status
	// must be queued. A zero failedAt means the current time.
	AddDeadLetter(ctx context.Context, n Notification, reason string, failedAt time.Time) (DeadLetterEntry, error)

	// ListDeadLetters returns dead-letter entries, most recent failure first.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error)

	// RemoveDeadLetter deletes the entry of n and writes n, which must carry
	// StatusPending, in one step. Returns ErrNotFound when n is not dead-lettered.
	RemoveDeadLetter(ctx context.Context, n Notification) error

	// CountDeadLetters returns the number of dead-letter entries.
	CountDeadLetters(ctx context.Context) (int, error)

	// RecoverQueued resets queued notifications to pending. It runs before a
	// processor starts, since no partial send survives a restart.
	RecoverQueued(ctx context.Context) (int, error)
}

// ListOptions provides filtering and pagination options for listing notifications.
type ListOptions struct {
	Channel Channel // If set, only return notifications for this channel
	Status  Status  // If set, only return notifications in this status
	Limit   int     // Maximum number of notifications to return (0 = DefaultListLimit)
}

// Matches reports whether n passes the channel and status filters.
func (o ListOptions) Matches(n Notification) bool {
	if o.Channel != "" && n.Channel != o.Channel {
		return false
	}
	if o.Status != "" && n.Status != o.Status {
		return false
	}
	return true
}

// EffectiveLimit returns the limit to apply, substituting DefaultListLimit for zero.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}
