// Package storagetest provides a conformance suite for notifications.Storage
// implementations. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

// Factory returns an empty storage. It is called once per subtest.
type Factory func(t *testing.T) notifications.Storage

// Run executes every contract check against storages produced by newStorage.
// Subtests run sequentially so backends may share a database.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s notifications.Storage)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"UpdateGuard", testUpdateGuard},
		{"ConcurrentClaim", testConcurrentClaim},
		{"ListPendingOrder", testListPendingOrder},
		{"ListForRecipient", testListForRecipient},
		{"DeadLetterLifecycle", testDeadLetterLifecycle},
		{"RecoverQueued", testRecoverQueued},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStorage(t))
		})
	}
}

// base is truncated to milliseconds, the resolution every backend keeps.
var base = time.Now().UTC().Truncate(time.Millisecond)

func newNotification(recipient string, p notifications.Priority, created time.Time) notifications.Notification {
	id := uuid.NewString()
	return notifications.Notification{
		ID:          id,
		RecipientID: recipient,
		Channel:     notifications.ChannelInApp,
		Subject:     "subject",
		Body:        "body " + id,
		Priority:    p,
		Status:      notifications.StatusPending,
		CreatedAt:   created,
		MaxRetries:  notifications.DefaultMaxRetries,
		Metadata:    map[string]any{"source": "storagetest"},
	}
}

func mustCreate(t *testing.T, s notifications.Storage, n notifications.Notification) notifications.Notification {
	t.Helper()
	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func transition(t *testing.T, s notifications.Storage, id string, from, to notifications.Status) notifications.Notification {
	t.Helper()
	ctx := context.Background()
	n, err := s.Get(ctx, id)
	require.NoError(t, err)
	n.Status = to
	require.NoError(t, s.Update(ctx, n, from))
	return n
}

func ids(ns []notifications.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	return out
}

func testCreateAndGet(t *testing.T, s notifications.Storage) {
	ctx := context.Background()

	n := newNotification("u1", notifications.PriorityHigh, base)
	mustCreate(t, s, n)

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, n.RecipientID, got.RecipientID)
	assert.Equal(t, n.Channel, got.Channel)
	assert.Equal(t, n.Subject, got.Subject)
	assert.Equal(t, n.Body, got.Body)
	assert.Equal(t, n.Priority, got.Priority)
	assert.Equal(t, notifications.StatusPending, got.Status)
	assert.True(t, n.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", n.CreatedAt, got.CreatedAt)
	assert.Nil(t, got.DeliveredAt)
	assert.Nil(t, got.ReadAt)
	assert.Nil(t, got.LastError)
	assert.Equal(t, n.MaxRetries, got.MaxRetries)
	assert.Equal(t, "storagetest", got.Metadata["source"])

	nested := newNotification("u1", notifications.PriorityLow, base)
	nested.Metadata = map[string]any{
		"user":    map[string]any{"name": "Ann", "tags": []any{"vip", "beta"}},
		"enabled": true,
	}
	mustCreate(t, s, nested)

	got, err = s.Get(ctx, nested.ID)
	require.NoError(t, err)
	assert.Equal(t, nested.Metadata, got.Metadata, "nested metadata reads back as plain maps and slices")

	_, err = s.Create(ctx, n)
	require.Error(t, err, "duplicate id")

	_, err = s.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, notifications.ErrNotFound)
}

func testUpdateGuard(t *testing.T, s notifications.Storage) {
	ctx := context.Background()

	n := mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base))
	queued := transition(t, s, n.ID, notifications.StatusPending, notifications.StatusQueued)

	err := s.Update(ctx, queued, notifications.StatusPending)
	require.ErrorIs(t, err, notifications.ErrStateConflict)

	delivered := queued.Clone()
	delivered.Status = notifications.StatusDelivered
	at := base.Add(time.Second)
	delivered.DeliveredAt = &at
	msg := "earlier failure"
	delivered.LastError = &msg
	delivered.RetryCount = 1
	delivered.Body = "must not change"
	require.NoError(t, s.Update(ctx, delivered, notifications.StatusQueued))

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notifications.StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, at.Equal(*got.DeliveredAt))
	require.NotNil(t, got.LastError)
	assert.Equal(t, msg, *got.LastError)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, n.Body, got.Body, "content is immutable")

	err = s.Update(ctx, notifications.Notification{ID: uuid.NewString(), Status: notifications.StatusQueued}, notifications.StatusPending)
	require.ErrorIs(t, err, notifications.ErrNotFound)
}

func testConcurrentClaim(t *testing.T, s notifications.Storage) {
	ctx := context.Background()
	n := mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed := n.Clone()
			claimed.Status = notifications.StatusQueued
			if s.Update(ctx, claimed, notifications.StatusPending) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one writer wins a guarded update")
}

func testListPendingOrder(t *testing.T, s notifications.Storage) {
	ctx := context.Background()

	low := mustCreate(t, s, newNotification("u1", notifications.PriorityLow, base))
	high := mustCreate(t, s, newNotification("u1", notifications.PriorityHigh, base.Add(time.Second)))
	normal := mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base))
	tie1 := mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base.Add(2*time.Second)))
	tie2 := mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base.Add(2*time.Second)))

	gated := newNotification("u1", notifications.PriorityUrgent, base)
	later := base.Add(time.Hour)
	gated.NextAttemptAt = &later
	mustCreate(t, s, gated)

	queued := mustCreate(t, s, newNotification("u1", notifications.PriorityUrgent, base))
	transition(t, s, queued.ID, notifications.StatusPending, notifications.StatusQueued)

	got, err := s.ListPending(ctx, base.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, normal.ID, tie1.ID, tie2.ID, low.ID}, ids(got))

	got, err = s.ListPending(ctx, base.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, normal.ID}, ids(got))

	got, err = s.ListPending(ctx, base.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{gated.ID}, ids(got))
}

func testListForRecipient(t *testing.T, s notifications.Storage) {
	ctx := context.Background()

	var created []string
	for i := range 4 {
		n := newNotification("u1", notifications.PriorityNormal, base.Add(time.Duration(i)*time.Second))
		if i%2 == 0 {
			n.Channel = notifications.ChannelEmail
		}
		created = append(created, mustCreate(t, s, n).ID)
	}
	mustCreate(t, s, newNotification("u2", notifications.PriorityNormal, base))
	transition(t, s, created[3], notifications.StatusPending, notifications.StatusQueued)

	tests := []struct {
		opts notifications.ListOptions
		want []string
	}{
		{notifications.ListOptions{}, []string{created[3], created[2], created[1], created[0]}},
		{notifications.ListOptions{Channel: notifications.ChannelEmail}, []string{created[2], created[0]}},
		{notifications.ListOptions{Status: notifications.StatusQueued}, []string{created[3]}},
		{notifications.ListOptions{Limit: 2}, []string{created[3], created[2]}},
	}
	for i, tt := range tests {
		got, err := s.ListForRecipient(ctx, "u1", tt.opts)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ids(got), fmt.Sprintf("case %d", i))
	}

	got, err := s.ListForRecipient(ctx, "nobody", notifications.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDeadLetterLifecycle(t *testing.T, s notifications.Storage) {
	ctx := context.Background()

	n := mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base))

	failed := n.Clone()
	failed.Status = notifications.StatusFailed
	_, err := s.AddDeadLetter(ctx, failed, "reason", base)
	require.ErrorIs(t, err, notifications.ErrStateConflict, "only queued notifications can be dead-lettered")

	queued := transition(t, s, n.ID, notifications.StatusPending, notifications.StatusQueued)
	_, err = s.AddDeadLetter(ctx, queued, "reason", base)
	require.ErrorIs(t, err, notifications.ErrInvalidState)

	failed = queued.Clone()
	failed.Status = notifications.StatusFailed
	failed.RetryCount = failed.MaxRetries
	lastErr := "boom"
	failed.LastError = &lastErr
	reason := notifications.MaxRetriesReason(failed.MaxRetries, lastErr)

	failedAt := base.Add(time.Minute)
	entry, err := s.AddDeadLetter(ctx, failed, reason, failedAt)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, n.ID, entry.NotificationID)
	assert.Equal(t, reason, entry.Reason)
	assert.True(t, failedAt.Equal(entry.FailedAt), "failed_at %s != %s", failedAt, entry.FailedAt)

	_, err = s.AddDeadLetter(ctx, failed, reason, failedAt)
	require.Error(t, err, "a notification is dead-lettered at most once")

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notifications.StatusFailed, got.Status)
	assert.Equal(t, failed.MaxRetries, got.RetryCount)

	count, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	entries, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, reason, entries[0].Reason)
	assert.True(t, failedAt.Equal(entries[0].FailedAt), "stored failed_at %s != %s", failedAt, entries[0].FailedAt)

	err = s.RemoveDeadLetter(ctx, got)
	require.ErrorIs(t, err, notifications.ErrInvalidState)

	reset := got.Clone()
	reset.Status = notifications.StatusPending
	reset.RetryCount = 0
	require.NoError(t, s.RemoveDeadLetter(ctx, reset))

	count, err = s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	got, err = s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notifications.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	err = s.RemoveDeadLetter(ctx, reset)
	require.ErrorIs(t, err, notifications.ErrNotFound)
}

func testRecoverQueued(t *testing.T, s notifications.Storage) {
	ctx := context.Background()

	a := mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base))
	b := mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base.Add(time.Second)))
	mustCreate(t, s, newNotification("u1", notifications.PriorityNormal, base.Add(2*time.Second)))
	transition(t, s, a.ID, notifications.StatusPending, notifications.StatusQueued)
	transition(t, s, b.ID, notifications.StatusPending, notifications.StatusQueued)

	recovered, err := s.RecoverQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	pending, err := s.ListPending(ctx, base.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}
