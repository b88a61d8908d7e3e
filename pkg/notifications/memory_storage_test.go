package notifications

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(id string, p Priority, created time.Time) Notification {
	return Notification{
		ID:          id,
		RecipientID: "u1",
		Channel:     ChannelInApp,
		Subject:     "subject " + id,
		Body:        "body " + id,
		Priority:    p,
		Status:      StatusPending,
		CreatedAt:   created,
		MaxRetries:  DefaultMaxRetries,
	}
}

func ids(ns []Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	return out
}

func TestMemoryStorage_CreateGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	n := newPending("n1", PriorityHigh, time.Time{})
	n.Metadata = map[string]any{"k": "v"}

	created, err := s.Create(ctx, n)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	// Caller-side mutation must not leak into the store
	n.Metadata["k"] = "changed"
	created.Metadata["k"] = "changed"

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.Equal(t, StatusPending, got.Status)

	_, err = s.Create(ctx, newPending("n1", PriorityLow, time.Now()))
	require.ErrorIs(t, err, ErrStorage)

	_, err = s.Create(ctx, Notification{})
	require.ErrorIs(t, err, ErrValidation)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_ListPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()
	base := time.Now()

	for _, n := range []Notification{
		newPending("low", PriorityLow, base),
		newPending("high-late", PriorityHigh, base.Add(2*time.Second)),
		newPending("normal", PriorityNormal, base),
		newPending("high-early", PriorityHigh, base.Add(time.Second)),
		newPending("urgent", PriorityUrgent, base.Add(5*time.Second)),
		// Same priority and timestamp: insertion order decides
		newPending("tie-1", PriorityNormal, base.Add(3*time.Second)),
		newPending("tie-2", PriorityNormal, base.Add(3*time.Second)),
	} {
		_, err := s.Create(ctx, n)
		require.NoError(t, err)
	}

	gated := newPending("gated", PriorityUrgent, base)
	gated.NextAttemptAt = timePtr(base.Add(time.Hour))
	_, err := s.Create(ctx, gated)
	require.NoError(t, err)

	queued := newPending("queued", PriorityUrgent, base)
	queued.Status = StatusQueued
	_, err = s.Create(ctx, queued)
	require.NoError(t, err)

	got, err := s.ListPending(ctx, base.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "high-early", "high-late", "normal", "tie-1", "tie-2", "low"}, ids(got))

	got, err = s.ListPending(ctx, base.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "high-early"}, ids(got))

	got, err = s.ListPending(ctx, base.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"gated"}, ids(got))
}

func TestMemoryStorage_ListForRecipient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()
	base := time.Now()

	for i := range 5 {
		n := newPending(fmt.Sprintf("n%d", i), PriorityNormal, base.Add(time.Duration(i)*time.Second))
		if i%2 == 0 {
			n.Channel = ChannelEmail
		}
		_, err := s.Create(ctx, n)
		require.NoError(t, err)
	}
	other := newPending("other", PriorityNormal, base)
	other.RecipientID = "u2"
	_, err := s.Create(ctx, other)
	require.NoError(t, err)

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"newest first", ListOptions{}, []string{"n4", "n3", "n2", "n1", "n0"}},
		{"channel filter", ListOptions{Channel: ChannelEmail}, []string{"n4", "n2", "n0"}},
		{"status filter", ListOptions{Status: StatusDelivered}, []string{}},
		{"limit", ListOptions{Limit: 2}, []string{"n4", "n3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.ListForRecipient(ctx, "u1", tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestMemoryStorage_UpdateGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	_, err := s.Create(ctx, newPending("n1", PriorityNormal, time.Now()))
	require.NoError(t, err)

	n, err := s.Get(ctx, "n1")
	require.NoError(t, err)

	queued := n.Clone()
	queued.Status = StatusQueued
	queued.Subject = "ignored"
	require.NoError(t, s.Update(ctx, queued, StatusPending))

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "subject n1", got.Subject, "content is immutable")

	err = s.Update(ctx, queued, StatusPending)
	require.ErrorIs(t, err, ErrStateConflict)

	err = s.Update(ctx, Notification{ID: "missing"}, StatusPending)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_ConcurrentClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	_, err := s.Create(ctx, newPending("n1", PriorityNormal, time.Now()))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Get(ctx, "n1")
			if err != nil {
				return
			}
			n.Status = StatusQueued
			if s.Update(ctx, n, StatusPending) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStorage_DeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	_, err := s.Create(ctx, newPending("n1", PriorityNormal, time.Now()))
	require.NoError(t, err)
	n, err := s.Get(ctx, "n1")
	require.NoError(t, err)

	failed := n.Clone()
	failed.Status = StatusFailed

	_, err = s.AddDeadLetter(ctx, failed, "reason", time.Time{})
	require.ErrorIs(t, err, ErrStateConflict, "only queued notifications can be dead-lettered")

	queued := n.Clone()
	queued.Status = StatusQueued
	require.NoError(t, s.Update(ctx, queued, StatusPending))

	_, err = s.AddDeadLetter(ctx, queued, "reason", time.Time{})
	require.ErrorIs(t, err, ErrInvalidState)

	entry, err := s.AddDeadLetter(ctx, failed, "Max retries (3) exceeded. Last error: boom", time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "n1", entry.NotificationID)
	assert.False(t, entry.FailedAt.IsZero())

	_, err = s.AddDeadLetter(ctx, failed, "again", time.Time{})
	require.ErrorIs(t, err, ErrStateConflict)

	count, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	entries, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry, entries[0])

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	err = s.RemoveDeadLetter(ctx, failed)
	require.ErrorIs(t, err, ErrInvalidState)

	reset := got.Clone()
	reset.Status = StatusPending
	reset.RetryCount = 0
	require.NoError(t, s.RemoveDeadLetter(ctx, reset))

	count, err = s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	err = s.RemoveDeadLetter(ctx, reset)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_ListDeadLettersOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	failedAt := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		n, err := s.Create(ctx, newPending(id, PriorityNormal, time.Now()))
		require.NoError(t, err)
		n.Status = StatusQueued
		require.NoError(t, s.Update(ctx, n, StatusPending))
		n.Status = StatusFailed
		entry, err := s.AddDeadLetter(ctx, n, "reason "+id, failedAt.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, failedAt.Add(time.Duration(i)*time.Minute), entry.FailedAt)
	}

	entries, err := s.ListDeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].NotificationID)
	assert.Equal(t, "b", entries[1].NotificationID)
}

func TestMemoryStorage_RecoverQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, newPending(id, PriorityNormal, time.Now()))
		require.NoError(t, err)
	}
	for _, id := range []string{"a", "b"} {
		n, err := s.Get(ctx, id)
		require.NoError(t, err)
		n.Status = StatusQueued
		require.NoError(t, s.Update(ctx, n, StatusPending))
	}

	recovered, err := s.RecoverQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	pending, err := s.ListPending(ctx, time.Now(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}
