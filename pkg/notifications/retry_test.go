package notifications

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPolicy_Decide(t *testing.T) {
	t.Parallel()

	now := time.Now()
	boom := errors.New("boom")

	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		err        error
		wantRetry  bool
		wantCount  int
		wantStatus Status
		wantReason string
	}{
		{
			name:       "first failure retries",
			retryCount: 0, maxRetries: 3, err: boom,
			wantRetry: true, wantCount: 1, wantStatus: StatusPending,
		},
		{
			name:       "last retry still allowed",
			retryCount: 2, maxRetries: 3, err: boom,
			wantRetry: true, wantCount: 3, wantStatus: StatusPending,
		},
		{
			name:       "budget exhausted",
			retryCount: 3, maxRetries: 3, err: boom,
			wantRetry: false, wantCount: 3, wantStatus: StatusFailed,
			wantReason: "Max retries (3) exceeded. Last error: boom",
		},
		{
			name:       "zero budget fails at once",
			retryCount: 0, maxRetries: 0, err: boom,
			wantRetry: false, wantCount: 0, wantStatus: StatusFailed,
			wantReason: "Max retries (0) exceeded. Last error: boom",
		},
		{
			name:       "permanent error skips budget",
			retryCount: 0, maxRetries: 3, err: fmt.Errorf("%w: mailbox does not exist", ErrPermanentDelivery),
			wantRetry: false, wantCount: 0, wantStatus: StatusFailed,
			wantReason: "Permanent delivery failure. Last error: permanent delivery failure: mailbox does not exist",
		},
		{
			name:       "nil error is recorded as unknown",
			retryCount: 3, maxRetries: 3, err: nil,
			wantRetry: false, wantCount: 3, wantStatus: StatusFailed,
			wantReason: "Max retries (3) exceeded. Last error: unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n := Notification{ID: "n1", Status: StatusQueued, RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			d := DefaultRetryPolicy{}.Decide(n, tt.err, now)

			assert.Equal(t, tt.wantRetry, d.Retry)
			assert.Equal(t, tt.wantCount, d.Next.RetryCount)
			assert.Equal(t, tt.wantStatus, d.Next.Status)
			assert.Equal(t, tt.wantReason, d.Reason)
			require.NotNil(t, d.Next.LastError)
			assert.LessOrEqual(t, d.Next.RetryCount, d.Next.MaxRetries)
			assert.Nil(t, d.Next.NextAttemptAt)
			assert.Equal(t, StatusQueued, n.Status, "input must not be modified")
		})
	}
}

func TestDefaultRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()

	now := time.Now()
	policy := DefaultRetryPolicy{Backoff: LinearBackoff{Interval: time.Minute}}

	d := policy.Decide(Notification{RetryCount: 1, MaxRetries: 3}, errors.New("x"), now)
	require.True(t, d.Retry)
	require.NotNil(t, d.Next.NextAttemptAt)
	assert.Equal(t, now.Add(2*time.Minute), *d.Next.NextAttemptAt)

	d = policy.Decide(Notification{RetryCount: 3, MaxRetries: 3}, errors.New("x"), now)
	require.False(t, d.Retry)
	assert.Nil(t, d.Next.NextAttemptAt)
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := ExponentialBackoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Duration(0), b.NextInterval(0))
	assert.Equal(t, time.Second, b.NextInterval(1))
	assert.Equal(t, 2*time.Second, b.NextInterval(2))
	assert.Equal(t, 4*time.Second, b.NextInterval(3))
	assert.Equal(t, 5*time.Second, b.NextInterval(4))

	jittered := ExponentialBackoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.5}
	for range 50 {
		d := jittered.NextInterval(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestLinearBackoff(t *testing.T) {
	t.Parallel()

	b := LinearBackoff{Interval: 10 * time.Second, Max: 25 * time.Second}
	assert.Equal(t, time.Duration(0), b.NextInterval(0))
	assert.Equal(t, 10*time.Second, b.NextInterval(1))
	assert.Equal(t, 20*time.Second, b.NextInterval(2))
	assert.Equal(t, 25*time.Second, b.NextInterval(3))
}
