package notifications

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides what happens to a notification after a failed attempt.
// Implementations must be pure: the decision depends only on the arguments.
type RetryPolicy interface {
	Decide(n Notification, deliveryErr error, now time.Time) Decision
}

// Decision is the outcome of a RetryPolicy.
type Decision struct {
	// Retry is true when Next is pending again; false when Next is failed
	// and must be dead-lettered with Reason.
	Retry  bool
	Next   Notification
	Reason string
}

// BackoffStrategy calculates the delay before the given retry attempt.
// Attempt starts at 1 for the first retry.
type BackoffStrategy interface {
	NextInterval(attempt int) time.Duration
}

// DefaultRetryPolicy retries while RetryCount < MaxRetries, so a notification
// is attempted at most MaxRetries+1 times.
//
// Errors wrapping ErrPermanentDelivery are the one exception to the
// max-retries rule: they dead-letter at once, whatever budget is left, with a
// "Permanent delivery failure" reason instead of the max-retries reason.
type DefaultRetryPolicy struct {
	// Backoff delays re-delivery. Nil means the poll interval alone spaces attempts.
	Backoff BackoffStrategy
}

// Decide implements RetryPolicy.
func (p DefaultRetryPolicy) Decide(n Notification, deliveryErr error, now time.Time) Decision {
	next := n.Clone()

	lastError := "unknown error"
	if deliveryErr != nil {
		lastError = deliveryErr.Error()
	}
	next.LastError = stringPtr(lastError)
	next.DeliveredAt = nil
	next.ReadAt = nil
	next.NextAttemptAt = nil

	if IsPermanent(deliveryErr) {
		next.Status = StatusFailed
		return Decision{
			Next:   next,
			Reason: fmt.Sprintf("Permanent delivery failure. Last error: %s", lastError),
		}
	}

	if next.RetryCount < next.MaxRetries {
		next.RetryCount++
		next.Status = StatusPending
		if p.Backoff != nil {
			if delay := p.Backoff.NextInterval(next.RetryCount); delay > 0 {
				next.NextAttemptAt = timePtr(now.Add(delay))
			}
		}
		return Decision{Retry: true, Next: next}
	}

	next.Status = StatusFailed
	return Decision{
		Next:   next,
		Reason: MaxRetriesReason(next.MaxRetries, lastError),
	}
}

// MaxRetriesReason formats the dead-letter reason for an exhausted budget.
func MaxRetriesReason(maxRetries int, lastError string) string {
	return fmt.Sprintf("Max retries (%d) exceeded. Last error: %s", maxRetries, lastError)
}

// ExponentialBackoff implements exponential backoff with jitter.
// Formula: min(Initial * Multiplier^(attempt-1) * (1 ± Jitter), Max)
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (e ExponentialBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.Initial
	if initial == 0 {
		initial = time.Second
	}
	maxInterval := e.Max
	if maxInterval == 0 {
		maxInterval = time.Minute
	}
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if e.Jitter > 0 {
		interval *= 1 + (rand.Float64()*2-1)*e.Jitter
	}
	if interval > float64(maxInterval) {
		interval = float64(maxInterval)
	}

	return time.Duration(interval)
}

// LinearBackoff grows the delay by Interval per attempt up to Max.
type LinearBackoff struct {
	Interval time.Duration
	Max      time.Duration
}

func (l LinearBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := l.Interval * time.Duration(attempt)
	if l.Max > 0 && delay > l.Max {
		delay = l.Max
	}
	return delay
}
