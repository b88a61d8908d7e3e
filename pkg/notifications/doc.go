// Package notifications implements an asynchronous notification delivery
// engine with pluggable channels, bounded retries and a dead-letter queue.
//
// # Architecture
//
//   - Storage: persists notifications and dead-letter entries. Every write is
//     atomic and guarded by the expected current status.
//   - Deliverer and Registry: one Deliverer per Channel. The processor only
//     talks to the Registry, so new channels need no processor changes.
//   - RetryPolicy: pure decision between another attempt and the dead-letter queue.
//   - Processor: background loop that picks pending notifications by priority
//     and age, delivers them and persists the outcome.
//   - Service: the facade owning storage and processor.
//
// # Lifecycle
//
//	pending -> queued -> delivered -> read
//	              |-> pending (retry_count+1)
//	              |-> failed (+ dead-letter entry) -> pending (operator retry)
//
// # Usage
//
//	registry := notifications.NewRegistry().
//	    MustRegister(notifications.ChannelInApp, inApp).
//	    MustRegister(notifications.ChannelEmail, email)
//
//	svc, err := notifications.NewService(notifications.NewMemoryStorage(), registry)
//	if err != nil {
//	    return err
//	}
//
//	g.Go(svc.Run(ctx))
//
//	n, err := svc.Send(ctx, notifications.SendParams{
//	    RecipientID: "u1",
//	    Channel:     notifications.ChannelInApp,
//	    Subject:     "Hi",
//	    Body:        "test",
//	    Priority:    notifications.PriorityHigh,
//	})
//
// Send returns as soon as the notification is stored; callers observe the
// outcome through Get, List or ListDeadLetters.
//
// # Errors
//
// Facade operations return ErrValidation, ErrNotFound or ErrInvalidState.
// Channel failures never surface to callers: they are recorded in LastError
// and folded into a retry or dead-letter decision. Storage failures wrap
// ErrStorage and are retried by the processor on its next cycle.
package notifications
