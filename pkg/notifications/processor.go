package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/locker"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Picked       int // pending notifications returned by storage
	Delivered    int
	Retried      int
	DeadLettered int
	Skipped      int // locked elsewhere, no longer pending, or abandoned on shutdown
	Replayed     int // parked transitions persisted at the start of the cycle
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeDelivered
	outcomeRetried
	outcomeDeadLettered
)

func (s *CycleStats) record(o outcome) {
	switch o {
	case outcomeDelivered:
		s.Delivered++
	case outcomeRetried:
		s.Retried++
	case outcomeDeadLettered:
		s.DeadLettered++
	default:
		s.Skipped++
	}
}

// Processor is the background delivery loop. Each cycle it fetches pending
// notifications in scheduling order, moves them to queued, hands them to the
// registry and persists the outcome.
type Processor struct {
	storage  Storage
	registry *Registry
	policy   RetryPolicy
	locker   locker.Locker
	logger   *slog.Logger
	now      func() time.Time

	pollInterval   time.Duration
	errorInterval  time.Duration
	errorThreshold int
	attemptTimeout time.Duration
	flushTimeout   time.Duration
	flushAttempts  int
	batchSize      int
	recoverOnStart bool

	sem  chan struct{}
	wake chan struct{}

	parkedMu sync.Mutex
	parked   map[string]parkedWrite

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor creates a delivery processor.
func NewProcessor(storage Storage, registry *Registry, opts ...ProcessorOption) (*Processor, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	if registry == nil {
		return nil, ErrRegistryNil
	}

	options := defaultProcessorOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.locker == nil {
		options.locker = locker.NewMemoryLocker()
	}

	return &Processor{
		storage:        storage,
		registry:       registry,
		policy:         options.policy,
		locker:         options.locker,
		logger:         options.logger.With(logger.Component("notification_processor")),
		now:            options.now,
		pollInterval:   options.pollInterval,
		errorInterval:  options.errorInterval,
		errorThreshold: options.errorThreshold,
		attemptTimeout: options.attemptTimeout,
		flushTimeout:   options.flushTimeout,
		flushAttempts:  options.flushAttempts,
		batchSize:      options.batchSize,
		recoverOnStart: options.recoverOnStart,
		sem:            make(chan struct{}, options.maxConcurrent),
		wake:           make(chan struct{}, 1),
		parked:         make(map[string]parkedWrite),
	}, nil
}

// Start recovers notifications left queued by a previous run and begins
// polling in the background.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrProcessorRunning
	}

	if p.recoverOnStart {
		recovered, err := p.storage.RecoverQueued(ctx)
		if err != nil {
			return fmt.Errorf("recover queued notifications: %w", err)
		}
		if recovered > 0 {
			p.logger.LogAttrs(ctx, slog.LevelWarn, "Recovered queued notifications from previous run",
				logger.Count(recovered),
			)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(runCtx, p.done)

	p.logger.LogAttrs(ctx, slog.LevelInfo, "Notification processor started",
		slog.Duration("poll_interval", p.pollInterval),
		slog.Int("max_concurrent", cap(p.sem)),
	)

	return nil
}

// Stop cancels the loop and waits until in-flight transitions are persisted.
func (p *Processor) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return ErrProcessorNotRunning
	}

	cancel()
	<-done

	if _, err := p.replayParked(context.Background()); err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "Final flush of parked transitions failed",
			logger.Error(err),
		)
		p.dropParked(context.Background())
	}

	p.logger.Info("Notification processor stopped")
	return nil
}

// Run starts the processor and returns a function suitable for errgroup.
func (p *Processor) Run(ctx context.Context) func() error {
	return func() error {
		if err := p.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return p.Stop()
	}
}

// Wake asks the loop to start its next cycle now. It never blocks.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.wake:
		}

		interval := p.pollInterval

		stats, err := p.RunCycle(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			if failures >= p.errorThreshold {
				interval = p.errorInterval
			}
			p.logger.LogAttrs(ctx, slog.LevelError, "Poll cycle failed",
				slog.Int("consecutive_failures", failures),
				slog.Duration("next_cycle_in", interval),
				logger.Error(err),
			)
		case err == nil:
			failures = 0
		}

		if stats.Picked > 0 || stats.Replayed > 0 {
			p.logger.LogAttrs(ctx, slog.LevelDebug, "Poll cycle finished",
				slog.Int("picked", stats.Picked),
				slog.Int("delivered", stats.Delivered),
				slog.Int("retried", stats.Retried),
				slog.Int("dead_lettered", stats.DeadLettered),
				slog.Int("skipped", stats.Skipped),
			slog.Int("replayed", stats.Replayed),
			)
		}

		timer.Reset(interval)
	}
}

// RunCycle runs one poll cycle synchronously. Attempts start in the order
// returned by ListPending; with more than one slot they may overlap.
// Once ctx is canceled no new attempts are started.
func (p *Processor) RunCycle(ctx context.Context) (CycleStats, error) {
	replayed, replayErr := p.replayParked(ctx)

	pending, err := p.storage.ListPending(ctx, p.now(), p.batchSize)
	if err != nil {
		return CycleStats{Replayed: replayed}, errors.Join(replayErr, fmt.Errorf("list pending notifications: %w", err))
	}

	var (
		stats = CycleStats{Picked: len(pending), Replayed: replayed}
		mu    sync.Mutex
		wg    sync.WaitGroup
		errs  = []error{replayErr}
	)

	started := 0
dispatch:
	for _, n := range pending {
		select {
		case <-ctx.Done():
			break dispatch
		case p.sem <- struct{}{}:
		}
		started++

		wg.Add(1)
		go func(n Notification) {
			defer wg.Done()
			defer func() { <-p.sem }()

			o, err := p.process(ctx, n)

			mu.Lock()
			defer mu.Unlock()
			stats.record(o)
			if err != nil {
				errs = append(errs, err)
			}
		}(n)
	}
	wg.Wait()

	stats.Skipped += len(pending) - started

	return stats, errors.Join(errs...)
}

func lockKey(id string) string {
	return "notification:" + id
}

// process owns one notification for the duration of an attempt.
func (p *Processor) process(ctx context.Context, n Notification) (outcome, error) {
	unlock, ok, err := p.locker.TryLock(ctx, lockKey(n.ID))
	if err != nil {
		return outcomeSkipped, fmt.Errorf("lock notification %s: %w", n.ID, err)
	}
	if !ok {
		// An operator action or another worker owns it right now
		return outcomeSkipped, nil
	}
	held := true
	defer func() {
		if held {
			unlock()
		}
	}()

	current, err := p.storage.Get(ctx, n.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("reload notification %s: %w", n.ID, err)
	}
	if !current.IsDue(p.now()) {
		return outcomeSkipped, nil
	}

	queued := current.Clone()
	queued.Status = StatusQueued
	if err := p.storage.Update(ctx, queued, StatusPending); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("claim notification %s: %w", n.ID, err)
	}

	deliveryErr := p.deliver(ctx, queued)

	var t transition
	switch {
	case deliveryErr == nil:
		t = p.delivered(queued)
	case ctx.Err() != nil:
		// Abandoned by shutdown: the attempt does not count against the budget
		t = p.released(queued)
	default:
		t = p.failed(queued, deliveryErr)
	}

	// Decided transitions are persisted even if the loop is being stopped
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.flushTimeout)
	defer cancel()

	if err := p.flush(flushCtx, t.write); err != nil {
		if IsTransient(err) {
			p.park(n.ID, t, unlock)
			held = false
		}
		return t.outcome, fmt.Errorf("%s: notification %s: %w", t.action, n.ID, err)
	}
	t.persisted(flushCtx)

	return t.outcome, nil
}

func (p *Processor) deliver(ctx context.Context, n Notification) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	start := time.Now()
	err := p.registry.Deliver(attemptCtx, n)
	if err == nil {
		return nil
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: attempt timed out after %s: %w", ErrDelivery, p.attemptTimeout, err)
	}

	p.logger.LogAttrs(ctx, slog.LevelWarn, "Delivery attempt failed",
		logger.NotificationID(n.ID),
		logger.Channel(n.Channel),
		logger.RetryCount(n.RetryCount),
		logger.MaxRetries(n.MaxRetries),
		logger.Duration(time.Since(start)),
		logger.Error(err),
	)
	return err
}

// transition is a decided outcome of an attempt waiting to be persisted.
type transition struct {
	outcome   outcome
	action    string
	write     func(ctx context.Context) error
	persisted func(ctx context.Context)
}

func (p *Processor) delivered(n Notification) transition {
	delivered := n.Clone()
	delivered.Status = StatusDelivered
	delivered.DeliveredAt = timePtr(p.now())
	delivered.ReadAt = nil
	delivered.NextAttemptAt = nil

	return transition{
		outcome: outcomeDelivered,
		action:  "mark delivered",
		write: func(ctx context.Context) error {
			return p.storage.Update(ctx, delivered, StatusQueued)
		},
		persisted: func(ctx context.Context) {
			p.logger.LogAttrs(ctx, slog.LevelInfo, "Notification delivered",
				logger.NotificationID(n.ID),
				logger.RecipientID(n.RecipientID),
				logger.Channel(n.Channel),
				logger.Priority(n.Priority),
			)
		},
	}
}

func (p *Processor) failed(n Notification, deliveryErr error) transition {
	now := p.now()
	decision := p.policy.Decide(n, deliveryErr, now)

	if decision.Retry {
		return transition{
			outcome: outcomeRetried,
			action:  "requeue",
			write: func(ctx context.Context) error {
				return p.storage.Update(ctx, decision.Next, StatusQueued)
			},
			persisted: func(ctx context.Context) {
				p.logger.LogAttrs(ctx, slog.LevelInfo, "Notification scheduled for retry",
					logger.NotificationID(n.ID),
					logger.Channel(n.Channel),
					logger.RetryCount(decision.Next.RetryCount),
					logger.MaxRetries(decision.Next.MaxRetries),
				)
			},
		}
	}

	return transition{
		outcome: outcomeDeadLettered,
		action:  "dead-letter",
		write: func(ctx context.Context) error {
			_, err := p.storage.AddDeadLetter(ctx, decision.Next, decision.Reason, now)
			return err
		},
		persisted: func(ctx context.Context) {
			p.logger.LogAttrs(ctx, slog.LevelWarn, "Notification moved to dead letter queue",
				logger.NotificationID(n.ID),
				logger.RecipientID(n.RecipientID),
				logger.Channel(n.Channel),
				logger.RetryCount(decision.Next.RetryCount),
				logger.Reason(decision.Reason),
			)
		},
	}
}

// released puts an abandoned notification back to pending untouched.
func (p *Processor) released(n Notification) transition {
	pending := n.Clone()
	pending.Status = StatusPending

	return transition{
		outcome: outcomeSkipped,
		action:  "release",
		write: func(ctx context.Context) error {
			return p.storage.Update(ctx, pending, StatusQueued)
		},
		persisted: func(context.Context) {},
	}
}

// parkedWrite is a transition that outlasted the flush budget. The
// notification stays locked until the write lands.
type parkedWrite struct {
	t      transition
	unlock locker.Unlock
}

func (p *Processor) park(id string, t transition, unlock locker.Unlock) {
	p.parkedMu.Lock()
	p.parked[id] = parkedWrite{t: t, unlock: unlock}
	p.parkedMu.Unlock()
}

// Parked reports how many decided transitions are waiting for storage.
func (p *Processor) Parked() int {
	p.parkedMu.Lock()
	defer p.parkedMu.Unlock()
	return len(p.parked)
}

// replayParked retries every parked write once. Writes that still hit a
// transient storage error stay parked for the next cycle.
func (p *Processor) replayParked(ctx context.Context) (int, error) {
	p.parkedMu.Lock()
	batch := p.parked
	p.parked = make(map[string]parkedWrite, len(batch))
	p.parkedMu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.flushTimeout)
	defer cancel()

	var (
		replayed int
		errs     []error
	)
	for id, w := range batch {
		err := p.flush(flushCtx, w.t.write)
		switch {
		case err == nil:
			replayed++
			w.t.persisted(flushCtx)
		case IsTransient(err):
			p.park(id, w.t, w.unlock)
			errs = append(errs, fmt.Errorf("%s: notification %s: %w", w.t.action, id, err))
			continue
		default:
			// The row moved on without us, e.g. after the lock expired
			p.logger.LogAttrs(ctx, slog.LevelWarn, "Dropped parked transition",
				logger.NotificationID(id),
				logger.Error(err),
			)
		}
		w.unlock()
	}

	return replayed, errors.Join(errs...)
}

// dropParked releases the locks of writes that never landed. The
// notifications stay queued until RecoverQueued runs on the next start.
func (p *Processor) dropParked(ctx context.Context) {
	p.parkedMu.Lock()
	batch := p.parked
	p.parked = make(map[string]parkedWrite)
	p.parkedMu.Unlock()

	for id, w := range batch {
		p.logger.LogAttrs(ctx, slog.LevelError, "Notification left queued after storage outage",
			logger.NotificationID(id),
			slog.String("action", w.t.action),
		)
		w.unlock()
	}
}

// flush retries transient storage failures a few times before giving up.
// A notification left queued is picked up again by RecoverQueued.
func (p *Processor) flush(ctx context.Context, write func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.flushAttempts; attempt++ {
		if err = write(ctx); err == nil || !IsTransient(err) {
			return err
		}
		if attempt == p.flushAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return err
}
