package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/locker"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// Field limits enforced at enqueue time.
const (
	MaxRecipientIDLength = 255
	MaxSubjectLength     = 255
	MaxBodyLength        = 10000
)

// SendParams describes a notification to enqueue.
type SendParams struct {
	RecipientID string
	Channel     Channel
	Subject     string
	Body        string
	// Priority defaults to PriorityNormal when zero.
	Priority Priority
	// MaxRetries overrides the priority or service default when set.
	MaxRetries *int
	Metadata   map[string]any
}

// Service is the entry point of the delivery engine. It owns the storage
// handle and the processor; create one per process and pass it around.
type Service struct {
	storage   Storage
	registry  *Registry
	processor *Processor
	locker    locker.Locker
	logger    *slog.Logger
	now       func() time.Time

	defaultMaxRetries  int
	priorityMaxRetries map[Priority]int
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger             *slog.Logger
	locker             locker.Locker
	now                func() time.Time
	defaultMaxRetries  int
	priorityMaxRetries map[Priority]int
	processorOptions   []ProcessorOption
}

// WithLogger sets the logger for the service and its processor.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithServiceLocker sets the per-notification lock shared by operator
// operations and the processor.
func WithServiceLocker(l locker.Locker) ServiceOption {
	return func(o *serviceOptions) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithServiceClock replaces time.Now for the service and its processor.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDefaultMaxRetries sets the retry budget for notifications that do not
// specify one. Values outside [0, MaxRetriesLimit] are ignored.
func WithDefaultMaxRetries(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n >= 0 && n <= MaxRetriesLimit {
			o.defaultMaxRetries = n
		}
	}
}

// WithPriorityMaxRetries gives a priority class its own default retry budget.
func WithPriorityMaxRetries(p Priority, n int) ServiceOption {
	return func(o *serviceOptions) {
		if p.Valid() && n >= 0 && n <= MaxRetriesLimit {
			o.priorityMaxRetries[p] = n
		}
	}
}

// WithProcessorOptions forwards options to the owned processor.
func WithProcessorOptions(opts ...ProcessorOption) ServiceOption {
	return func(o *serviceOptions) {
		o.processorOptions = append(o.processorOptions, opts...)
	}
}

// NewService creates a service and its processor. The processor is idle
// until Start or Run is called.
func NewService(storage Storage, registry *Registry, opts ...ServiceOption) (*Service, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	if registry == nil {
		return nil, ErrRegistryNil
	}

	options := &serviceOptions{
		logger:             slog.Default(),
		now:                time.Now,
		defaultMaxRetries:  DefaultMaxRetries,
		priorityMaxRetries: make(map[Priority]int),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.locker == nil {
		options.locker = locker.NewMemoryLocker()
	}

	// Shared lock and clock go last so forwarded options cannot split them
	procOpts := append([]ProcessorOption{WithProcessorLogger(options.logger)}, options.processorOptions...)
	procOpts = append(procOpts, WithLocker(options.locker), WithClock(options.now))

	processor, err := NewProcessor(storage, registry, procOpts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		storage:            storage,
		registry:           registry,
		processor:          processor,
		locker:             options.locker,
		logger:             options.logger.With(logger.Component("notification_service")),
		now:                options.now,
		defaultMaxRetries:  options.defaultMaxRetries,
		priorityMaxRetries: options.priorityMaxRetries,
	}, nil
}

// Send validates and stores a notification as pending. Delivery happens
// asynchronously; the returned copy reflects the enqueue-time state only.
func (s *Service) Send(ctx context.Context, params SendParams) (Notification, error) {
	n, err := s.build(params)
	if err != nil {
		return Notification{}, err
	}

	created, err := s.storage.Create(ctx, n)
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "Failed to store notification",
			logger.NotificationID(n.ID),
			logger.RecipientID(n.RecipientID),
			logger.Channel(n.Channel),
			logger.Error(err),
		)
		return Notification{}, fmt.Errorf("store notification: %w", err)
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "Notification enqueued",
		logger.NotificationID(created.ID),
		logger.RecipientID(created.RecipientID),
		logger.Channel(created.Channel),
		logger.Priority(created.Priority),
		logger.MaxRetries(created.MaxRetries),
	)

	s.processor.Wake()
	return created, nil
}

func (s *Service) build(p SendParams) (Notification, error) {
	recipient := strings.TrimSpace(p.RecipientID)
	if recipient == "" {
		return Notification{}, fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if utf8.RuneCountInString(recipient) > MaxRecipientIDLength {
		return Notification{}, fmt.Errorf("%w: recipient id exceeds %d characters", ErrValidation, MaxRecipientIDLength)
	}

	if !p.Channel.Valid() {
		return Notification{}, fmt.Errorf("%w: channel %q is not a valid channel name", ErrValidation, p.Channel)
	}
	if _, ok := s.registry.Lookup(p.Channel); !ok {
		return Notification{}, fmt.Errorf("%w: %w: %s", ErrValidation, ErrChannelNotRegistered, p.Channel)
	}

	if utf8.RuneCountInString(p.Subject) > MaxSubjectLength {
		return Notification{}, fmt.Errorf("%w: subject exceeds %d characters", ErrValidation, MaxSubjectLength)
	}
	if strings.TrimSpace(p.Body) == "" {
		return Notification{}, fmt.Errorf("%w: body is required", ErrValidation)
	}
	if utf8.RuneCountInString(p.Body) > MaxBodyLength {
		return Notification{}, fmt.Errorf("%w: body exceeds %d characters", ErrValidation, MaxBodyLength)
	}

	priority := p.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return Notification{}, fmt.Errorf("%w: unknown priority %d", ErrValidation, int(priority))
	}

	maxRetries := s.defaultMaxRetries
	if budget, ok := s.priorityMaxRetries[priority]; ok {
		maxRetries = budget
	}
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}
	if maxRetries < 0 || maxRetries > MaxRetriesLimit {
		return Notification{}, fmt.Errorf("%w: max retries must be between 0 and %d", ErrValidation, MaxRetriesLimit)
	}

	n := Notification{
		ID:          uuid.New().String(),
		RecipientID: recipient,
		Channel:     p.Channel,
		Subject:     p.Subject,
		Body:        p.Body,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   s.now(),
		MaxRetries:  maxRetries,
		Metadata:    p.Metadata,
	}
	return n.Clone(), nil
}

// Get returns a single notification.
func (s *Service) Get(ctx context.Context, id string) (Notification, error) {
	if id == "" {
		return Notification{}, fmt.Errorf("%w: notification id is required", ErrValidation)
	}
	return s.storage.Get(ctx, id)
}

// List returns the recipient's notifications, newest first.
func (s *Service) List(ctx context.Context, recipientID string, opts ListOptions) ([]Notification, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if opts.Channel != "" && !opts.Channel.Valid() {
		return nil, fmt.Errorf("%w: channel %q is not a valid channel name", ErrValidation, opts.Channel)
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, opts.Status)
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrValidation)
	}
	return s.storage.ListForRecipient(ctx, strings.TrimSpace(recipientID), opts)
}

// MarkRead moves a delivered notification to read.
// Returns ErrNotFound for unknown ids and ErrInvalidState for any status but delivered.
func (s *Service) MarkRead(ctx context.Context, id string) (Notification, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return Notification{}, fmt.Errorf("lock notification %s: %w", id, err)
	}
	defer unlock()

	n, err := s.storage.Get(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.Status != StatusDelivered {
		return Notification{}, fmt.Errorf("%w: notification %s is %s, only delivered notifications can be marked read", ErrInvalidState, id, n.Status)
	}

	read := n.Clone()
	read.Status = StatusRead
	read.ReadAt = timePtr(s.now())
	read.DeliveredAt = nil

	if err := s.storage.Update(ctx, read, StatusDelivered); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return Notification{}, errors.Join(ErrInvalidState, err)
		}
		return Notification{}, fmt.Errorf("mark notification %s read: %w", id, err)
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "Notification marked read",
		logger.NotificationID(id),
		logger.Transition(StatusDelivered, StatusRead),
	)
	return read, nil
}

// ListDeadLetters returns dead-letter entries, most recent failure first.
// A non-positive limit falls back to DefaultListLimit.
func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.storage.ListDeadLetters(ctx, limit)
}

func (s *Service) CountDeadLetters(ctx context.Context) (int, error) {
	return s.storage.CountDeadLetters(ctx)
}

// RetryDeadLetter removes the dead-letter entry of a failed notification and
// resets it to pending with a fresh retry budget.
// Returns ErrNotFound when the notification is not dead-lettered.
func (s *Service) RetryDeadLetter(ctx context.Context, notificationID string) (Notification, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(notificationID))
	if err != nil {
		return Notification{}, fmt.Errorf("lock notification %s: %w", notificationID, err)
	}
	defer unlock()

	n, err := s.storage.Get(ctx, notificationID)
	if err != nil {
		return Notification{}, err
	}
	if n.Status != StatusFailed {
		return Notification{}, fmt.Errorf("%w: notification %s is not dead-lettered", ErrNotFound, notificationID)
	}

	reset := n.Clone()
	reset.Status = StatusPending
	reset.RetryCount = 0
	reset.NextAttemptAt = nil
	reset.DeliveredAt = nil
	reset.ReadAt = nil

	if err := s.storage.RemoveDeadLetter(ctx, reset); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return Notification{}, errors.Join(ErrNotFound, err)
		}
		return Notification{}, fmt.Errorf("retry dead-lettered notification %s: %w", notificationID, err)
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "Dead-lettered notification requeued",
		logger.NotificationID(notificationID),
		logger.Channel(n.Channel),
		logger.Transition(StatusFailed, StatusPending),
	)

	s.processor.Wake()
	return reset, nil
}

// Start begins background delivery.
func (s *Service) Start(ctx context.Context) error {
	return s.processor.Start(ctx)
}

// Stop halts background delivery and waits for in-flight transitions.
func (s *Service) Stop() error {
	return s.processor.Stop()
}

// Run returns a function suitable for errgroup that delivers until ctx is done.
func (s *Service) Run(ctx context.Context) func() error {
	return s.processor.Run(ctx)
}

// Processor exposes the owned processor, e.g. to drive cycles manually.
func (s *Service) Processor() *Processor {
	return s.processor
}

func (s *Service) Registry() *Registry {
	return s.registry
}
