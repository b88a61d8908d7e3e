package notifications

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Suitable for development and testing. A single mutex serializes all writes,
// so concurrent updates to one notification can never interleave.
type MemoryStorage struct {
	mu            sync.RWMutex
	notifications map[string]*memoryRecord
	deadLetters   map[string]DeadLetterEntry // notificationID -> entry
	seq           uint64
}

type memoryRecord struct {
	n   Notification
	seq uint64 // insertion order, breaks created_at ties
}

// NewMemoryStorage creates a new in-memory notification storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		notifications: make(map[string]*memoryRecord),
		deadLetters:   make(map[string]DeadLetterEntry),
	}
}

func (s *MemoryStorage) Create(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		return Notification{}, fmt.Errorf("%w: notification id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return Notification{}, fmt.Errorf("%w: notification %s already exists", ErrStorage, n.ID)
	}

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	s.seq++
	s.notifications[n.ID] = &memoryRecord{n: n.Clone(), seq: s.seq}

	return n.Clone(), nil
}

func (s *MemoryStorage) Get(ctx context.Context, id string) (Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return rec.n.Clone(), nil
}

func (s *MemoryStorage) Update(ctx context.Context, n Notification, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.guard(n.ID, expected)
	if err != nil {
		return err
	}
	rec.n = mergeMutable(rec.n, n)
	return nil
}

func (s *MemoryStorage) ListForRecipient(ctx context.Context, recipientID string, opts ListOptions) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*memoryRecord
	for _, rec := range s.notifications {
		if rec.n.RecipientID != recipientID || !opts.Matches(rec.n) {
			continue
		}
		matched = append(matched, rec)
	}

	// Newest first; later insertion wins a created_at tie
	slices.SortFunc(matched, func(a, b *memoryRecord) int {
		if c := b.n.CreatedAt.Compare(a.n.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	limit := opts.EffectiveLimit()
	if len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]Notification, 0, len(matched))
	for _, rec := range matched {
		result = append(result, rec.n.Clone())
	}
	return result, nil
}

func (s *MemoryStorage) ListPending(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*memoryRecord
	for _, rec := range s.notifications {
		if rec.n.IsDue(now) {
			due = append(due, rec)
		}
	}

	slices.SortFunc(due, func(a, b *memoryRecord) int {
		return comparePending(a.n, a.seq, b.n, b.seq)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	result := make([]Notification, 0, len(due))
	for _, rec := range due {
		result = append(result, rec.n.Clone())
	}
	return result, nil
}

func (s *MemoryStorage) AddDeadLetter(ctx context.Context, n Notification, reason string, failedAt time.Time) (DeadLetterEntry, error) {
	if n.Status != StatusFailed {
		return DeadLetterEntry{}, fmt.Errorf("%w: dead-lettered notification must be failed, got %s", ErrInvalidState, n.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.guard(n.ID, StatusQueued)
	if err != nil {
		return DeadLetterEntry{}, err
	}
	if _, exists := s.deadLetters[n.ID]; exists {
		return DeadLetterEntry{}, fmt.Errorf("%w: notification %s is already dead-lettered", ErrStateConflict, n.ID)
	}

	entry := DeadLetterEntry{
		ID:             uuid.New().String(),
		NotificationID: n.ID,
		Reason:         reason,
		FailedAt:       failedAtOrNow(failedAt),
	}

	rec.n = mergeMutable(rec.n, n)
	s.deadLetters[n.ID] = entry

	return entry, nil
}

func (s *MemoryStorage) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]DeadLetterEntry, 0, len(s.deadLetters))
	for _, e := range s.deadLetters {
		entries = append(entries, e)
	}

	slices.SortFunc(entries, func(a, b DeadLetterEntry) int {
		if c := b.FailedAt.Compare(a.FailedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStorage) RemoveDeadLetter(ctx context.Context, n Notification) error {
	if n.Status != StatusPending {
		return fmt.Errorf("%w: requeued notification must be pending, got %s", ErrInvalidState, n.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deadLetters[n.ID]; !exists {
		return ErrNotFound
	}
	rec, err := s.guard(n.ID, StatusFailed)
	if err != nil {
		return err
	}

	rec.n = mergeMutable(rec.n, n)
	delete(s.deadLetters, n.ID)

	return nil
}

func (s *MemoryStorage) CountDeadLetters(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deadLetters), nil
}

func (s *MemoryStorage) RecoverQueued(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for _, rec := range s.notifications {
		if rec.n.Status == StatusQueued {
			rec.n.Status = StatusPending
			recovered++
		}
	}
	return recovered, nil
}

// guard must be called with the write lock held.
func (s *MemoryStorage) guard(id string, expected Status) (*memoryRecord, error) {
	rec, ok := s.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.n.Status != expected {
		return nil, fmt.Errorf("%w: notification %s is %s, expected %s", ErrStateConflict, id, rec.n.Status, expected)
	}
	return rec, nil
}

// mergeMutable copies the fields writers are allowed to change onto stored.
// Identity, addressing, content and creation time stay untouched.
func mergeMutable(stored, n Notification) Notification {
	n = n.Clone()
	stored.Status = n.Status
	stored.DeliveredAt = n.DeliveredAt
	stored.ReadAt = n.ReadAt
	stored.RetryCount = n.RetryCount
	stored.LastError = n.LastError
	stored.NextAttemptAt = n.NextAttemptAt
	return stored
}

// comparePending orders by priority desc, created_at asc, insertion order asc.
func comparePending(a Notification, aSeq uint64, b Notification, bSeq uint64) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(aSeq, bSeq)
}

func failedAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
