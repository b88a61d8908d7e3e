// Package mongostore implements notifications.Storage on MongoDB.
//
// Each notification is one document. Its dead-letter entry is embedded in
// the same document, so every state transition, including moves in and out
// of the dead-letter queue, is a single-document update filtered by the
// expected status.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

const (
	DefaultCollection         = "notifications"
	DefaultCountersCollection = "notification_counters"

	seqCounterID = "notification_seq"
)

// Option configures Storage.
type Option func(*Storage)

// WithCollection overrides the notifications collection name.
func WithCollection(name string) Option {
	return func(s *Storage) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithCountersCollection overrides the collection holding the insertion sequence.
func WithCountersCollection(name string) Option {
	return func(s *Storage) {
		if name != "" {
			s.counters = name
		}
	}
}

// Storage is a MongoDB notifications.Storage.
type Storage struct {
	collection string
	counters   string

	notifications *mongo.Collection
	seq           *mongo.Collection
}

var _ notifications.Storage = (*Storage)(nil)

// New creates a storage in db and ensures its indexes exist.
func New(ctx context.Context, db *mongo.Database, opts ...Option) (*Storage, error) {
	s := &Storage{
		collection: DefaultCollection,
		counters:   DefaultCountersCollection,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.notifications = db.Collection(s.collection)
	s.seq = db.Collection(s.counters)

	_, err := s.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "priority", Value: -1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("pending_order"),
		},
		{
			Keys:    bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "seq", Value: -1}},
			Options: options.Index().SetName("recipient_recent"),
		},
		{
			Keys:    bson.D{{Key: "dead_letter.failed_at", Value: -1}},
			Options: options.Index().SetName("dead_letter_failed_at").SetSparse(true),
		},
	})
	if err != nil {
		return nil, storageErr("create indexes", err)
	}

	return s, nil
}

type deadLetterDoc struct {
	ID       string    `bson:"id"`
	Reason   string    `bson:"reason"`
	FailedAt time.Time `bson:"failed_at"`
}

type document struct {
	ID            string         `bson:"_id"`
	Seq           int64          `bson:"seq"`
	RecipientID   string         `bson:"recipient_id"`
	Channel       string         `bson:"channel"`
	Subject       string         `bson:"subject"`
	Body          string         `bson:"body"`
	Priority      int            `bson:"priority"`
	Status        string         `bson:"status"`
	CreatedAt     time.Time      `bson:"created_at"`
	DeliveredAt   *time.Time     `bson:"delivered_at"`
	ReadAt        *time.Time     `bson:"read_at"`
	RetryCount    int            `bson:"retry_count"`
	MaxRetries    int            `bson:"max_retries"`
	LastError     *string        `bson:"last_error"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
	NextAttemptAt *time.Time     `bson:"next_attempt_at"`
	DeadLetter    *deadLetterDoc `bson:"dead_letter,omitempty"`
}

func (d document) notification() notifications.Notification {
	n := notifications.Notification{
		ID:            d.ID,
		RecipientID:   d.RecipientID,
		Channel:       notifications.Channel(d.Channel),
		Subject:       d.Subject,
		Body:          d.Body,
		Priority:      notifications.Priority(d.Priority),
		Status:        notifications.Status(d.Status),
		CreatedAt:     d.CreatedAt,
		DeliveredAt:   d.DeliveredAt,
		ReadAt:        d.ReadAt,
		RetryCount:    d.RetryCount,
		MaxRetries:    d.MaxRetries,
		LastError:     d.LastError,
		NextAttemptAt: d.NextAttemptAt,
	}
	if len(d.Metadata) > 0 {
		n.Metadata = plainMap(d.Metadata)
	}
	return n
}

// plainMap converts nested driver documents and arrays into map[string]any
// and []any, the shapes the other backends return.
func plainMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch v := v.(type) {
	case bson.D:
		out := make(map[string]any, len(v))
		for _, e := range v {
			out[e.Key] = plainValue(e.Value)
		}
		return out
	case bson.M:
		return plainMap(v)
	case map[string]any:
		return plainMap(v)
	case bson.A:
		return plainSlice(v)
	case []any:
		return plainSlice(v)
	}
	return v
}

func plainSlice(a []any) []any {
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = plainValue(v)
	}
	return out
}

func (d document) entry() notifications.DeadLetterEntry {
	return notifications.DeadLetterEntry{
		ID:             d.DeadLetter.ID,
		NotificationID: d.ID,
		Reason:         d.DeadLetter.Reason,
		FailedAt:       d.DeadLetter.FailedAt,
	}
}

// MongoDB stores milliseconds
func mongoTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func mongoTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := mongoTime(*t)
	return &v
}

func mutableFields(n notifications.Notification) bson.D {
	return bson.D{
		{Key: "status", Value: string(n.Status)},
		{Key: "delivered_at", Value: mongoTimePtr(n.DeliveredAt)},
		{Key: "read_at", Value: mongoTimePtr(n.ReadAt)},
		{Key: "retry_count", Value: n.RetryCount},
		{Key: "last_error", Value: n.LastError},
		{Key: "next_attempt_at", Value: mongoTimePtr(n.NextAttemptAt)},
	}
}

func (s *Storage) Create(ctx context.Context, n notifications.Notification) (notifications.Notification, error) {
	if n.ID == "" {
		return notifications.Notification{}, fmt.Errorf("%w: notification id is required", notifications.ErrValidation)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = mongoTime(n.CreatedAt)

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return notifications.Notification{}, err
	}

	doc := document{
		ID:            n.ID,
		Seq:           seq,
		RecipientID:   n.RecipientID,
		Channel:       string(n.Channel),
		Subject:       n.Subject,
		Body:          n.Body,
		Priority:      int(n.Priority),
		Status:        string(n.Status),
		CreatedAt:     n.CreatedAt,
		DeliveredAt:   mongoTimePtr(n.DeliveredAt),
		ReadAt:        mongoTimePtr(n.ReadAt),
		RetryCount:    n.RetryCount,
		MaxRetries:    n.MaxRetries,
		LastError:     n.LastError,
		Metadata:      n.Clone().Metadata,
		NextAttemptAt: mongoTimePtr(n.NextAttemptAt),
	}

	if _, err := s.notifications.InsertOne(ctx, doc); err != nil {
		return notifications.Notification{}, storageErr("create notification", err)
	}

	return doc.notification(), nil
}

// nextSeq hands out the insertion sequence that breaks created_at ties.
func (s *Storage) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.seq.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: seqCounterID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, storageErr("next sequence", err)
	}
	return counter.Value, nil
}

func (s *Storage) Get(ctx context.Context, id string) (notifications.Notification, error) {
	doc, err := s.find(ctx, id)
	if err != nil {
		return notifications.Notification{}, err
	}
	return doc.notification(), nil
}

func (s *Storage) find(ctx context.Context, id string) (document, error) {
	var doc document
	err := s.notifications.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return document{}, notifications.ErrNotFound
		}
		return document{}, storageErr("get notification", err)
	}
	return doc, nil
}

func (s *Storage) Update(ctx context.Context, n notifications.Notification, expected notifications.Status) error {
	res, err := s.notifications.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: n.ID}, {Key: "status", Value: string(expected)}},
		bson.D{{Key: "$set", Value: mutableFields(n)}},
	)
	if err != nil {
		return storageErr("update notification", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	return s.explainMiss(ctx, n.ID, expected)
}

func (s *Storage) explainMiss(ctx context.Context, id string, expected notifications.Status) error {
	doc, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	return conflict(id, notifications.Status(doc.Status), expected)
}

func (s *Storage) ListForRecipient(ctx context.Context, recipientID string, opts notifications.ListOptions) ([]notifications.Notification, error) {
	filter := bson.D{{Key: "recipient_id", Value: recipientID}}
	if opts.Channel != "" {
		filter = append(filter, bson.E{Key: "channel", Value: string(opts.Channel)})
	}
	if opts.Status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(opts.Status)})
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(int64(opts.EffectiveLimit()))

	return s.list(ctx, "list notifications", filter, findOpts)
}

func (s *Storage) ListPending(ctx context.Context, now time.Time, limit int) ([]notifications.Notification, error) {
	filter := bson.D{
		{Key: "status", Value: string(notifications.StatusPending)},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "next_attempt_at", Value: nil}},
			bson.D{{Key: "next_attempt_at", Value: bson.D{{Key: "$lte", Value: mongoTime(now)}}}},
		}},
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	return s.list(ctx, "list pending notifications", filter, findOpts)
}

func (s *Storage) list(ctx context.Context, op string, filter bson.D, opts *options.FindOptionsBuilder) ([]notifications.Notification, error) {
	cursor, err := s.notifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageErr(op, err)
	}

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storageErr(op, err)
	}

	result := make([]notifications.Notification, 0, len(docs))
	for _, doc := range docs {
		result = append(result, doc.notification())
	}
	return result, nil
}

func (s *Storage) AddDeadLetter(ctx context.Context, n notifications.Notification, reason string, failedAt time.Time) (notifications.DeadLetterEntry, error) {
	if n.Status != notifications.StatusFailed {
		return notifications.DeadLetterEntry{}, fmt.Errorf("%w: dead-lettered notification must be failed, got %s", notifications.ErrInvalidState, n.Status)
	}

	if failedAt.IsZero() {
		failedAt = time.Now()
	}
	dl := deadLetterDoc{
		ID:       uuid.New().String(),
		Reason:   reason,
		FailedAt: mongoTime(failedAt),
	}

	set := append(mutableFields(n), bson.E{Key: "dead_letter", Value: dl})
	res, err := s.notifications.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: n.ID},
			{Key: "status", Value: string(notifications.StatusQueued)},
			{Key: "dead_letter", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return notifications.DeadLetterEntry{}, storageErr("add dead letter", err)
	}
	if res.MatchedCount == 0 {
		doc, err := s.find(ctx, n.ID)
		if err != nil {
			return notifications.DeadLetterEntry{}, err
		}
		if doc.DeadLetter != nil {
			return notifications.DeadLetterEntry{}, fmt.Errorf("%w: notification %s is already dead-lettered", notifications.ErrStateConflict, n.ID)
		}
		return notifications.DeadLetterEntry{}, conflict(n.ID, notifications.Status(doc.Status), notifications.StatusQueued)
	}

	return notifications.DeadLetterEntry{
		ID:             dl.ID,
		NotificationID: n.ID,
		Reason:         dl.Reason,
		FailedAt:       dl.FailedAt,
	}, nil
}

func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]notifications.DeadLetterEntry, error) {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "dead_letter.failed_at", Value: -1}, {Key: "dead_letter.id", Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "dead_letter", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.notifications.Find(ctx, deadLetterFilter(), findOpts)
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storageErr("list dead letters", err)
	}

	entries := make([]notifications.DeadLetterEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.entry())
	}
	return entries, nil
}

func (s *Storage) RemoveDeadLetter(ctx context.Context, n notifications.Notification) error {
	if n.Status != notifications.StatusPending {
		return fmt.Errorf("%w: requeued notification must be pending, got %s", notifications.ErrInvalidState, n.Status)
	}

	res, err := s.notifications.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: n.ID},
			{Key: "status", Value: string(notifications.StatusFailed)},
			{Key: "dead_letter", Value: bson.D{{Key: "$exists", Value: true}}},
		},
		bson.D{
			{Key: "$set", Value: mutableFields(n)},
			{Key: "$unset", Value: bson.D{{Key: "dead_letter", Value: ""}}},
		},
	)
	if err != nil {
		return storageErr("remove dead letter", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	doc, err := s.find(ctx, n.ID)
	if err != nil {
		return err
	}
	if doc.DeadLetter == nil {
		return notifications.ErrNotFound
	}
	return conflict(n.ID, notifications.Status(doc.Status), notifications.StatusFailed)
}

func (s *Storage) CountDeadLetters(ctx context.Context) (int, error) {
	count, err := s.notifications.CountDocuments(ctx, deadLetterFilter())
	if err != nil {
		return 0, storageErr("count dead letters", err)
	}
	return int(count), nil
}

func (s *Storage) RecoverQueued(ctx context.Context) (int, error) {
	res, err := s.notifications.UpdateMany(ctx,
		bson.D{{Key: "status", Value: string(notifications.StatusQueued)}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(notifications.StatusPending)}}}},
	)
	if err != nil {
		return 0, storageErr("recover queued notifications", err)
	}
	return int(res.ModifiedCount), nil
}

func deadLetterFilter() bson.D {
	return bson.D{{Key: "dead_letter", Value: bson.D{{Key: "$exists", Value: true}}}}
}

func conflict(id string, current, expected notifications.Status) error {
	return fmt.Errorf("%w: notification %s is %s, expected %s", notifications.ErrStateConflict, id, current, expected)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("mongostore: %s: %w", op, errors.Join(notifications.ErrStorage, err))
}
