// Package pgstore implements notifications.Storage on PostgreSQL using pgx.
//
// Guarded updates are single UPDATE statements filtered by the expected
// status; dead-letter moves lock the notification row with SELECT ... FOR
// UPDATE and commit both tables in one transaction.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/pg"
)

// Migrations holds the goose migrations for the notification schema.
// Apply them with pg.Migrate(ctx, pool, pgstore.Migrations, MigrationsDir, ...).
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations.
const MigrationsDir = "migrations"

// DB is the subset of *pgxpool.Pool used by Storage.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage is a PostgreSQL notifications.Storage.
type Storage struct {
	db DB
}

var _ notifications.Storage = (*Storage)(nil)

// New creates a storage on top of db. The schema must already be migrated.
func New(db DB) *Storage {
	return &Storage{db: db}
}

const txAttempts = 3

const columns = `id, recipient_id, channel, subject, body, priority, status, created_at,
	delivered_at, read_at, retry_count, max_retries, last_error, metadata, next_attempt_at`

func (s *Storage) Create(ctx context.Context, n notifications.Notification) (notifications.Notification, error) {
	if n.ID == "" {
		return notifications.Notification{}, fmt.Errorf("%w: notification id is required", notifications.ErrValidation)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	// Postgres keeps microseconds; return what a later Get will see
	n.CreatedAt = n.CreatedAt.UTC().Truncate(time.Microsecond)

	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return notifications.Notification{}, err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO notifications (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15)`,
		n.ID, n.RecipientID, string(n.Channel), n.Subject, n.Body, int(n.Priority), string(n.Status), n.CreatedAt,
		n.DeliveredAt, n.ReadAt, n.RetryCount, n.MaxRetries, n.LastError, metadata, n.NextAttemptAt,
	)
	if err != nil {
		return notifications.Notification{}, storageErr("create notification", err)
	}

	return n.Clone(), nil
}

func (s *Storage) Get(ctx context.Context, id string) (notifications.Notification, error) {
	n, err := scanNotification(s.db.QueryRow(ctx, `SELECT `+columns+` FROM notifications WHERE id = $1`, id))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return notifications.Notification{}, notifications.ErrNotFound
		}
		return notifications.Notification{}, storageErr("get notification", err)
	}
	return n, nil
}

func (s *Storage) Update(ctx context.Context, n notifications.Notification, expected notifications.Status) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE notifications
		SET status = $2, delivered_at = $3, read_at = $4, retry_count = $5, last_error = $6, next_attempt_at = $7
		WHERE id = $1 AND status = $8`,
		n.ID, string(n.Status), n.DeliveredAt, n.ReadAt, n.RetryCount, n.LastError, n.NextAttemptAt, string(expected),
	)
	if err != nil {
		return storageErr("update notification", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, n.ID, expected)
}

// explainMiss tells a missing row from a status mismatch after a guarded update matched nothing.
func (s *Storage) explainMiss(ctx context.Context, id string, expected notifications.Status) error {
	var current string
	err := s.db.QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return notifications.ErrNotFound
		}
		return storageErr("check notification status", err)
	}
	return conflict(id, notifications.Status(current), expected)
}

func (s *Storage) ListForRecipient(ctx context.Context, recipientID string, opts notifications.ListOptions) ([]notifications.Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+columns+` FROM notifications
		WHERE recipient_id = $1
		  AND ($2::text = '' OR channel = $2::text)
		  AND ($3::text = '' OR status = $3::text)
		ORDER BY created_at DESC, seq DESC
		LIMIT $4`,
		recipientID, string(opts.Channel), string(opts.Status), opts.EffectiveLimit(),
	)
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	return collect(rows, "list notifications")
}

func (s *Storage) ListPending(ctx context.Context, now time.Time, limit int) ([]notifications.Notification, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+columns+` FROM notifications
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT $2`,
		now, limitArg,
	)
	if err != nil {
		return nil, storageErr("list pending notifications", err)
	}
	return collect(rows, "list pending notifications")
}

func (s *Storage) AddDeadLetter(ctx context.Context, n notifications.Notification, reason string, failedAt time.Time) (notifications.DeadLetterEntry, error) {
	if n.Status != notifications.StatusFailed {
		return notifications.DeadLetterEntry{}, fmt.Errorf("%w: dead-lettered notification must be failed, got %s", notifications.ErrInvalidState, n.Status)
	}

	if failedAt.IsZero() {
		failedAt = time.Now()
	}
	entry := notifications.DeadLetterEntry{
		ID:             uuid.New().String(),
		NotificationID: n.ID,
		Reason:         reason,
		FailedAt:       failedAt.UTC().Truncate(time.Microsecond),
	}

	err := s.inTx(ctx, "add dead letter", func(tx pgx.Tx) error {
		if err := lockStatus(ctx, tx, n.ID, notifications.StatusQueued); err != nil {
			return err
		}
		if err := updateMutable(ctx, tx, n); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO dead_letter_queue (id, notification_id, reason, failed_at)
			VALUES ($1, $2, $3, $4)`,
			entry.ID, entry.NotificationID, entry.Reason, entry.FailedAt,
		)
		switch {
		case pg.IsDuplicateKeyError(err):
			return fmt.Errorf("%w: notification %s is already dead-lettered", notifications.ErrStateConflict, n.ID)
		case pg.IsForeignKeyViolationError(err):
			return notifications.ErrNotFound
		}
		return err
	})
	if err != nil {
		return notifications.DeadLetterEntry{}, err
	}

	return entry, nil
}

func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]notifications.DeadLetterEntry, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, notification_id, reason, failed_at FROM dead_letter_queue
		ORDER BY failed_at DESC, id ASC
		LIMIT $1`,
		limitArg,
	)
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}
	defer rows.Close()

	var entries []notifications.DeadLetterEntry
	for rows.Next() {
		var e notifications.DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.Reason, &e.FailedAt); err != nil {
			return nil, storageErr("scan dead letter", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list dead letters", err)
	}
	return entries, nil
}

func (s *Storage) RemoveDeadLetter(ctx context.Context, n notifications.Notification) error {
	if n.Status != notifications.StatusPending {
		return fmt.Errorf("%w: requeued notification must be pending, got %s", notifications.ErrInvalidState, n.Status)
	}

	return s.inTx(ctx, "remove dead letter", func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1 FOR UPDATE`, n.ID).Scan(&current)
		if err != nil {
			if pg.IsNotFoundError(err) {
				return notifications.ErrNotFound
			}
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM dead_letter_queue WHERE notification_id = $1`, n.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return notifications.ErrNotFound
		}
		if notifications.Status(current) != notifications.StatusFailed {
			return conflict(n.ID, notifications.Status(current), notifications.StatusFailed)
		}

		return updateMutable(ctx, tx, n)
	})
}

func (s *Storage) CountDeadLetters(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM dead_letter_queue`).Scan(&count); err != nil {
		return 0, storageErr("count dead letters", err)
	}
	return int(count), nil
}

func (s *Storage) RecoverQueued(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE notifications SET status = 'pending' WHERE status = 'queued'`)
	if err != nil {
		return 0, storageErr("recover queued notifications", err)
	}
	return int(tag.RowsAffected()), nil
}

// inTx runs fn in a transaction, retrying serialization failures and
// deadlocks a few times. Domain errors pass through untouched; driver errors
// are wrapped with notifications.ErrStorage.
func (s *Storage) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	var err error
	for range txAttempts {
		err = s.tryTx(ctx, fn)
		if err == nil || !pg.IsSerializationFailure(err) {
			break
		}
	}
	if err == nil || isDomainErr(err) {
		return err
	}
	return storageErr(op, err)
}

func (s *Storage) tryTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Rollback after a successful commit reports a closed tx
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !pg.IsTxClosedError(rbErr) && err == nil {
			err = rbErr
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockStatus(ctx context.Context, tx pgx.Tx, id string, expected notifications.Status) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return notifications.ErrNotFound
		}
		return err
	}
	if notifications.Status(current) != expected {
		return conflict(id, notifications.Status(current), expected)
	}
	return nil
}

func updateMutable(ctx context.Context, tx pgx.Tx, n notifications.Notification) error {
	_, err := tx.Exec(ctx, `
		UPDATE notifications
		SET status = $2, delivered_at = $3, read_at = $4, retry_count = $5, last_error = $6, next_attempt_at = $7
		WHERE id = $1`,
		n.ID, string(n.Status), n.DeliveredAt, n.ReadAt, n.RetryCount, n.LastError, n.NextAttemptAt,
	)
	return err
}

func scanNotification(row pgx.Row) (notifications.Notification, error) {
	var (
		n        notifications.Notification
		channel  string
		status   string
		priority int16
		metadata []byte
	)
	err := row.Scan(
		&n.ID, &n.RecipientID, &channel, &n.Subject, &n.Body, &priority, &status, &n.CreatedAt,
		&n.DeliveredAt, &n.ReadAt, &n.RetryCount, &n.MaxRetries, &n.LastError, &metadata, &n.NextAttemptAt,
	)
	if err != nil {
		return notifications.Notification{}, err
	}

	n.Channel = notifications.Channel(channel)
	n.Status = notifications.Status(status)
	n.Priority = notifications.Priority(priority)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return notifications.Notification{}, fmt.Errorf("decode metadata of %s: %w", n.ID, err)
		}
		if len(n.Metadata) == 0 {
			n.Metadata = nil
		}
	}
	return n, nil
}

func collect(rows pgx.Rows, op string) ([]notifications.Notification, error) {
	defer rows.Close()

	var result []notifications.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return result, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not JSON encodable: %w", notifications.ErrValidation, err)
	}
	return string(data), nil
}

func conflict(id string, current, expected notifications.Status) error {
	return fmt.Errorf("%w: notification %s is %s, expected %s", notifications.ErrStateConflict, id, current, expected)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("pgstore: %s: %w", op, errors.Join(notifications.ErrStorage, err))
}

func isDomainErr(err error) bool {
	return errors.Is(err, notifications.ErrNotFound) ||
		errors.Is(err, notifications.ErrStateConflict) ||
		errors.Is(err, notifications.ErrInvalidState)
}
