package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/stanstork/remindr/internal/errs"
	"github.com/stanstork/remindr/internal/models"
)

// NotificationRepository is the durable store of pending reminders.
// Resolved reminders are moved to the archive, never updated in place.
type NotificationRepository interface {
	Insert(ctx context.Context, ownerID, body string, fireAt time.Time) (models.Notification, error)
	Get(ctx context.Context, handle string) (models.Notification, error)
	GetForOwner(ctx context.Context, ownerID, handle string) (models.Notification, error)
	GetArchived(ctx context.Context, ownerID, handle string) (models.ArchivedNotification, error)
	Delete(ctx context.Context, handle string) error
	ListByOwner(ctx context.Context, ownerID string) ([]models.Notification, error)
	ListPending(ctx context.Context) ([]models.Notification, error)
	UpdateBody(ctx context.Context, ownerID, handle, body string) (models.Notification, error)
	RecordAttempt(ctx context.Context, handle string, attempts int, nextAttemptAt time.Time, reason string) error
	Resolve(ctx context.Context, handle string, status models.NotificationStatus, reason string) error
}

type notificationRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

const notificationColumns = `seq, handle, owner_id, body, status, fire_at, created_at, attempts, next_attempt_at, last_error`

const archiveColumns = `handle, owner_id, body, status, fire_at, created_at, resolved_at, attempts, reason`

// maxHandleAttempts bounds handle regeneration on the (practically impossible) collision path.
const maxHandleAttempts = 3

func NewNotificationRepository(db *sqlx.DB) NotificationRepository {
	return &notificationRepository{db: db, now: time.Now}
}

func (r *notificationRepository) Insert(ctx context.Context, ownerID, body string, fireAt time.Time) (models.Notification, error) {
	if fireAt.IsZero() {
		return models.Notification{}, errs.ErrInvalidTime
	}

	notif := models.Notification{
		OwnerID:   ownerID,
		Body:      body,
		Status:    models.NotificationStatusPending,
		FireAt:    canonical(fireAt),
		CreatedAt: canonical(r.now()),
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Notification{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	handle, err := r.freshHandle(ctx, tx)
	if err != nil {
		return models.Notification{}, err
	}
	notif.Handle = handle

	query := r.db.Rebind(`
		INSERT INTO notifications (handle, owner_id, body, status, fire_at, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		RETURNING seq
	`)
	if err := tx.QueryRowxContext(ctx, query,
		notif.Handle,
		notif.OwnerID,
		notif.Body,
		string(notif.Status),
		notif.FireAt,
		notif.CreatedAt,
	).Scan(&notif.Seq); err != nil {
		return models.Notification{}, errors.Wrap(err, "failed to insert notification")
	}

	if err := tx.Commit(); err != nil {
		return models.Notification{}, errors.Wrap(err, "failed to commit notification")
	}
	return notif, nil
}

// freshHandle returns a handle unused by both live and archived notifications.
func (r *notificationRepository) freshHandle(ctx context.Context, tx *sqlx.Tx) (string, error) {
	query := r.db.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM notifications WHERE handle = ?) +
			(SELECT COUNT(*) FROM notification_archive WHERE handle = ?)
	`)
	for i := 0; i < maxHandleAttempts; i++ {
		handle := uuid.NewString()
		var used int
		if err := tx.GetContext(ctx, &used, query, handle, handle); err != nil {
			return "", errors.Wrap(err, "failed to check handle uniqueness")
		}
		if used == 0 {
			return handle, nil
		}
	}
	return "", errors.New("failed to allocate a unique handle")
}

func (r *notificationRepository) Get(ctx context.Context, handle string) (models.Notification, error) {
	query := r.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications WHERE handle = ?`)
	return r.getOne(ctx, r.db, query, strings.TrimSpace(handle))
}

func (r *notificationRepository) GetForOwner(ctx context.Context, ownerID, handle string) (models.Notification, error) {
	query := r.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications WHERE handle = ? AND owner_id = ?`)
	return r.getOne(ctx, r.db, query, strings.TrimSpace(handle), ownerID)
}

func (r *notificationRepository) GetArchived(ctx context.Context, ownerID, handle string) (models.ArchivedNotification, error) {
	query := r.db.Rebind(`SELECT ` + archiveColumns + ` FROM notification_archive WHERE handle = ? AND owner_id = ?`)

	var archived models.ArchivedNotification
	if err := r.db.GetContext(ctx, &archived, query, strings.TrimSpace(handle), ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ArchivedNotification{}, errs.ErrNotFound
		}
		return models.ArchivedNotification{}, errors.Wrap(err, "failed to fetch archived notification")
	}
	archived.FireAt = archived.FireAt.UTC()
	archived.CreatedAt = archived.CreatedAt.UTC()
	archived.ResolvedAt = archived.ResolvedAt.UTC()
	return archived, nil
}

func (r *notificationRepository) Delete(ctx context.Context, handle string) error {
	return r.Resolve(ctx, handle, models.NotificationStatusCancelled, "")
}

func (r *notificationRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.Notification, error) {
	query := r.db.Rebind(`
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE owner_id = ?
		ORDER BY created_at ASC, seq ASC
	`)
	return r.list(ctx, query, ownerID)
}

func (r *notificationRepository) ListPending(ctx context.Context) ([]models.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		ORDER BY COALESCE(next_attempt_at, fire_at) ASC, created_at ASC, seq ASC
	`
	return r.list(ctx, query)
}

func (r *notificationRepository) UpdateBody(ctx context.Context, ownerID, handle, body string) (models.Notification, error) {
	query := r.db.Rebind(`UPDATE notifications SET body = ? WHERE handle = ? AND owner_id = ?`)
	res, err := r.db.ExecContext(ctx, query, body, strings.TrimSpace(handle), ownerID)
	if err != nil {
		return models.Notification{}, errors.Wrap(err, "failed to update notification body")
	}
	if err := expectRow(res); err != nil {
		return models.Notification{}, err
	}
	return r.GetForOwner(ctx, ownerID, handle)
}

func (r *notificationRepository) RecordAttempt(ctx context.Context, handle string, attempts int, nextAttemptAt time.Time, reason string) error {
	query := r.db.Rebind(`
		UPDATE notifications
		SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE handle = ?
	`)
	res, err := r.db.ExecContext(ctx, query, attempts, canonical(nextAttemptAt), nullString(reason), handle)
	if err != nil {
		return errors.Wrapf(err, "failed to record attempt for %s", handle)
	}
	return expectRow(res)
}

// Resolve moves a live notification into the archive with its final status.
func (r *notificationRepository) Resolve(ctx context.Context, handle string, status models.NotificationStatus, reason string) error {
	switch status {
	case models.NotificationStatusFired, models.NotificationStatusCancelled, models.NotificationStatusAbandoned:
	default:
		return errors.Errorf("cannot resolve notification with status %q", status)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	notif, err := r.getOne(ctx, tx, r.db.Rebind(`SELECT `+notificationColumns+` FROM notifications WHERE handle = ?`), strings.TrimSpace(handle))
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM notifications WHERE handle = ?`), notif.Handle)
	if err != nil {
		return errors.Wrapf(err, "failed to delete notification %s", notif.Handle)
	}
	if err := expectRow(res); err != nil {
		return err
	}

	if reason == "" && notif.LastError != nil && status == models.NotificationStatusAbandoned {
		reason = *notif.LastError
	}

	insert := r.db.Rebind(`
		INSERT INTO notification_archive (` + archiveColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insert,
		notif.Handle,
		notif.OwnerID,
		notif.Body,
		string(status),
		notif.FireAt,
		notif.CreatedAt,
		canonical(r.now()),
		notif.Attempts,
		nullString(reason),
	); err != nil {
		return errors.Wrapf(err, "failed to archive notification %s", notif.Handle)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit resolution")
	}
	return nil
}

func (r *notificationRepository) getOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (models.Notification, error) {
	var notif models.Notification
	if err := sqlx.GetContext(ctx, q, &notif, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Notification{}, errs.ErrNotFound
		}
		return models.Notification{}, errors.Wrap(err, "failed to fetch notification")
	}
	return normalize(notif), nil
}

func (r *notificationRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.Notification, error) {
	var notifications []models.Notification
	if err := r.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	for i := range notifications {
		notifications[i] = normalize(notifications[i])
	}
	return notifications, nil
}

// canonical maps a timestamp into the single zone and precision every backend stores.
func canonical(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func normalize(n models.Notification) models.Notification {
	n.FireAt = n.FireAt.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	if n.NextAttemptAt != nil {
		t := n.NextAttemptAt.UTC()
		n.NextAttemptAt = &t
	}
	return n
}

func nullString(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}
