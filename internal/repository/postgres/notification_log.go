package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
)

const logColumns = `
	id, event_id, user_id, event_type, channel, status,
	recipient, subject, message, trigger_payload, error_message,
	created_at, sent_at
`

type notificationLogRepository struct {
	BaseRepository
}

func NewNotificationLogRepository(base BaseRepository) repository.NotificationLogRepository {
	return &notificationLogRepository{base}
}

// CreateIfAbsent relies on the unique index on (event_id, user_id, channel):
// the first writer wins, every later writer gets the existing row back. This
// is what keeps fan-out idempotent when an event is redelivered.
func (r *notificationLogRepository) CreateIfAbsent(ctx context.Context, log *model.NotificationLog) (*model.NotificationLog, bool, error) {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	log.Status = model.NotificationStatusPending
	log.CreatedAt = time.Now()

	query := `
		INSERT INTO notification_logs (
			id, event_id, user_id, event_type, channel, status,
			recipient, subject, message, trigger_payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id, user_id, channel) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		log.ID, log.EventID, log.UserID, log.EventType, log.Channel, log.Status,
		log.Recipient, log.Subject, log.Message, log.Trigger, log.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create notification log: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return log, true, nil
	}

	existing, err := r.getByTuple(ctx, log.EventID, log.UserID, log.Channel)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *notificationLogRepository) getByTuple(ctx context.Context, eventID, userID uuid.UUID, channel model.Channel) (*model.NotificationLog, error) {
	var log model.NotificationLog
	query := `SELECT ` + logColumns + ` FROM notification_logs WHERE event_id = $1 AND user_id = $2 AND channel = $3`
	if err := r.db.GetContext(ctx, &log, query, eventID, userID, channel); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification log by tuple: %w", err)
	}
	return &log, nil
}

func (r *notificationLogRepository) Get(ctx context.Context, id uuid.UUID) (*model.NotificationLog, error) {
	var log model.NotificationLog
	query := `SELECT ` + logColumns + ` FROM notification_logs WHERE id = $1`
	if err := r.db.GetContext(ctx, &log, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification log: %w", err)
	}
	return &log, nil
}

// MarkSent only fires from pending, so a redelivered job that already
// reached a terminal status cannot overwrite it.
func (r *notificationLogRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notification_logs SET status = $2, sent_at = $3 WHERE id = $1 AND status = $4`,
		id, model.NotificationStatusSent, sentAt, model.NotificationStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification log %s sent: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *notificationLogRepository) MarkFailed(ctx context.Context, id uuid.UUID, errText string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notification_logs SET status = $2, error_message = $3 WHERE id = $1 AND status = $4`,
		id, model.NotificationStatusFailed, errText, model.NotificationStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification log %s failed: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}
