package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/stock-saga/internal/core/domain"
)

const outboxColumns = `message_id, message_type, payload, status, delivery_count, max_retries, next_retry_time,
	target_queue, COALESCE(trace_id, ''), COALESCE(error_message, ''), COALESCE(business_key, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.OutboxMessage, error) {
	var (
		m       domain.OutboxMessage
		payload []byte
	)
	err := row.Scan(&m.MessageID, &m.Type, &payload, &m.Status, &m.DeliveryCount, &m.MaxRetries, &m.NextRetryTime,
		&m.TargetQueue, &m.TraceID, &m.ErrorMessage, &m.BusinessKey, &m.CreatedAt, &m.UpdatedAt)
	m.Payload = payload
	return m, err
}

func (r *mysqlRepo) InsertMessage(ctx context.Context, msg domain.OutboxMessage) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO outbox_message (message_id, message_type, payload, status, delivery_count, max_retries,
			next_retry_time, target_queue, trace_id, error_message, business_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.Type, []byte(msg.Payload), msg.Status, msg.DeliveryCount, msg.MaxRetries,
		msg.NextRetryTime, msg.TargetQueue, nullString(msg.TraceID), nullString(msg.ErrorMessage),
		nullString(msg.BusinessKey), msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (r *mysqlRepo) GetMessage(ctx context.Context, messageID string) (*domain.OutboxMessage, error) {
	m, err := scanMessage(r.q.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_message WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox message: %w", err)
	}
	return &m, nil
}

func (r *mysqlRepo) MarkSent(ctx context.Context, messageID string, nextRetry time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE outbox_message
		SET status = ?, delivery_count = delivery_count + 1, next_retry_time = ?, updated_at = ?
		WHERE message_id = ? AND status IN (?, ?)`,
		domain.MessageStatusSent, nextRetry, time.Now(),
		messageID, domain.MessageStatusPending, domain.MessageStatusSent,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message sent: %w", err)
	}
	return r.requireMessage(ctx, result, messageID)
}

func (r *mysqlRepo) MarkConfirmed(ctx context.Context, messageID string) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE outbox_message SET status = ?, updated_at = ?
		WHERE message_id = ? AND status IN (?, ?)`,
		domain.MessageStatusConfirmed, time.Now(),
		messageID, domain.MessageStatusPending, domain.MessageStatusSent,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message confirmed: %w", err)
	}
	return r.requireMessage(ctx, result, messageID)
}

func (r *mysqlRepo) MarkDeliveryFailed(ctx context.Context, messageID, errMsg string, now time.Time, initialDelay time.Duration) (*domain.OutboxMessage, error) {
	current, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	next := current.DeliveryFailed(truncate(errMsg, 512), now, initialDelay)
	result, err := r.q.ExecContext(ctx, `
		UPDATE outbox_message
		SET status = ?, delivery_count = ?, next_retry_time = ?, error_message = ?, updated_at = ?
		WHERE message_id = ? AND status = ? AND delivery_count = ?`,
		next.Status, next.DeliveryCount, next.NextRetryTime, nullString(next.ErrorMessage), next.UpdatedAt,
		messageID, current.Status, current.DeliveryCount,
	)
	if err != nil {
		return nil, fmt.Errorf("mark outbox delivery failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark outbox delivery failed: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("mark outbox delivery failed %s: %w", messageID, domain.ErrOptimisticConflict)
	}
	return &next, nil
}

func (r *mysqlRepo) MarkExhausted(ctx context.Context, messageID, errMsg string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE outbox_message SET status = ?, error_message = ?, updated_at = ?
		WHERE message_id = ? AND status = ?`,
		domain.MessageStatusFailed, nullString(truncate(errMsg, 512)), time.Now(),
		messageID, domain.MessageStatusSent,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message exhausted: %w", err)
	}
	return nil
}

func (r *mysqlRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	return r.queryMessages(ctx, `
		SELECT `+outboxColumns+` FROM outbox_message
		WHERE status IN (?, ?) AND next_retry_time <= ? AND delivery_count < max_retries
		ORDER BY next_retry_time LIMIT ?`,
		domain.MessageStatusPending, domain.MessageStatusSent, now, limit,
	)
}

func (r *mysqlRepo) FindExhausted(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	return r.queryMessages(ctx, `
		SELECT `+outboxColumns+` FROM outbox_message
		WHERE status = ? AND next_retry_time <= ? AND delivery_count >= max_retries
		ORDER BY next_retry_time LIMIT ?`,
		domain.MessageStatusSent, now, limit,
	)
}

func (r *mysqlRepo) ExistsByBusinessKey(ctx context.Context, businessKey string) (bool, error) {
	var one int
	err := r.q.QueryRowContext(ctx,
		`SELECT 1 FROM outbox_message WHERE business_key = ? LIMIT 1`, businessKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query outbox business key: %w", err)
	}
	return true, nil
}

func (r *mysqlRepo) queryMessages(ctx context.Context, query string, args ...any) ([]domain.OutboxMessage, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox messages: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return out, nil
}

// requireMessage turns a no-op update into ErrMessageNotFound when the row
// does not exist. Terminal rows are left alone silently.
func (r *mysqlRepo) requireMessage(ctx context.Context, result sql.Result, messageID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	_, err = r.GetMessage(ctx, messageID)
	return err
}
