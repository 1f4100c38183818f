package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

// EnqueueMessage parks a poison message. The message ID is the caller's; a
// duplicate enqueue of the same ID is treated as already-parked rather than
// an error, since the processor may crash between enqueue and acknowledge.
func (d Datasource) EnqueueMessage(ctx context.Context, message *model.QuarantinedMessage) error {
	ctx, span := otel.Tracer("quarantine.datasource").Start(ctx, "Saving quarantined message to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO steady.quarantine(message_id,payload,first_failed_at,last_attempt_at,attempt_count,last_error) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (message_id) DO NOTHING`,
		message.MessageID, []byte(message.Payload), message.FirstFailedAt, message.LastAttemptAt, message.AttemptCount, message.LastError,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to quarantine message", err)
	}
	return nil
}

// DequeueBatch pulls the n oldest messages not attempted since retryBefore.
// A failed replay bumps last_attempt_at, so passing the cycle start time
// excludes everything the running cycle has already tried; a message gets at
// most one attempt per cycle. Only one replay cycle runs at a time (the
// cycle task has a fixed task ID), so no row locking is needed here.
func (d Datasource) DequeueBatch(ctx context.Context, n int, retryBefore time.Time) ([]*model.QuarantinedMessage, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT message_id, payload, first_failed_at, last_attempt_at, attempt_count, last_error
		FROM steady.quarantine
		WHERE last_attempt_at < $2
		ORDER BY first_failed_at
		LIMIT $1
	`, n, retryBefore)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to dequeue quarantine batch", err)
	}
	defer rows.Close()

	return scanQuarantineRows(rows)
}

// DeleteMessage removes a message after successful replay or manual discard.
func (d Datasource) DeleteMessage(ctx context.Context, messageID string) error {
	result, err := d.Conn.ExecContext(ctx, `DELETE FROM steady.quarantine WHERE message_id = $1`, messageID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete quarantined message", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Quarantined message with ID '%s' not found", messageID), nil)
	}
	return nil
}

// UpdateAttempt records one failed replay attempt: bumps the counter and
// overwrites the last error and attempt time. Nothing else on the row is
// ever mutated.
func (d Datasource) UpdateAttempt(ctx context.Context, messageID string, attemptErr string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE steady.quarantine
		SET attempt_count = attempt_count + 1, last_attempt_at = $2, last_error = $3
		WHERE message_id = $1
	`, messageID, time.Now().UTC(), attemptErr)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update quarantine attempt", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Quarantined message with ID '%s' not found", messageID), nil)
	}
	return nil
}

// GetQuarantinedMessages lists parked messages for the operator surface.
func (d Datasource) GetQuarantinedMessages(ctx context.Context, limit, offset int) ([]*model.QuarantinedMessage, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT message_id, payload, first_failed_at, last_attempt_at, attempt_count, last_error
		FROM steady.quarantine
		ORDER BY first_failed_at
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve quarantined messages", err)
	}
	defer rows.Close()

	return scanQuarantineRows(rows)
}

// CountQuarantinedMessages counts parked messages.
func (d Datasource) CountQuarantinedMessages(ctx context.Context) (int64, error) {
	var count int64
	err := d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM steady.quarantine`).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count quarantined messages", err)
	}
	return count, nil
}

func scanQuarantineRows(rows *sql.Rows) ([]*model.QuarantinedMessage, error) {
	var messages []*model.QuarantinedMessage
	for rows.Next() {
		message := &model.QuarantinedMessage{}
		var payload []byte
		var lastError sql.NullString
		err := rows.Scan(&message.MessageID, &payload, &message.FirstFailedAt, &message.LastAttemptAt, &message.AttemptCount, &lastError)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan quarantined message", err)
		}
		message.Payload = payload
		message.LastError = lastError.String
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate quarantined messages", err)
	}
	return messages, nil
}
