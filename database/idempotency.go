package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

// GetIdempotencyRecord retrieves a live record for a key. An expired record
// is removed and reported as NotFound, so callers never act on stale results.
func (d Datasource) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	ctx, span := otel.Tracer("idempotency.datasource").Start(ctx, "Getting idempotency record from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT idempotency_key, result, created_at, expires_at
		FROM steady.idempotency
		WHERE idempotency_key = $1
	`, key)

	record := &model.IdempotencyRecord{}
	var result []byte
	err := row.Scan(&record.IdempotencyKey, &result, &record.CreatedAt, &record.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No idempotency record for key '%s'", key), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve idempotency record", err)
	}
	record.Result = json.RawMessage(result)

	if record.Expired(time.Now().UTC()) {
		_, _ = d.Conn.ExecContext(ctx, `DELETE FROM steady.idempotency WHERE idempotency_key = $1 AND expires_at = $2`, key, record.ExpiresAt)
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Idempotency record for key '%s' has expired", key), nil)
	}

	return record, nil
}

// PutIdempotencyRecord is strictly create-if-absent. When two concurrent
// successful processing attempts race on the same key, the second writer
// receives Conflict and must discard its own result in favour of the first.
func (d Datasource) PutIdempotencyRecord(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer("idempotency.datasource").Start(ctx, "Saving idempotency record to db")
	defer span.End()

	now := time.Now().UTC()
	res, err := d.Conn.ExecContext(ctx,
		`INSERT INTO steady.idempotency(idempotency_key,result,created_at,expires_at) VALUES ($1,$2,$3,$4) ON CONFLICT (idempotency_key) DO NOTHING`,
		key, result, now, now.Add(ttl),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record idempotency key", err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Idempotency key '%s' already recorded", key), nil)
	}
	return nil
}
