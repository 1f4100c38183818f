package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lib/pq"
	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

const activeStatusFilter = `status IN ('ADVANCING', 'HOLDING', 'ROLLING_BACK', 'ROLLBACK_STUCK')`

// CreateRollout inserts a new rollout row. The partial unique index on
// (environment, name) over non-terminal statuses is what enforces the
// one-active-rollout-per-unit invariant; a violation surfaces as Conflict.
func (d Datasource) CreateRollout(ctx context.Context, state *model.RolloutState) (*model.RolloutState, error) {
	ctx, span := otel.Tracer("rollout.datasource").Start(ctx, "Saving rollout to db")
	defer span.End()

	planJSON, err := json.Marshal(state.Plan)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal rollout plan", err)
	}
	metaDataJSON, err := json.Marshal(state.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO steady.rollouts(rollout_id,unit_name,unit_environment,stable_version,stable_description,candidate_version,candidate_description,plan,current_stage_index,stage_entered_at,status,created_at,meta_data) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		state.RolloutID, state.Unit.Name, state.Unit.Environment, state.StableVersion.ID, state.StableVersion.Description, state.CandidateVersion.ID, state.CandidateVersion.Description, planJSON, state.CurrentStageIndex, state.StageEnteredAt, state.Status, state.CreatedAt, metaDataJSON,
	)

	if err != nil {
		var pqErr *pq.Error
		if ok := asPqError(err, &pqErr); ok && pqErr.Code == "23505" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("A rollout is already active for unit '%s'", state.Unit.Key()), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record rollout", err)
	}

	d.invalidateRolloutCache(ctx, state.Unit)
	return state, nil
}

// GetRollout retrieves a rollout by its ID.
func (d Datasource) GetRollout(ctx context.Context, rolloutID string) (*model.RolloutState, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT rollout_id, unit_name, unit_environment, stable_version, stable_description, candidate_version, candidate_description, plan, current_stage_index, stage_entered_at, holding_since, status, created_at, meta_data
		FROM steady.rollouts
		WHERE rollout_id = $1
	`, rolloutID)

	state, err := scanRollout(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Rollout with ID '%s' not found", rolloutID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve rollout", err)
	}
	return state, nil
}

// GetActiveRollout retrieves the single non-terminal rollout for a unit.
// Reads go through the cache; every durable write invalidates the entry.
func (d Datasource) GetActiveRollout(ctx context.Context, unit model.DeployableUnit) (*model.RolloutState, error) {
	if d.Cache != nil {
		cached := &model.RolloutState{}
		if err := d.Cache.Get(ctx, "rollout:"+unit.Key(), cached); err == nil && cached.RolloutID != "" {
			return cached, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT rollout_id, unit_name, unit_environment, stable_version, stable_description, candidate_version, candidate_description, plan, current_stage_index, stage_entered_at, holding_since, status, created_at, meta_data
		FROM steady.rollouts
		WHERE unit_environment = $1 AND unit_name = $2 AND `+activeStatusFilter+`
	`, unit.Environment, unit.Name)

	state, err := scanRollout(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No active rollout for unit '%s'", unit.Key()), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve active rollout", err)
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, "rollout:"+unit.Key(), state, 30*time.Second)
	}
	return state, nil
}

// GetActiveRollouts retrieves every non-terminal rollout, oldest first. The
// scheduler walks this list once per tick.
func (d Datasource) GetActiveRollouts(ctx context.Context) ([]*model.RolloutState, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT rollout_id, unit_name, unit_environment, stable_version, stable_description, candidate_version, candidate_description, plan, current_stage_index, stage_entered_at, holding_since, status, created_at, meta_data
		FROM steady.rollouts
		WHERE `+activeStatusFilter+`
		ORDER BY created_at
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve active rollouts", err)
	}
	defer rows.Close()

	var states []*model.RolloutState
	for rows.Next() {
		state, err := scanRollout(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan rollout", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate rollouts", err)
	}
	return states, nil
}

// UpdateRolloutState persists the mutable portion of a rollout: stage index,
// stage entry time, holding marker, status and metadata. The rollback path
// stashes its trigger source in the metadata, so a crash mid-rollback must
// find it in durable state on resume. The identity fields and the plan never
// change after creation.
func (d Datasource) UpdateRolloutState(ctx context.Context, state *model.RolloutState) error {
	ctx, span := otel.Tracer("rollout.datasource").Start(ctx, "Updating rollout state")
	defer span.End()

	var holdingSince interface{}
	if !state.HoldingSince.IsZero() {
		holdingSince = state.HoldingSince
	}
	metaDataJSON, err := json.Marshal(state.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE steady.rollouts
		SET current_stage_index = $2, stage_entered_at = $3, holding_since = $4, status = $5, meta_data = $6
		WHERE rollout_id = $1
	`, state.RolloutID, state.CurrentStageIndex, state.StageEnteredAt, holdingSince, state.Status, metaDataJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update rollout state", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Rollout with ID '%s' not found", state.RolloutID), nil)
	}

	d.invalidateRolloutCache(ctx, state.Unit)
	return nil
}

// RecordRolloutEvent appends one entry to the audit trail. Events are never
// updated or deleted.
func (d Datasource) RecordRolloutEvent(ctx context.Context, event *model.RolloutEvent) error {
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO steady.rollout_events(event_id,rollout_id,stage_index,weight,verdict,status,reason,trigger_source,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.EventID, event.RolloutID, event.StageIndex, event.Weight, event.Verdict, event.Status, event.Reason, event.Trigger, event.CreatedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record rollout event", err)
	}
	return nil
}

// GetRolloutEvents retrieves the audit trail for a rollout, oldest first.
func (d Datasource) GetRolloutEvents(ctx context.Context, rolloutID string, limit, offset int) ([]model.RolloutEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, rollout_id, stage_index, weight, verdict, status, reason, trigger_source, created_at
		FROM steady.rollout_events
		WHERE rollout_id = $1
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`, rolloutID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve rollout events", err)
	}
	defer rows.Close()

	var events []model.RolloutEvent
	for rows.Next() {
		var event model.RolloutEvent
		var verdict, reason, trigger sql.NullString
		err := rows.Scan(&event.EventID, &event.RolloutID, &event.StageIndex, &event.Weight, &verdict, &event.Status, &reason, &trigger, &event.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan rollout event", err)
		}
		event.Verdict = verdict.String
		event.Reason = reason.String
		event.Trigger = trigger.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate rollout events", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRollout(row rowScanner) (*model.RolloutState, error) {
	state := &model.RolloutState{}
	var planJSON, metaDataJSON []byte
	var holdingSince sql.NullTime
	var stableDescription, candidateDescription sql.NullString

	err := row.Scan(&state.RolloutID, &state.Unit.Name, &state.Unit.Environment, &state.StableVersion.ID, &stableDescription, &state.CandidateVersion.ID, &candidateDescription, &planJSON, &state.CurrentStageIndex, &state.StageEnteredAt, &holdingSince, &state.Status, &state.CreatedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}

	state.StableVersion.Description = stableDescription.String
	state.CandidateVersion.Description = candidateDescription.String
	if holdingSince.Valid {
		state.HoldingSince = holdingSince.Time
	}
	if err := json.Unmarshal(planJSON, &state.Plan); err != nil {
		return nil, err
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &state.MetaData); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// invalidateRolloutCache drops the cached status entry for a unit so reads
// always reflect the last durably-recorded state.
func (d Datasource) invalidateRolloutCache(ctx context.Context, unit model.DeployableUnit) {
	if d.Cache == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	_ = d.Cache.Delete(cacheCtx, "rollout:"+unit.Key())
}

func asPqError(err error, target **pq.Error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		*target = pqErr
		return true
	}
	return false
}
