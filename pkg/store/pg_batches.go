package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/questgrid/dispatch/pkg/models"
)

const batchCols = `id, org_id, app_version_id, target, device_requirements, member_job_ids,
	priority, state, agent_id, cancel_requested, oldest_submitted_at, sealed_at,
	assigned_at, started_at, deadline, lease_expires_at, state_changed_at, revision`

func (t *pgTx) CreateBatch(ctx context.Context, batch *models.Batch) error {
	reqs, err := json.Marshal(batch.DeviceRequirements)
	if err != nil {
		return fmt.Errorf("encoding device requirements: %w", err)
	}
	members, err := json.Marshal(batch.MemberJobIDs)
	if err != nil {
		return fmt.Errorf("encoding member ids: %w", err)
	}
	if batch.Revision == 0 {
		batch.Revision = 1
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO batches (id, org_id, app_version_id, target, device_requirements,
			member_job_ids, priority, state, agent_id, cancel_requested,
			oldest_submitted_at, sealed_at, assigned_at, started_at, deadline,
			lease_expires_at, state_changed_at, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		batch.ID, batch.OrgID, batch.AppVersionID, string(batch.Target), reqs,
		members, batch.Priority, string(batch.State), batch.AgentID, batch.CancelRequested,
		batch.OldestSubmittedAt, batch.SealedAt, batch.AssignedAt, batch.StartedAt,
		batch.Deadline, batch.LeaseExpiresAt, batch.StateChangedAt, batch.Revision)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+batchCols+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (t *pgTx) UpdateBatch(ctx context.Context, batch *models.Batch) error {
	members, err := json.Marshal(batch.MemberJobIDs)
	if err != nil {
		return fmt.Errorf("encoding member ids: %w", err)
	}
	row := t.tx.QueryRow(ctx, `
		UPDATE batches SET
			member_job_ids = $2, priority = $3, state = $4, agent_id = $5,
			cancel_requested = $6, assigned_at = $7, started_at = $8, deadline = $9,
			lease_expires_at = $10, state_changed_at = $11, revision = revision + 1
		WHERE id = $1 AND revision = $12
		RETURNING revision`,
		batch.ID, members, batch.Priority, string(batch.State), batch.AgentID,
		batch.CancelRequested, batch.AssignedAt, batch.StartedAt, batch.Deadline,
		batch.LeaseExpiresAt, batch.StateChangedAt, batch.Revision)
	if err := row.Scan(&batch.Revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t.updateMiss(ctx, "batches", batch.ID)
		}
		return err
	}
	return nil
}

func (t *pgTx) BatchesByState(ctx context.Context, states ...models.BatchState) ([]*models.Batch, error) {
	vals := make([]string, len(states))
	for i, s := range states {
		vals[i] = string(s)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+batchCols+` FROM batches WHERE state = ANY($1) ORDER BY sealed_at, id`, vals)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

func (t *pgTx) CountBatches(ctx context.Context, state models.BatchState) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM batches WHERE state = $1`, string(state)).Scan(&n)
	return n, err
}

func (t *pgTx) CountBatchesByState(ctx context.Context) (map[models.BatchState]int, error) {
	rows, err := t.tx.Query(ctx, `SELECT state, COUNT(*) FROM batches GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.BatchState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[models.BatchState(state)] = n
	}
	return out, rows.Err()
}

// LeaseExpiredBatches locks the matching rows so concurrent sweepers on
// other replicas skip them instead of colliding.
func (t *pgTx) LeaseExpiredBatches(ctx context.Context, now time.Time) ([]*models.Batch, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+batchCols+` FROM batches
		WHERE state = ANY($1) AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
		ORDER BY id
		FOR UPDATE SKIP LOCKED`,
		[]string{string(models.BatchStateAssigned), string(models.BatchStateRunning)}, now)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

func (t *pgTx) DeadlineExceededBatches(ctx context.Context, now time.Time) ([]*models.Batch, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+batchCols+` FROM batches
		WHERE state = $1 AND deadline IS NOT NULL AND deadline < $2
		ORDER BY id
		FOR UPDATE SKIP LOCKED`,
		string(models.BatchStateRunning), now)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

func scanBatches(rows pgx.Rows) ([]*models.Batch, error) {
	defer rows.Close()
	var out []*models.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (*models.Batch, error) {
	var (
		batch         models.Batch
		target, state string
		reqs, members []byte
	)
	err := row.Scan(&batch.ID, &batch.OrgID, &batch.AppVersionID, &target, &reqs, &members,
		&batch.Priority, &state, &batch.AgentID, &batch.CancelRequested,
		&batch.OldestSubmittedAt, &batch.SealedAt, &batch.AssignedAt, &batch.StartedAt,
		&batch.Deadline, &batch.LeaseExpiresAt, &batch.StateChangedAt, &batch.Revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	batch.Target = models.Target(target)
	batch.State = models.BatchState(state)
	if err := json.Unmarshal(reqs, &batch.DeviceRequirements); err != nil {
		return nil, fmt.Errorf("decoding device requirements: %w", err)
	}
	if err := json.Unmarshal(members, &batch.MemberJobIDs); err != nil {
		return nil, fmt.Errorf("decoding member ids: %w", err)
	}
	return &batch, nil
}
