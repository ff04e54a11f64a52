package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/questgrid/dispatch/pkg/models"
)

func (t *pgTx) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO audit_log (entity_kind, entity_id, from_state, to_state, actor, cause, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		entry.EntityKind, entry.EntityID, entry.FromState, entry.ToState,
		string(entry.Actor), entry.Cause, entry.At).Scan(&entry.ID)
}

func (t *pgTx) AuditForEntity(ctx context.Context, kind, id string) ([]*models.AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, entity_kind, entity_id, from_state, to_state, actor, cause, at
		FROM audit_log WHERE entity_kind = $1 AND entity_id = $2 ORDER BY id`,
		kind, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var actor string
		if err := rows.Scan(&e.ID, &e.EntityKind, &e.EntityID, &e.FromState,
			&e.ToState, &actor, &e.Cause, &e.At); err != nil {
			return nil, err
		}
		e.Actor = models.AuditActor(actor)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (t *pgTx) PutDedup(ctx context.Context, clientRequestID, jobID string, expiresAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO dedup (client_request_id, job_id, expires_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (client_request_id) DO UPDATE
			SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at`,
		clientRequestID, jobID, expiresAt)
	return err
}

func (t *pgTx) GetDedup(ctx context.Context, clientRequestID string, now time.Time) (string, bool, error) {
	var jobID string
	err := t.tx.QueryRow(ctx, `
		SELECT job_id FROM dedup WHERE client_request_id = $1 AND expires_at >= $2`,
		clientRequestID, now).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return jobID, true, nil
}

func (t *pgTx) PurgeDedup(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM dedup WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
