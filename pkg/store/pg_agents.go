package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/questgrid/dispatch/pkg/models"
)

const agentCols = `id, capabilities, max_concurrent_batches, current_batch_ids,
	status, last_heartbeat_at, registered_at, revision`

func (t *pgTx) CreateAgent(ctx context.Context, agent *models.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	current, err := json.Marshal(batchIDsOrEmpty(agent.CurrentBatchIDs))
	if err != nil {
		return fmt.Errorf("encoding current batch ids: %w", err)
	}
	if agent.Revision == 0 {
		agent.Revision = 1
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO agents (id, capabilities, max_concurrent_batches, current_batch_ids,
			status, last_heartbeat_at, registered_at, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		agent.ID, caps, agent.MaxConcurrentBatches, current,
		string(agent.Status), agent.LastHeartbeatAt, agent.RegisteredAt, agent.Revision)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (t *pgTx) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	current, err := json.Marshal(batchIDsOrEmpty(agent.CurrentBatchIDs))
	if err != nil {
		return fmt.Errorf("encoding current batch ids: %w", err)
	}
	row := t.tx.QueryRow(ctx, `
		UPDATE agents SET
			max_concurrent_batches = $2, current_batch_ids = $3, status = $4,
			last_heartbeat_at = $5, revision = revision + 1
		WHERE id = $1 AND revision = $6
		RETURNING revision`,
		agent.ID, agent.MaxConcurrentBatches, current, string(agent.Status),
		agent.LastHeartbeatAt, agent.Revision)
	if err := row.Scan(&agent.Revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t.updateMiss(ctx, "agents", agent.ID)
		}
		return err
	}
	return nil
}

func (t *pgTx) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+agentCols+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var (
		agent         models.Agent
		status        string
		caps, current []byte
	)
	err := row.Scan(&agent.ID, &caps, &agent.MaxConcurrentBatches, &current,
		&status, &agent.LastHeartbeatAt, &agent.RegisteredAt, &agent.Revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	agent.Status = models.AgentStatus(status)
	if err := json.Unmarshal(caps, &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if err := json.Unmarshal(current, &agent.CurrentBatchIDs); err != nil {
		return nil, fmt.Errorf("decoding current batch ids: %w", err)
	}
	return &agent, nil
}

func batchIDsOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
