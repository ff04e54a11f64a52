package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/questgrid/dispatch/pkg/models"
)

const jobCols = `id, org_id, app_version_id, test_path, target, device_requirements,
	priority, timeout_ms, retry_budget, state, batch_id, attempt, client_request_id,
	cancel_requested, cancel_reason, not_before, progress, result,
	submitted_at, state_changed_at, started_at, finished_at, revision`

func (t *pgTx) CreateJob(ctx context.Context, job *models.Job) error {
	reqs, err := json.Marshal(job.DeviceRequirements)
	if err != nil {
		return fmt.Errorf("encoding device requirements: %w", err)
	}
	if job.Revision == 0 {
		job.Revision = 1
	}
	var clientRequestID *string
	if job.ClientRequestID != "" {
		clientRequestID = &job.ClientRequestID
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO jobs (id, org_id, app_version_id, test_path, target, device_requirements,
			priority, timeout_ms, retry_budget, state, batch_id, attempt, client_request_id,
			cancel_requested, cancel_reason, not_before, progress, result,
			submitted_at, state_changed_at, started_at, finished_at, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		job.ID, job.OrgID, job.AppVersionID, job.TestPath, string(job.Target), reqs,
		job.Priority, job.Timeout.Milliseconds(), job.RetryBudget, string(job.State),
		job.BatchID, job.Attempt, clientRequestID,
		job.CancelRequested, job.CancelReason, job.NotBefore,
		nullableJSON(job.Progress), nullableJSON(job.Result),
		job.SubmittedAt, job.StateChangedAt, job.StartedAt, job.FinishedAt, job.Revision)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (t *pgTx) UpdateJob(ctx context.Context, job *models.Job) error {
	reqs, err := json.Marshal(job.DeviceRequirements)
	if err != nil {
		return fmt.Errorf("encoding device requirements: %w", err)
	}
	row := t.tx.QueryRow(ctx, `
		UPDATE jobs SET
			device_requirements = $2, priority = $3, state = $4, batch_id = $5,
			attempt = $6, cancel_requested = $7, cancel_reason = $8, not_before = $9,
			progress = $10, result = $11, state_changed_at = $12,
			started_at = $13, finished_at = $14, revision = revision + 1
		WHERE id = $1 AND revision = $15
		RETURNING revision`,
		job.ID, reqs, job.Priority, string(job.State), job.BatchID,
		job.Attempt, job.CancelRequested, job.CancelReason, job.NotBefore,
		nullableJSON(job.Progress), nullableJSON(job.Result), job.StateChangedAt,
		job.StartedAt, job.FinishedAt, job.Revision)
	if err := row.Scan(&job.Revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t.updateMiss(ctx, "jobs", job.ID)
		}
		return err
	}
	return nil
}

// updateMiss distinguishes a missing row from a revision mismatch after
// an optimistic update touched zero rows.
func (t *pgTx) updateMiss(ctx context.Context, table, id string) error {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrRevisionConflict
}

func (t *pgTx) ListJobs(ctx context.Context, f models.JobFilters) (*models.JobList, error) {
	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.State != "" {
		add("state = $%d", string(f.State))
	}
	if f.AppVersionID != "" {
		add("app_version_id = $%d", f.AppVersionID)
	}
	if f.Target != "" {
		add("target = $%d", string(f.Target))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := `SELECT ` + jobCols + ` FROM jobs WHERE ` + cond + ` ORDER BY submitted_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	return &models.JobList{Jobs: jobs, TotalCount: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func (t *pgTx) JobsByState(ctx context.Context, states ...models.JobState) ([]*models.Job, error) {
	vals := make([]string, len(states))
	for i, s := range states {
		vals[i] = string(s)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE state = ANY($1) ORDER BY submitted_at, id`, vals)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (t *pgTx) CountJobsByState(ctx context.Context) (map[models.JobState]int, error) {
	rows, err := t.tx.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[models.JobState(state)] = n
	}
	return out, rows.Err()
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job             models.Job
		target, state   string
		reqs            []byte
		timeoutMS       int64
		clientRequestID *string
		progress        []byte
		result          []byte
	)
	err := row.Scan(&job.ID, &job.OrgID, &job.AppVersionID, &job.TestPath, &target, &reqs,
		&job.Priority, &timeoutMS, &job.RetryBudget, &state, &job.BatchID, &job.Attempt,
		&clientRequestID, &job.CancelRequested, &job.CancelReason, &job.NotBefore,
		&progress, &result,
		&job.SubmittedAt, &job.StateChangedAt, &job.StartedAt, &job.FinishedAt, &job.Revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job.Target = models.Target(target)
	job.State = models.JobState(state)
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if clientRequestID != nil {
		job.ClientRequestID = *clientRequestID
	}
	if err := json.Unmarshal(reqs, &job.DeviceRequirements); err != nil {
		return nil, fmt.Errorf("decoding device requirements: %w", err)
	}
	if len(progress) > 0 {
		job.Progress = &models.JobProgress{}
		if err := json.Unmarshal(progress, job.Progress); err != nil {
			return nil, fmt.Errorf("decoding progress: %w", err)
		}
	}
	if len(result) > 0 {
		job.Result = &models.JobResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
	}
	return &job, nil
}

// nullableJSON encodes v as jsonb, passing NULL for nil pointers.
func nullableJSON(v any) any {
	switch x := v.(type) {
	case *models.JobProgress:
		if x == nil {
			return nil
		}
	case *models.JobResult:
		if x == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
