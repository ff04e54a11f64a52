// Package e2e drives the whole orchestrator stack (API, services,
// batcher, scheduler, supervisor) over the in-memory store. Worker
// passes run synchronously so scenarios are deterministic without
// sleeping through real tickers.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/questgrid/dispatch/pkg/api"
	"github.com/questgrid/dispatch/pkg/batcher"
	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/scheduler"
	"github.com/questgrid/dispatch/pkg/services"
	"github.com/questgrid/dispatch/pkg/store"
	"github.com/questgrid/dispatch/pkg/supervisor"
	"github.com/stretchr/testify/require"
)

type app struct {
	t      *testing.T
	cfg    *config.Config
	store  store.Store
	index  *queueindex.Index
	router *gin.Engine

	batcher    *batcher.Batcher
	scheduler  *scheduler.Scheduler
	supervisor *supervisor.Supervisor
}

func newApp(t *testing.T, mutate func(cfg *config.Config)) *app {
	t.Helper()
	cfg := config.Default()
	cfg.MaxBatchWait = 100 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewMemory()
	ix := queueindex.New()
	batcherWake := make(chan struct{}, 1)
	schedWake := make(chan struct{}, 1)

	intake := services.NewIntakeService(st, ix, cfg, batcherWake)
	jobs := services.NewJobService(st, ix)
	agents := services.NewAgentService(st, cfg, schedWake)
	sup := supervisor.New(st, ix, cfg, batcherWake)
	sched := scheduler.New(st, cfg, schedWake)
	metrics := services.NewMetricsService(st, ix, sched)
	srv := api.NewServer(cfg, st, intake, jobs, agents, metrics, sup)

	return &app{
		t:          t,
		cfg:        cfg,
		store:      st,
		index:      ix,
		router:     srv.Router(),
		batcher:    batcher.New(st, ix, cfg, batcherWake, schedWake),
		scheduler:  sched,
		supervisor: sup,
	}
}

// tick runs one batching pass followed by one scheduling pass.
func (a *app) tick() {
	require.NoError(a.t, a.batcher.Pass(context.Background()))
	require.NoError(a.t, a.scheduler.Pass(context.Background()))
}

func (a *app) sweep(now time.Time) {
	ctx := context.Background()
	require.NoError(a.t, a.supervisor.SweepLeases(ctx, now))
	require.NoError(a.t, a.supervisor.SweepDeadlines(ctx, now))
}

func (a *app) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *app) submit(body map[string]any) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/jobs", body)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.JobID
}

func (a *app) registerAgent(target, platform string, capacity int) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/agents", map[string]any{
		"capabilities": map[string]any{
			"target":   target,
			"platform": platform,
		},
		"max_concurrent_batches": capacity,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

type pollResult struct {
	Batch *struct {
		ID           string   `json:"id"`
		MemberJobIDs []string `json:"member_job_ids"`
	} `json:"batch"`
	CancelBatchIDs []string `json:"cancel_batch_ids"`
}

func (a *app) poll(agentID string) pollResult {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/agents/"+agentID+"/poll", nil)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	var out pollResult
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (a *app) claim(batchID, agentID string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/batches/"+batchID+"/claim", map[string]any{"agent_id": agentID})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (a *app) report(batchID, agentID, jobID string, body map[string]any) *httptest.ResponseRecorder {
	a.t.Helper()
	payload := map[string]any{"agent_id": agentID, "job_id": jobID}
	for k, v := range body {
		payload[k] = v
	}
	return a.do(http.MethodPost, "/batches/"+batchID+"/report", payload)
}

func (a *app) job(id string) *models.Job {
	a.t.Helper()
	ctx := context.Background()
	var job *models.Job
	require.NoError(a.t, a.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, id)
		return err
	}))
	return job
}

func (a *app) batch(id string) *models.Batch {
	a.t.Helper()
	ctx := context.Background()
	var batch *models.Batch
	require.NoError(a.t, a.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		batch, err = tx.GetBatch(ctx, id)
		return err
	}))
	return batch
}

func (a *app) auditCount(kind, id string) int {
	a.t.Helper()
	ctx := context.Background()
	var n int
	require.NoError(a.t, a.store.Tx(ctx, func(tx store.Tx) error {
		entries, err := tx.AuditForEntity(ctx, kind, id)
		if err != nil {
			return err
		}
		n = len(entries)
		return nil
	}))
	return n
}

func submitPayload(org string, priority int) map[string]any {
	return map[string]any{
		"org_id":         org,
		"app_version_id": "v1",
		"test_path":      "t.spec",
		"target":         "emulator",
		"priority":       priority,
		"timeout_ms":     60000,
		"retry_budget":   0,
	}
}
