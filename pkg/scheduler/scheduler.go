// Package scheduler binds sealed batches to eligible agents. Dispatch
// rotates across organizations, one assignment per turn, so no tenant
// can monopolize capacity. Within the organization whose turn it is,
// the highest effective priority wins, with ties broken by oldest
// member then batch id.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/services"
	"github.com/questgrid/dispatch/pkg/store"
)

// Scheduler is the background worker that assigns batches.
type Scheduler struct {
	store store.Store
	cfg   *config.Config

	// wake is poked by the batcher after a seal and by agent polls.
	wake <-chan struct{}

	// lastOrg is the round-robin cursor: the org that received the most
	// recent assignment. The next turn goes to the org after it.
	lastOrg string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	total      atomic.Int64
	recentMu   sync.Mutex
	recentSent []time.Time
}

// New creates a Scheduler.
func New(st store.Store, cfg *config.Config, wake <-chan struct{}) *Scheduler {
	return &Scheduler{
		store:  st,
		cfg:    cfg,
		wake:   wake,
		stopCh: make(chan struct{}),
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	slog.Info("Scheduler started", "lease", s.cfg.Lease)
}

// Stop terminates the loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// Total is the number of assignments committed since startup.
func (s *Scheduler) Total() int64 {
	return s.total.Load()
}

// RatePerMin is the assignment rate over the trailing minute.
func (s *Scheduler) RatePerMin() float64 {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	s.pruneRecentLocked(time.Now())
	return float64(len(s.recentSent))
}

func (s *Scheduler) recordDispatch(now time.Time) {
	s.total.Add(1)
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	s.recentSent = append(s.recentSent, now)
	s.pruneRecentLocked(now)
}

func (s *Scheduler) pruneRecentLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(s.recentSent) && s.recentSent[i].Before(cutoff) {
		i++
	}
	s.recentSent = s.recentSent[i:]
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		if err := s.Pass(ctx); err != nil {
			slog.Error("Scheduling pass failed", "error", err)
		}
	}
}

// Pass runs one scheduling pass: snapshot pending batches and agents,
// then commit assignments one at a time until nothing matches. Exported
// so tests can drive the scheduler synchronously.
func (s *Scheduler) Pass(ctx context.Context) error {
	now := time.Now().UTC()

	var pending []*models.Batch
	var agents []*models.Agent
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.BatchesByState(ctx, models.BatchStatePending)
		if err != nil {
			return err
		}
		agents, err = tx.ListAgents(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	// Per-org queues ordered best-first.
	byOrg := map[string][]*models.Batch{}
	for _, b := range pending {
		byOrg[b.OrgID] = append(byOrg[b.OrgID], b)
	}
	for org := range byOrg {
		sort.Slice(byOrg[org], func(i, j int) bool { return batchLess(byOrg[org][i], byOrg[org][j], now) })
	}

	// Track load locally so one pass does not over-commit an agent.
	load := map[string]int{}
	for _, a := range agents {
		load[a.ID] = len(a.CurrentBatchIDs)
	}

	orgs := make([]string, 0, len(byOrg))
	for org := range byOrg {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	// One assignment per turn, rotating across orgs from the cursor. The
	// org's own queue decides which batch takes the turn; the rotation
	// decides whose turn it is, so a backlog-heavy tenant cannot take
	// every slot.
	for {
		start := sort.SearchStrings(orgs, s.lastOrg)
		if start < len(orgs) && orgs[start] == s.lastOrg {
			start++
		}
		dispatched := false
		for i := 0; i < len(orgs); i++ {
			org := orgs[(start+i)%len(orgs)]
			queue := byOrg[org]
			if len(queue) == 0 {
				continue
			}
			idx, agent := s.pickAssignable(queue, agents, load, now)
			if idx < 0 {
				// Nothing in this org's queue matches any agent right now.
				byOrg[org] = nil
				continue
			}
			batch := queue[idx]
			byOrg[org] = append(queue[:idx], queue[idx+1:]...)

			ok, err := s.commitAssignment(ctx, batch.ID, agent.ID, now)
			if err != nil {
				return err
			}
			if ok {
				load[agent.ID]++
				s.lastOrg = org
				s.recordDispatch(now)
			}
			dispatched = true
			break
		}
		if !dispatched {
			return nil
		}
	}
}

// pickAssignable returns the first batch in the best-first queue that
// some agent can take, plus the chosen agent: least loaded, ties broken
// by earliest heartbeat.
func (s *Scheduler) pickAssignable(queue []*models.Batch, agents []*models.Agent, load map[string]int, now time.Time) (int, *models.Agent) {
	for i, batch := range queue {
		var best *models.Agent
		for _, a := range agents {
			if load[a.ID] >= a.MaxConcurrentBatches || !a.EligibleFor(batch, now, s.cfg.AgentLivenessWindow) {
				continue
			}
			if best == nil ||
				load[a.ID] < load[best.ID] ||
				(load[a.ID] == load[best.ID] && a.LastHeartbeatAt.Before(best.LastHeartbeatAt)) {
				best = a
			}
		}
		if best != nil {
			return i, best
		}
	}
	return -1, nil
}

// commitAssignment re-validates and writes the binding. Returns false
// without error when the batch or agent changed under us, including a
// batch whose members all went terminal while it waited (it is closed
// as DONE instead).
func (s *Scheduler) commitAssignment(ctx context.Context, batchID, agentID string, now time.Time) (bool, error) {
	committed := false
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		committed = false
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.State != models.BatchStatePending || batch.CancelRequested {
			return nil
		}

		closed, err := services.CloseBatchIfDone(ctx, tx, batch, now)
		if err != nil {
			return err
		}
		if closed {
			return nil
		}

		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if !agent.EligibleFor(batch, now, s.cfg.AgentLivenessWindow) {
			return nil
		}

		batch.State = models.BatchStateAssigned
		batch.AgentID = &agent.ID
		batch.AssignedAt = &now
		lease := now.Add(s.cfg.Lease)
		batch.LeaseExpiresAt = &lease
		batch.StateChangedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}

		agent.CurrentBatchIDs = append(agent.CurrentBatchIDs, batch.ID)
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, store.Audit(models.EntityBatch, batch.ID,
			string(models.BatchStatePending), string(models.BatchStateAssigned),
			models.ActorSystem, fmt.Sprintf("assigned to agent %s", agent.ID))); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrRevisionConflict) || errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if committed {
		slog.Info("Batch assigned", "batch_id", batchID, "agent_id", agentID)
	}
	return committed, nil
}

// batchLess orders batches best-first: effective priority DESC, oldest
// member ASC, id ASC.
func batchLess(a, b *models.Batch, now time.Time) bool {
	ap, bp := a.EffectivePriority(now), b.EffectivePriority(now)
	if ap != bp {
		return ap > bp
	}
	if !a.OldestSubmittedAt.Equal(b.OldestSubmittedAt) {
		return a.OldestSubmittedAt.Before(b.OldestSubmittedAt)
	}
	return a.ID < b.ID
}

