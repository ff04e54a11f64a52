package services

import (
	"context"
	"time"

	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/store"
)

// DispatchStats exposes the scheduler's dispatch counters without the
// metrics layer depending on the scheduler package.
type DispatchStats interface {
	// Total is the number of assignments committed since startup.
	Total() int64
	// RatePerMin is the assignment rate over the trailing minute.
	RatePerMin() float64
}

// MetricsService aggregates the operational snapshot served on /metrics.
type MetricsService struct {
	store    store.Store
	index    *queueindex.Index
	dispatch DispatchStats
}

// NewMetricsService creates a MetricsService. dispatch may be nil when
// no scheduler runs (tests).
func NewMetricsService(st store.Store, index *queueindex.Index, dispatch DispatchStats) *MetricsService {
	return &MetricsService{store: st, index: index, dispatch: dispatch}
}

// Snapshot gathers current queue depth, the longest wait among eligible
// pending jobs, entity-state breakdowns, and dispatch counters.
func (s *MetricsService) Snapshot(ctx context.Context) (*models.Metrics, error) {
	now := time.Now().UTC()
	m := &models.Metrics{QueueDepth: s.index.Len()}
	for _, key := range s.index.Keys() {
		if oldest, ok := s.index.OldestEligible(key, now); ok {
			if wait := now.Sub(oldest).Milliseconds(); wait > m.OldestWaitMS {
				m.OldestWaitMS = wait
			}
		}
	}
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		m.JobsByState, err = tx.CountJobsByState(ctx)
		if err != nil {
			return err
		}
		m.BatchesByState, err = tx.CountBatchesByState(ctx)
		if err != nil {
			return err
		}
		m.PendingBatches = m.BatchesByState[models.BatchStatePending]

		agents, err := tx.ListAgents(ctx)
		if err != nil {
			return err
		}
		m.AgentsByStatus = map[models.AgentStatus]int{}
		for _, a := range agents {
			m.AgentsByStatus[a.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	if s.dispatch != nil {
		m.DispatchesTotal = s.dispatch.Total()
		m.DispatchRate = s.dispatch.RatePerMin()
	}
	return m, nil
}
