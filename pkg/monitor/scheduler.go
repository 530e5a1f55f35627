// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelpulse/pulse/pkg/config"
	"github.com/modelpulse/pulse/pkg/gateway"
	"github.com/modelpulse/pulse/pkg/health"
	"github.com/modelpulse/pulse/pkg/lease"
	"github.com/modelpulse/pulse/pkg/probe"
	"github.com/modelpulse/pulse/pkg/store"
)

const (
	// interBatchSleep paces consecutive busy batches.
	interBatchSleep = time.Second
	// idleSleep is the poll interval when nothing is due.
	idleSleep = 60 * time.Second
)

// CachePublisher is the slice of the publisher the scheduler drives after
// every iteration, busy or idle.
type CachePublisher interface {
	Publish(ctx context.Context) error
}

// Scheduler drains due models in priority order: query double the batch
// from the registry, keep what the lease coordinator grants (capped at the
// batch size), probe, process, repeat.
type Scheduler struct {
	store       *store.Store
	adapter     *gateway.Adapter
	coordinator lease.Coordinator
	executor    *probe.Executor
	processor   *Processor
	publisher   CachePublisher
	cfg         config.MonitorConfig
	log         *slog.Logger
}

// NewScheduler wires the scheduling pipeline. publisher may be nil when no
// cache backend is configured.
func NewScheduler(st *store.Store, adapter *gateway.Adapter, coordinator lease.Coordinator,
	executor *probe.Executor, processor *Processor, publisher CachePublisher,
	cfg config.MonitorConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if coordinator == nil {
		coordinator = lease.NoopCoordinator{}
	}
	return &Scheduler{
		store:       st,
		adapter:     adapter,
		coordinator: coordinator,
		executor:    executor,
		processor:   processor,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
	}
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		sleep := s.iterate(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// iterate runs one batch and returns how long to sleep before the next.
// A quiet iteration still republishes the cache so the documents never
// expire between due windows.
func (s *Scheduler) iterate(ctx context.Context) time.Duration {
	processed, err := s.RunBatch(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "monitor.scheduler.batch.failed",
			slog.String("error", err.Error()))
	}

	if processed == 0 {
		s.publish(ctx)
		return idleSleep
	}
	return interBatchSleep
}

// RunBatch executes one scheduler iteration and returns the number of
// probes processed.
func (s *Scheduler) RunBatch(ctx context.Context) (int, error) {
	batchSize := s.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	// Scope the window to probeable gateways; rows behind a missing API
	// key would otherwise pin the oldest next_check_at forever and starve
	// every configured model behind them.
	due, err := s.store.DueModels(ctx, time.Now(), 2*batchSize, s.adapter.ConfiguredGateways())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	retained := s.filter(ctx, due, batchSize)
	if len(retained) == 0 {
		return 0, nil
	}

	results := s.probeAll(ctx, retained)
	for _, res := range results {
		s.processor.Process(ctx, res)
	}

	s.log.DebugContext(ctx, "monitor.scheduler.batch",
		slog.Int("due", len(due)),
		slog.Int("retained", len(retained)),
		slog.Int("processed", len(results)))

	s.publish(ctx)
	return len(results), nil
}

// filter keeps candidates whose lease this worker wins, capped at the
// batch size.
func (s *Scheduler) filter(ctx context.Context, due []*health.TrackingRow, batchSize int) []*health.TrackingRow {
	retained := make([]*health.TrackingRow, 0, batchSize)
	for _, row := range due {
		if len(retained) >= batchSize {
			break
		}
		if !s.coordinator.TryAcquire(ctx, row.Identity) {
			continue
		}
		retained = append(retained, row)
	}
	return retained
}

// probeAll issues the retained probes concurrently; the executor's
// semaphore enforces the global cap.
func (s *Scheduler) probeAll(ctx context.Context, rows []*health.TrackingRow) []*health.CheckResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]*health.CheckResult, 0, len(rows))
	)
	for _, row := range rows {
		wg.Add(1)
		go func(row *health.TrackingRow) {
			defer wg.Done()
			res, err := s.executor.Execute(ctx, row.Identity, row.Tier, s.cfg.TierTimeout(row.Tier))
			if err != nil {
				s.log.DebugContext(ctx, "monitor.scheduler.probe.skipped",
					slog.String("model", row.Identity.String()),
					slog.String("error", err.Error()))
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(row)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) publish(ctx context.Context) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx); err != nil {
		s.log.ErrorContext(ctx, "monitor.scheduler.publish.failed",
			slog.String("error", err.Error()))
	}
}
