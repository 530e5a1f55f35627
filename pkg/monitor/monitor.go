// SPDX-License-Identifier: Apache-2.0

// Package monitor hosts the long-running loops of the health monitor: the
// scheduler that drains due probes, the uptime aggregator, the tier
// updater and the incident resolver, all supervised by one Monitor.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
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
	tierUpdateInterval      = time.Hour
	aggregateInterval       = 5 * time.Minute
	incidentResolveInterval = 10 * time.Minute
	historyPruneInterval    = 24 * time.Hour
)

// Monitor owns the background loops and their shared components. One
// instance per process; the supervising layer holds it and forwards
// control calls.
type Monitor struct {
	cfg       *config.Config
	store     *store.Store
	adapter   *gateway.Adapter
	executor  *probe.Executor
	processor *Processor
	scheduler *Scheduler
	resolver  *IncidentResolver
	tiers     *TierUpdater
	agg       *Aggregator
	log       *slog.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a monitor. coordinator and publisher may be nil; the
// scheduler then runs uncoordinated and without cache publication.
func New(cfg *config.Config, st *store.Store, coordinator lease.Coordinator,
	publisher CachePublisher, client probe.Doer, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	adapter := gateway.NewAdapter(cfg.APIKeys)
	executor := probe.New(adapter, cfg.Monitor.MaxConcurrentChecks, client)
	processor := NewProcessor(st, cfg.Monitor, log)
	return &Monitor{
		cfg:       cfg,
		store:     st,
		adapter:   adapter,
		executor:  executor,
		processor: processor,
		scheduler: NewScheduler(st, adapter, coordinator, executor, processor, publisher, cfg.Monitor, log),
		resolver:  NewIncidentResolver(st, cfg.Monitor.SuccessThreshold, log),
		tiers:     NewTierUpdater(st, log),
		agg:       NewAggregator(st, log),
		log:       log,
	}
}

// Start launches the background loops. Calling Start on a running monitor
// is an error.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return fmt.Errorf("monitor already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.active = true

	m.spawn(runCtx, "scheduler", func(ctx context.Context) {
		m.scheduler.Run(ctx)
	})
	m.spawnTicker(runCtx, "tiers", tierUpdateInterval, m.tiers.RunOnce)
	m.spawnTicker(runCtx, "aggregator", aggregateInterval, m.agg.RunOnce)
	m.spawnTicker(runCtx, "incident_resolver", incidentResolveInterval, m.resolver.RunOnce)
	m.spawnTicker(runCtx, "history_prune", historyPruneInterval, m.pruneHistory)

	m.log.InfoContext(ctx, "monitor.started",
		slog.Int("batch_size", m.cfg.Monitor.BatchSize),
		slog.Int("max_concurrent_checks", m.cfg.Monitor.MaxConcurrentChecks),
		slog.Bool("redis_coordination", m.cfg.Monitor.RedisCoordination))
	return nil
}

// Stop cancels all loops and waits for them to drain, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.InfoContext(ctx, "monitor.stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor shutdown timed out: %w", ctx.Err())
	}
}

// Active reports whether the loops are running.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// CheckModelOnDemand forces a single probe outside the schedule, runs the
// result through the processor and returns the probe outcome. Used by
// admin and debug surfaces.
func (m *Monitor) CheckModelOnDemand(ctx context.Context, provider, model, gw string) (*health.CheckResult, error) {
	id := health.ModelIdentity{Provider: provider, Model: model, Gateway: gw}

	tier := health.TierStandard
	if row, err := m.store.GetTracking(ctx, id); err == nil {
		tier = row.Tier
	}

	res, err := m.executor.Execute(ctx, id, tier, m.cfg.Monitor.TierTimeout(tier))
	if err != nil {
		return nil, err
	}
	m.processor.Process(ctx, res)
	return res, nil
}

// HealthSummary returns an in-memory snapshot suitable for direct JSON
// exposure by the supervising layer.
func (m *Monitor) HealthSummary(ctx context.Context) (map[string]any, error) {
	tracked, err := m.store.TrackedCount(ctx)
	if err != nil {
		return nil, err
	}
	total, err := m.store.CatalogCount(ctx)
	if err != nil {
		return nil, err
	}

	var healthy, unhealthy, open int
	for offset := 0; ; offset += aggregateBatchSize {
		rows, err := m.store.EnabledModels(ctx, offset, aggregateBatchSize)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if !row.Checked() {
				continue
			}
			if row.Healthy() {
				healthy++
			} else {
				unhealthy++
			}
			if row.BreakerState == health.BreakerOpen {
				open++
			}
		}
		if len(rows) < aggregateBatchSize {
			break
		}
	}
	if total < tracked {
		total = tracked
	}

	return map[string]any{
		"monitoring_active": m.Active(),
		"total_models":      total,
		"tracked_models":    tracked,
		"healthy_models":    healthy,
		"unhealthy_models":  unhealthy,
		"breakers_open":     open,
		"gateways":          gateway.Names(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// pruneHistory enforces the history retention window.
func (m *Monitor) pruneHistory(ctx context.Context) error {
	days := m.cfg.Store.HistoryRetentionDays
	if days < 1 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := m.store.PruneHistory(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.InfoContext(ctx, "monitor.history.pruned",
			slog.Int64("records", n), slog.Int("retention_days", days))
	}
	return nil
}

// spawn runs fn in a panic-guarded goroutine, restarting it until the run
// context is cancelled. A crash in one loop never stops the others.
func (m *Monitor) spawn(ctx context.Context, name string, fn func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			m.protect(ctx, name, fn)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				// Restart after a crash.
			}
		}
	}()
}

// spawnTicker runs fn on an interval, panic-guarded per tick.
func (m *Monitor) spawnTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.protect(ctx, name, func(ctx context.Context) {
					if err := fn(ctx); err != nil {
						m.log.ErrorContext(ctx, "monitor.loop.error",
							slog.String("loop", name),
							slog.String("error", err.Error()))
					}
				})
			}
		}
	}()
}

// protect invokes fn, converting a panic into an error log with the stack.
func (m *Monitor) protect(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.ErrorContext(ctx, "monitor.loop.panic",
				slog.String("loop", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn(ctx)
}
