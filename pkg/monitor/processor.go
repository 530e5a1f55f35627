// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelpulse/pulse/pkg/config"
	"github.com/modelpulse/pulse/pkg/health"
	"github.com/modelpulse/pulse/pkg/resilience"
	"github.com/modelpulse/pulse/pkg/store"
)

// resolutionNote is written on every incident closed by a recovery streak.
const resolutionNote = "Model recovered and passed health checks"

// Processor applies probe results to tracked state: counters, circuit
// breaker, next-probe scheduling, the append-only history and the incident
// lifecycle. It never propagates persistence errors to the scheduler; a
// result that cannot be stored is dropped and the model is revisited on
// its prior schedule.
type Processor struct {
	store *store.Store
	cfg   config.MonitorConfig
	retry resilience.RetryConfig
	log   *slog.Logger
}

// NewProcessor creates a processor. log may be nil.
func NewProcessor(st *store.Store, cfg config.MonitorConfig, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store: st,
		cfg:   cfg,
		retry: resilience.DefaultRetryConfig(),
		log:   log,
	}
}

// Process ingests one probe result. Returns the updated tracking row, or
// nil when persistence failed and no state was mutated.
func (p *Processor) Process(ctx context.Context, res *health.CheckResult) *health.TrackingRow {
	recordCheck(ctx, res)

	row, ok := p.loadRow(ctx, res.Identity)
	if !ok {
		recordResultDropped(ctx)
		return nil
	}

	prevState := row.BreakerState
	p.applyResult(row, res)

	if row.BreakerState != prevState {
		recordBreakerTransition(ctx, prevState, row.BreakerState)
		p.log.InfoContext(ctx, "monitor.breaker.transition",
			slog.String("model", res.Identity.String()),
			slog.String("from", string(prevState)),
			slog.String("to", string(row.BreakerState)),
			slog.Int("consecutive_failures", row.ConsecutiveFailures),
			slog.Int("consecutive_successes", row.ConsecutiveSuccesses),
		)
	}

	if err := p.retry.Do(ctx, func() error {
		return p.store.UpsertTracking(ctx, row)
	}); err != nil {
		p.log.DebugContext(ctx, "monitor.processor.upsert.failed",
			slog.String("model", res.Identity.String()),
			slog.String("error", err.Error()))
		recordResultDropped(ctx)
		return nil
	}

	p.appendHistory(ctx, res, row.BreakerState)
	p.maintainIncident(ctx, res, row)

	return row
}

// loadRow reads the tracking row, creating a default standard-tier row for
// identities seen for the first time.
func (p *Processor) loadRow(ctx context.Context, id health.ModelIdentity) (*health.TrackingRow, bool) {
	var row *health.TrackingRow
	err := p.retry.Do(ctx, func() error {
		var err error
		row, err = p.store.GetTracking(ctx, id)
		if errors.Is(err, store.ErrNotTracked) {
			if err := p.store.EnsureTracking(ctx, id, health.TierStandard); err != nil {
				return err
			}
			row, err = p.store.GetTracking(ctx, id)
		}
		return err
	})
	if err != nil {
		p.log.DebugContext(ctx, "monitor.processor.load.failed",
			slog.String("model", id.String()),
			slog.String("error", err.Error()))
		return nil, false
	}
	return row, true
}

// applyResult performs the pure counter, breaker and scheduling arithmetic
// on the row. A success zeroes the failure streak and vice versa.
func (p *Processor) applyResult(row *health.TrackingRow, res *health.CheckResult) {
	success := res.Status.IsSuccess()
	checkedAt := res.CheckedAt

	row.CallCount++
	if success {
		row.SuccessCount++
		row.ConsecutiveSuccesses++
		row.ConsecutiveFailures = 0
		at := checkedAt
		row.LastSuccessAt = &at
	} else {
		row.ErrorCount++
		row.ConsecutiveFailures++
		row.ConsecutiveSuccesses = 0
		at := checkedAt
		row.LastFailureAt = &at
	}

	row.LastStatus = res.Status
	row.LastResponseTimeMs = res.ResponseTimeMs
	row.LastErrorMessage = res.ErrorMessage
	row.HTTPStatusCode = res.HTTPStatusCode
	at := checkedAt
	row.LastCalledAt = &at

	// Running mean weighted by call count; a null response time preserves
	// the prior mean.
	if res.ResponseTimeMs != nil {
		n := float64(row.CallCount)
		row.AverageResponseTimeMs = (row.AverageResponseTimeMs*(n-1) + float64(*res.ResponseTimeMs)) / n
	}

	thresholds := health.BreakerThresholds{
		Failure: p.cfg.FailureThreshold,
		Success: p.cfg.SuccessThreshold,
	}
	row.BreakerState = thresholds.Next(row.BreakerState, success,
		row.ConsecutiveFailures, row.ConsecutiveSuccesses)

	interval := health.NextCheckInterval(p.cfg.TierInterval(row.Tier), success, row.ConsecutiveFailures)
	row.NextCheckAt = checkedAt.Add(interval)
}

// appendHistory writes the append-only record. Failures are swallowed; the
// aggregator simply sees one fewer sample.
func (p *Processor) appendHistory(ctx context.Context, res *health.CheckResult, state health.BreakerState) {
	rec := &health.HistoryRecord{
		Identity:       res.Identity,
		CheckedAt:      res.CheckedAt,
		Status:         res.Status,
		ResponseTimeMs: res.ResponseTimeMs,
		ErrorMessage:   res.ErrorMessage,
		HTTPStatusCode: res.HTTPStatusCode,
		BreakerState:   state,
	}
	if err := p.retry.Do(ctx, func() error {
		return p.store.AppendHistory(ctx, rec)
	}); err != nil {
		p.log.DebugContext(ctx, "monitor.processor.history.failed",
			slog.String("model", res.Identity.String()),
			slog.String("error", err.Error()))
	}
}

// maintainIncident opens, escalates or resolves the identity's incident
// based on the post-update streaks.
func (p *Processor) maintainIncident(ctx context.Context, res *health.CheckResult, row *health.TrackingRow) {
	id := res.Identity

	if res.Status.IsSuccess() {
		threshold := p.cfg.SuccessThreshold
		if threshold < 1 {
			threshold = health.SuccessThreshold
		}
		if row.ConsecutiveSuccesses < threshold {
			return
		}
		n, err := p.store.ResolveIncidents(ctx, id, resolutionNote, res.CheckedAt)
		if err != nil {
			p.log.DebugContext(ctx, "monitor.processor.incident.resolve.failed",
				slog.String("model", id.String()),
				slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			p.log.InfoContext(ctx, "monitor.incident.resolved",
				slog.String("model", id.String()),
				slog.Int64("count", n))
		}
		return
	}

	var active *health.Incident
	err := p.retry.Do(ctx, func() error {
		var err error
		active, err = p.store.ActiveIncident(ctx, id)
		return err
	})
	if err != nil {
		p.log.DebugContext(ctx, "monitor.processor.incident.load.failed",
			slog.String("model", id.String()),
			slog.String("error", err.Error()))
		return
	}

	severity := health.SeverityFor(row.ConsecutiveFailures)
	if active != nil {
		active.ErrorCount++
		active.ErrorMessage = res.ErrorMessage
		active.Severity = health.MaxSeverity(active.Severity, severity)
		if err := p.store.UpdateIncident(ctx, active); err != nil {
			p.log.DebugContext(ctx, "monitor.processor.incident.update.failed",
				slog.String("model", id.String()),
				slog.String("error", err.Error()))
		}
		return
	}

	inc := &health.Incident{
		Identity:     id,
		Type:         health.IncidentTypeFor(res.Status),
		Severity:     severity,
		Status:       health.IncidentActive,
		StartedAt:    res.CheckedAt,
		ErrorCount:   1,
		ErrorMessage: res.ErrorMessage,
	}
	if err := p.store.OpenIncident(ctx, inc); err != nil {
		p.log.DebugContext(ctx, "monitor.processor.incident.open.failed",
			slog.String("model", id.String()),
			slog.String("error", err.Error()))
		return
	}
	recordIncidentOpened(ctx, inc.Type)
	p.log.WarnContext(ctx, "monitor.incident.opened",
		slog.String("model", id.String()),
		slog.String("type", string(inc.Type)),
		slog.String("severity", string(inc.Severity)),
		slog.Int("consecutive_failures", row.ConsecutiveFailures),
	)
}
