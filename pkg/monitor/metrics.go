// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/modelpulse/pulse/pkg/health"
)

var (
	metricsOnce sync.Once

	checksTotal     metric.Int64Counter
	probeLatency    metric.Float64Histogram
	breakerTripped  metric.Int64Counter
	incidentsOpened metric.Int64Counter
	resultsDropped  metric.Int64Counter
)

// initMetrics creates the monitor instruments once. Instrument creation
// errors leave nil instruments; the record helpers tolerate that.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("pulse/monitor")
		checksTotal, _ = meter.Int64Counter("pulse.checks.total",
			metric.WithDescription("Health checks processed, by outcome status"))
		probeLatency, _ = meter.Float64Histogram("pulse.probe.duration",
			metric.WithDescription("Probe round-trip time"),
			metric.WithUnit("ms"))
		breakerTripped, _ = meter.Int64Counter("pulse.breaker.transitions",
			metric.WithDescription("Circuit breaker state transitions"))
		incidentsOpened, _ = meter.Int64Counter("pulse.incidents.opened",
			metric.WithDescription("Incidents opened"))
		resultsDropped, _ = meter.Int64Counter("pulse.results.dropped",
			metric.WithDescription("Probe results dropped after exhausted store retries"))
	})
}

func recordCheck(ctx context.Context, res *health.CheckResult) {
	initMetrics()
	if checksTotal != nil {
		checksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(res.Status)),
			attribute.String("gateway", res.Identity.Gateway),
		))
	}
	if probeLatency != nil && res.ResponseTimeMs != nil {
		probeLatency.Record(ctx, float64(*res.ResponseTimeMs), metric.WithAttributes(
			attribute.String("gateway", res.Identity.Gateway),
		))
	}
}

func recordBreakerTransition(ctx context.Context, from, to health.BreakerState) {
	initMetrics()
	if breakerTripped != nil {
		breakerTripped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	}
}

func recordIncidentOpened(ctx context.Context, incType health.IncidentType) {
	initMetrics()
	if incidentsOpened != nil {
		incidentsOpened.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(incType)),
		))
	}
}

func recordResultDropped(ctx context.Context) {
	initMetrics()
	if resultsDropped != nil {
		resultsDropped.Add(ctx, 1)
	}
}
