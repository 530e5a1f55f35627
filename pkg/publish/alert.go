// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"context"
	"fmt"
	"log/slog"
)

// Alert severity levels, ordered.
const (
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// AlertEvent is a structured degradation notification. Any
// error-monitoring integration delivers these by implementing Sink.
type AlertEvent struct {
	Message string
	Level   string
	Extras  map[string]any
	Tags    map[string]string
}

// Sink receives alert events.
type Sink interface {
	Emit(ctx context.Context, event AlertEvent)
}

// SlogSink is the default sink: events land in the process log.
type SlogSink struct {
	Log *slog.Logger
}

func (s SlogSink) Emit(ctx context.Context, event AlertEvent) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{slog.String("level", event.Level)}
	for k, v := range event.Extras {
		attrs = append(attrs, slog.Any(k, v))
	}
	for k, v := range event.Tags {
		attrs = append(attrs, slog.String("tag."+k, v))
	}
	if event.Level == LevelWarning {
		log.WarnContext(ctx, event.Message, attrs...)
		return
	}
	log.ErrorContext(ctx, event.Message, attrs...)
}

// AlertEmitter watches aggregate health after each publication and emits
// when the healthy fraction falls below the threshold.
type AlertEmitter struct {
	threshold float64
	sink      Sink
	log       *slog.Logger
}

// NewAlertEmitter creates an emitter. A non-positive threshold falls back
// to 90; a nil sink selects the slog sink.
func NewAlertEmitter(threshold float64, sink Sink, log *slog.Logger) *AlertEmitter {
	if threshold <= 0 {
		threshold = 90.0
	}
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = SlogSink{Log: log}
	}
	return &AlertEmitter{threshold: threshold, sink: sink, log: log}
}

// Evaluate computes the healthy percentage from a published system view
// and emits at most one event. An empty catalog emits nothing.
func (a *AlertEmitter) Evaluate(ctx context.Context, doc SystemDoc) {
	if doc.TotalModels == 0 {
		return
	}
	pct := float64(doc.HealthyModels) / float64(doc.TotalModels) * 100
	if pct >= a.threshold {
		return
	}

	a.sink.Emit(ctx, AlertEvent{
		Message: fmt.Sprintf("model health degraded: %.1f%% healthy (threshold %.1f%%)", pct, a.threshold),
		Level:   LevelFor(pct),
		Extras: map[string]any{
			"health_percentage": round2(pct),
			"healthy_models":    doc.HealthyModels,
			"unhealthy_models":  doc.UnhealthyModels,
			"total_models":      doc.TotalModels,
			"system_uptime":     doc.SystemUptime,
			"threshold":         a.threshold,
		},
		Tags: map[string]string{
			"component":  "health_monitor",
			"alert_type": "health_degradation",
		},
	})
}

// LevelFor maps a healthy percentage to an alert level: warning down to
// 88, error down to 85, critical below that.
func LevelFor(pct float64) string {
	switch {
	case pct >= 88:
		return LevelWarning
	case pct >= 85:
		return LevelError
	default:
		return LevelCritical
	}
}
