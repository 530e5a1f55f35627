// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelpulse/pulse/pkg/gateway"
	"github.com/modelpulse/pulse/pkg/health"
)

func trackedRow(provider, model, gw string, status health.CheckStatus, breaker health.BreakerState) *health.TrackingRow {
	at := time.Now().Add(-time.Minute)
	rt := int64(120)
	return &health.TrackingRow{
		Identity:              health.ModelIdentity{Provider: provider, Model: model, Gateway: gw},
		Tier:                  health.TierCritical,
		IsEnabled:             true,
		CallCount:             10,
		SuccessCount:          8,
		ErrorCount:            2,
		LastStatus:            status,
		LastResponseTimeMs:    &rt,
		LastCalledAt:          &at,
		AverageResponseTimeMs: 150,
		BreakerState:          breaker,
		Uptime24h:             80,
		Uptime7d:              90,
		Uptime30d:             95,
	}
}

func TestSnapshotEmptyStateIsUnknown(t *testing.T) {
	adapter := gateway.NewAdapter(map[string]string{"groq": "k"})
	snap := BuildSnapshot(nil, nil, 10000, adapter, time.Now())

	sys := snap.System
	if sys.OverallStatus != StatusUnknown {
		t.Errorf("overall status: got %s, want unknown", sys.OverallStatus)
	}
	if sys.HealthyModels != 0 || sys.UnhealthyModels != 0 {
		t.Errorf("untracked models counted: %d/%d", sys.HealthyModels, sys.UnhealthyModels)
	}
	if sys.TotalModels != 10000 {
		t.Errorf("total models: got %d, want 10000", sys.TotalModels)
	}
	if sys.TrackedModels != 0 {
		t.Errorf("tracked models: got %d, want 0", sys.TrackedModels)
	}
}

func TestSnapshotUnconfiguredGateway(t *testing.T) {
	t.Setenv("FIREWORKS_API_KEY", "")
	adapter := gateway.NewAdapter(map[string]string{"groq": "k"})
	snap := BuildSnapshot(nil, nil, 0, adapter, time.Now())

	gs, ok := snap.Gateways["fireworks"]
	if !ok {
		t.Fatalf("fireworks missing from gateways doc")
	}
	if gs.Status != "unconfigured" || gs.Configured || gs.Healthy || gs.Available {
		t.Errorf("unconfigured gateway doc: %+v", gs)
	}
	if !strings.Contains(gs.Error, "FIREWORKS_API_KEY") {
		t.Errorf("error must name the env var, got %q", gs.Error)
	}

	// A configured gateway without tracked models is pending, not failing.
	if got := snap.Gateways["groq"]; got.Status != "pending" || !got.Configured {
		t.Errorf("configured empty gateway: %+v", got)
	}
}

func TestSnapshotProviderRules(t *testing.T) {
	adapter := gateway.NewAdapter(map[string]string{"groq": "k", "openrouter": "k"})
	rows := []*health.TrackingRow{
		// meta on groq: one healthy of two -> online.
		trackedRow("meta", "llama-a", "groq", health.StatusSuccess, health.BreakerClosed),
		trackedRow("meta", "llama-b", "groq", health.StatusError, health.BreakerClosed),
		// openai on openrouter: two of two unhealthy -> offline.
		trackedRow("openai", "gpt-a", "openrouter", health.StatusError, health.BreakerOpen),
		trackedRow("openai", "gpt-b", "openrouter", health.StatusTimeout, health.BreakerOpen),
	}
	snap := BuildSnapshot(rows, rows, 100, adapter, time.Now())

	byKey := map[string]ProviderStatus{}
	for _, p := range snap.Providers.Providers {
		byKey[p.Provider+"/"+p.Gateway] = p
	}

	meta := byKey["meta/groq"]
	if meta.Status != "online" {
		t.Errorf("meta status: got %s, want online", meta.Status)
	}
	if meta.HealthyModels < 1 {
		t.Errorf("an online provider must have at least one healthy model")
	}
	openai := byKey["openai/openrouter"]
	if openai.Status != "offline" {
		t.Errorf("openai status: got %s, want offline", openai.Status)
	}

	sys := snap.System
	if sys.HealthyModels+sys.UnhealthyModels > sys.TotalModels {
		t.Errorf("system bounds violated: %d+%d > %d",
			sys.HealthyModels, sys.UnhealthyModels, sys.TotalModels)
	}
	// Half the providers are offline.
	if sys.OverallStatus != StatusUnhealthy {
		t.Errorf("overall status: got %s, want unhealthy", sys.OverallStatus)
	}

	// The groq gateway has a healthy model; openrouter does not.
	if gs := snap.Gateways["groq"]; gs.Status != StatusHealthy || !gs.Healthy {
		t.Errorf("groq gateway: %+v", gs)
	}
	if gs := snap.Gateways["openrouter"]; gs.Status != "offline" || gs.Healthy {
		t.Errorf("openrouter gateway: %+v", gs)
	}
}

func TestSnapshotModelViewCapAndShape(t *testing.T) {
	adapter := gateway.NewAdapter(map[string]string{"groq": "k"})
	row := trackedRow("meta", "llama-a", "groq", health.StatusSuccess, health.BreakerClosed)
	snap := BuildSnapshot([]*health.TrackingRow{row}, []*health.TrackingRow{row}, 1, adapter, time.Now())

	if len(snap.Models.Models) != 1 {
		t.Fatalf("models: got %d, want 1", len(snap.Models.Models))
	}
	m := snap.Models.Models[0]
	if m.ModelID != "llama-a" || m.Status != "healthy" {
		t.Errorf("model view: %+v", m)
	}
	if m.UptimePercentage != 80 {
		t.Errorf("uptime: got %v, want 80", m.UptimePercentage)
	}
	if m.TotalRequests != 10 || m.ErrorCount != 2 {
		t.Errorf("counters: %d/%d", m.TotalRequests, m.ErrorCount)
	}
	if m.ResponseTimeMs == nil || *m.ResponseTimeMs != 120 {
		t.Errorf("response time: %v", m.ResponseTimeMs)
	}
}

func TestSnapshotIdempotentModuloTimestamp(t *testing.T) {
	adapter := gateway.NewAdapter(map[string]string{"groq": "k"})
	rows := []*health.TrackingRow{
		trackedRow("meta", "llama-a", "groq", health.StatusSuccess, health.BreakerClosed),
		trackedRow("openai", "gpt-a", "groq", health.StatusError, health.BreakerClosed),
	}
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	a := BuildSnapshot(rows, rows, 50, adapter, at)
	b := BuildSnapshot(rows, rows, 50, adapter, at)

	aj, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	bj, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(aj) != string(bj) {
		t.Errorf("snapshots differ for identical inputs:\n%s\n%s", aj, bj)
	}
}
