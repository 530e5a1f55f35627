// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelpulse/pulse/pkg/health"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIdentity(model string) health.ModelIdentity {
	return health.ModelIdentity{Provider: "meta", Model: model, Gateway: "groq"}
}

func TestEnsureAndGetTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testIdentity("llama-3.3-70b")

	if _, err := s.GetTracking(ctx, id); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("expected ErrNotTracked, got %v", err)
	}

	if err := s.EnsureTracking(ctx, id, health.TierCritical); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	tr, err := s.GetTracking(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tr.Tier != health.TierCritical {
		t.Errorf("tier: got %s", tr.Tier)
	}
	if !tr.IsEnabled {
		t.Errorf("new rows must be enabled")
	}
	if tr.Uptime24h != 100 || tr.Uptime7d != 100 || tr.Uptime30d != 100 {
		t.Errorf("new rows default to 100%% uptime: %+v", tr)
	}
	if tr.BreakerState != health.BreakerClosed {
		t.Errorf("breaker: got %s, want closed", tr.BreakerState)
	}

	// Idempotent: a second ensure must not reset the row.
	tr.CallCount = 7
	if err := s.UpsertTracking(ctx, tr); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.EnsureTracking(ctx, id, health.TierStandard); err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	again, err := s.GetTracking(ctx, id)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.CallCount != 7 || again.Tier != health.TierCritical {
		t.Errorf("ensure clobbered existing row: %+v", again)
	}
}

func TestUpsertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testIdentity("mixtral-8x7b")

	now := time.Now().UTC().Truncate(time.Millisecond)
	ms := int64(412)
	msg := "persistent: upstream 500"
	code := 500
	tr := &health.TrackingRow{
		Identity:              id,
		Tier:                  health.TierPopular,
		PriorityScore:         75,
		IsEnabled:             true,
		NextCheckAt:           now.Add(30 * time.Minute),
		LastCalledAt:          &now,
		CallCount:             10,
		SuccessCount:          7,
		ErrorCount:            3,
		ConsecutiveFailures:   3,
		LastStatus:            health.StatusError,
		LastResponseTimeMs:    &ms,
		LastErrorMessage:      &msg,
		HTTPStatusCode:        &code,
		LastFailureAt:         &now,
		AverageResponseTimeMs: 380.5,
		BreakerState:          health.BreakerClosed,
		Uptime24h:             70, Uptime7d: 88, Uptime30d: 92,
	}
	if err := s.UpsertTracking(ctx, tr); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetTracking(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SuccessCount+got.ErrorCount != got.CallCount {
		t.Errorf("counter invariant violated: %d + %d != %d", got.SuccessCount, got.ErrorCount, got.CallCount)
	}
	if got.LastStatus != health.StatusError || *got.HTTPStatusCode != 500 {
		t.Errorf("last probe fields lost: %+v", got)
	}
	if *got.LastResponseTimeMs != 412 {
		t.Errorf("response time lost: %+v", got.LastResponseTimeMs)
	}
	if !got.NextCheckAt.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("next check at mismatch: %v", got.NextCheckAt)
	}
	if got.LastCalledAt == nil || !got.LastCalledAt.Equal(now) {
		t.Errorf("last called at mismatch: %v", got.LastCalledAt)
	}
}

func TestDueModelsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(model string, priority float64, due time.Time) {
		tr := &health.TrackingRow{
			Identity:      testIdentity(model),
			Tier:          health.TierStandard,
			PriorityScore: priority,
			IsEnabled:     true,
			NextCheckAt:   due,
			LastStatus:    health.StatusSuccess,
			BreakerState:  health.BreakerClosed,
			Uptime24h:     100, Uptime7d: 100, Uptime30d: 100,
		}
		if err := s.UpsertTracking(ctx, tr); err != nil {
			t.Fatalf("seed %s: %v", model, err)
		}
	}

	seed("low-early", 10, now.Add(-2*time.Hour))
	seed("high-late", 90, now.Add(-time.Minute))
	seed("high-early", 90, now.Add(-time.Hour))
	seed("future", 99, now.Add(time.Hour))

	due, err := s.DueModels(ctx, now, 10, nil)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 due models, got %d", len(due))
	}
	want := []string{"high-early", "high-late", "low-early"}
	for i, w := range want {
		if due[i].Identity.Model != w {
			t.Errorf("position %d: got %s, want %s", i, due[i].Identity.Model, w)
		}
	}
}

func TestDueModelsGatewayScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(model, gw string, due time.Time) {
		tr := &health.TrackingRow{
			Identity:     health.ModelIdentity{Provider: "meta", Model: model, Gateway: gw},
			Tier:         health.TierStandard,
			IsEnabled:    true,
			NextCheckAt:  due,
			LastStatus:   health.StatusSuccess,
			BreakerState: health.BreakerClosed,
			Uptime24h:    100, Uptime7d: 100, Uptime30d: 100,
		}
		if err := s.UpsertTracking(ctx, tr); err != nil {
			t.Fatalf("seed %s/%s: %v", gw, model, err)
		}
	}

	// The fireworks rows are older, so an unscoped query would return them
	// first and crowd the groq row out of a small window.
	seed("llama-8b", "fireworks", now.Add(-3*time.Hour))
	seed("llama-70b", "fireworks", now.Add(-2*time.Hour))
	seed("llama-8b", "groq", now.Add(-time.Hour))

	due, err := s.DueModels(ctx, now, 2, []string{"groq"})
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due model, got %d", len(due))
	}
	if due[0].Identity.Gateway != "groq" {
		t.Errorf("expected groq row, got %s", due[0].Identity.Gateway)
	}

	// An empty scope means nothing is probeable right now.
	due, err = s.DueModels(ctx, now, 2, []string{})
	if err != nil {
		t.Fatalf("due with empty scope: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no rows for empty scope, got %d", len(due))
	}

	// A nil scope leaves the window unrestricted.
	due, err = s.DueModels(ctx, now, 10, nil)
	if err != nil {
		t.Fatalf("due unrestricted: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 rows unrestricted, got %d", len(due))
	}
}

func TestHistoryAndUptime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testIdentity("qwen-72b")
	now := time.Now().UTC()

	appendRec := func(status health.CheckStatus, at time.Time) {
		rec := &health.HistoryRecord{
			Identity:     id,
			CheckedAt:    at,
			Status:       status,
			BreakerState: health.BreakerClosed,
		}
		if err := s.AppendHistory(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	for i := 0; i < 95; i++ {
		appendRec(health.StatusSuccess, now.Add(-time.Duration(i)*time.Minute))
	}
	for i := 0; i < 5; i++ {
		appendRec(health.StatusError, now.Add(-time.Duration(100+i)*time.Minute))
	}
	// Outside the 24h window.
	appendRec(health.StatusError, now.Add(-25*time.Hour))

	successes, total, err := s.UptimeSince(ctx, id, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("uptime: %v", err)
	}
	if successes != 95 || total != 100 {
		t.Errorf("got %d/%d, want 95/100", successes, total)
	}

	window, err := s.HistoryWindow(ctx, id, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 100 {
		t.Errorf("window size: got %d, want 100", len(window))
	}

	pruned, err := s.PruneHistory(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned: got %d, want 1", pruned)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testIdentity("deepseek-v3")
	now := time.Now().UTC()

	active, err := s.ActiveIncident(ctx, id)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active incident")
	}

	msg := "transient: connection reset"
	inc := &health.Incident{
		Identity:     id,
		Type:         health.IncidentOutage,
		Severity:     health.SeverityLow,
		Status:       health.IncidentActive,
		StartedAt:    now,
		ErrorCount:   1,
		ErrorMessage: &msg,
	}
	if err := s.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("open: %v", err)
	}

	active, err = s.ActiveIncident(ctx, id)
	if err != nil {
		t.Fatalf("active after open: %v", err)
	}
	if active == nil || active.Type != health.IncidentOutage {
		t.Fatalf("unexpected active incident: %+v", active)
	}

	active.Severity = health.SeverityHigh
	active.ErrorCount = 8
	if err := s.UpdateIncident(ctx, active); err != nil {
		t.Fatalf("update: %v", err)
	}

	n, err := s.ResolveIncidents(ctx, id, "Model recovered and passed health checks", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved: got %d, want 1", n)
	}

	active, err = s.ActiveIncident(ctx, id)
	if err != nil {
		t.Fatalf("active after resolve: %v", err)
	}
	if active != nil {
		t.Errorf("incident still active after resolve")
	}
}

func TestRecoveredActiveIncidents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testIdentity("gemma-27b")
	now := time.Now().UTC()

	tr := &health.TrackingRow{
		Identity:             id,
		Tier:                 health.TierStandard,
		IsEnabled:            true,
		NextCheckAt:          now,
		ConsecutiveSuccesses: 3,
		LastStatus:           health.StatusSuccess,
		BreakerState:         health.BreakerClosed,
		Uptime24h:            100, Uptime7d: 100, Uptime30d: 100,
	}
	if err := s.UpsertTracking(ctx, tr); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	inc := &health.Incident{
		Identity:  id,
		Type:      health.IncidentTimeout,
		Severity:  health.SeverityMedium,
		Status:    health.IncidentActive,
		StartedAt: now.Add(-time.Hour),
	}
	if err := s.OpenIncident(ctx, inc); err != nil {
		t.Fatalf("open: %v", err)
	}

	recovered, err := s.RecoveredActiveIncidents(ctx, 3)
	if err != nil {
		t.Fatalf("recovered: %v", err)
	}
	if len(recovered) != 1 || recovered[0].Identity != id {
		t.Errorf("expected the stale incident, got %+v", recovered)
	}

	// A higher threshold excludes it.
	recovered, err = s.RecoveredActiveIncidents(ctx, 5)
	if err != nil {
		t.Fatalf("recovered: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("expected none at threshold 5, got %d", len(recovered))
	}
}

func TestReassignTiers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 20; i++ {
		tr := &health.TrackingRow{
			Identity:     health.ModelIdentity{Provider: "p", Model: string(rune('a' + i)), Gateway: "groq"},
			Tier:         health.TierStandard,
			IsEnabled:    true,
			NextCheckAt:  now,
			CallCount:    int64(1000 - i*50),
			LastStatus:   health.StatusSuccess,
			BreakerState: health.BreakerClosed,
			Uptime24h:    100, Uptime7d: 100, Uptime30d: 100,
		}
		if err := s.UpsertTracking(ctx, tr); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// An explicit on_demand row must be preserved.
	onDemand := &health.TrackingRow{
		Identity:     health.ModelIdentity{Provider: "p", Model: "manual", Gateway: "groq"},
		Tier:         health.TierOnDemand,
		IsEnabled:    true,
		NextCheckAt:  now,
		CallCount:    99999,
		LastStatus:   health.StatusSuccess,
		BreakerState: health.BreakerClosed,
		Uptime24h:    100, Uptime7d: 100, Uptime30d: 100,
	}
	if err := s.UpsertTracking(ctx, onDemand); err != nil {
		t.Fatalf("seed on_demand: %v", err)
	}

	n, err := s.ReassignTiers(ctx)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected rows to be reassigned")
	}

	top, err := s.GetTracking(ctx, health.ModelIdentity{Provider: "p", Model: "a", Gateway: "groq"})
	if err != nil {
		t.Fatalf("get top: %v", err)
	}
	if top.Tier != health.TierCritical {
		t.Errorf("busiest model should be critical, got %s", top.Tier)
	}

	bottom, err := s.GetTracking(ctx, health.ModelIdentity{Provider: "p", Model: string(rune('a' + 19)), Gateway: "groq"})
	if err != nil {
		t.Fatalf("get bottom: %v", err)
	}
	if bottom.Tier != health.TierStandard {
		t.Errorf("quietest model should be standard, got %s", bottom.Tier)
	}

	kept, err := s.GetTracking(ctx, health.ModelIdentity{Provider: "p", Model: "manual", Gateway: "groq"})
	if err != nil {
		t.Fatalf("get on_demand: %v", err)
	}
	if kept.Tier != health.TierOnDemand {
		t.Errorf("on_demand tier must be preserved, got %s", kept.Tier)
	}
}

func TestCatalogCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := []health.ModelIdentity{
		{Provider: "openai", Model: "gpt-4o", Gateway: "openrouter"},
		{Provider: "anthropic", Model: "claude-sonnet", Gateway: "openrouter"},
		{Provider: "meta", Model: "llama-3.3-70b", Gateway: "groq"},
	}
	if err := s.EnsureCatalog(ctx, ids); err != nil {
		t.Fatalf("ensure catalog: %v", err)
	}
	// Idempotent.
	if err := s.EnsureCatalog(ctx, ids[:1]); err != nil {
		t.Fatalf("re-ensure catalog: %v", err)
	}

	catalog, err := s.CatalogCount(ctx)
	if err != nil {
		t.Fatalf("catalog count: %v", err)
	}
	if catalog != 3 {
		t.Errorf("catalog: got %d, want 3", catalog)
	}

	tracked, err := s.TrackedCount(ctx)
	if err != nil {
		t.Fatalf("tracked count: %v", err)
	}
	if tracked != 0 {
		t.Errorf("tracked: got %d, want 0", tracked)
	}

	if err := s.EnsureTracking(ctx, ids[0], health.TierCritical); err != nil {
		t.Fatalf("ensure tracking: %v", err)
	}
	tracked, err = s.TrackedCount(ctx)
	if err != nil {
		t.Fatalf("tracked count: %v", err)
	}
	if tracked != 1 {
		t.Errorf("tracked: got %d, want 1", tracked)
	}
}

func TestRecentlyCalled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		called := now.Add(-time.Duration(i) * time.Minute)
		tr := &health.TrackingRow{
			Identity:     health.ModelIdentity{Provider: "p", Model: string(rune('a' + i)), Gateway: "groq"},
			Tier:         health.TierStandard,
			IsEnabled:    true,
			NextCheckAt:  now,
			LastCalledAt: &called,
			LastStatus:   health.StatusSuccess,
			BreakerState: health.BreakerClosed,
			Uptime24h:    100, Uptime7d: 100, Uptime30d: 100,
		}
		if err := s.UpsertTracking(ctx, tr); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rows, err := s.RecentlyCalled(ctx, 3)
	if err != nil {
		t.Fatalf("recently called: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].Identity.Model != "a" {
		t.Errorf("most recent first: got %s", rows[0].Identity.Model)
	}
}
