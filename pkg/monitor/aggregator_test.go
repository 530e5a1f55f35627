// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/modelpulse/pulse/pkg/health"
	"github.com/modelpulse/pulse/pkg/store"
)

func seedHistory(t *testing.T, st *store.Store, id health.ModelIdentity, status health.CheckStatus, n int, around time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		err := st.AppendHistory(ctx, &health.HistoryRecord{
			Identity:     id,
			CheckedAt:    around.Add(time.Duration(i) * time.Second),
			Status:       status,
			BreakerState: health.BreakerClosed,
		})
		if err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}
}

func TestAggregatorUptime(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	id := health.ModelIdentity{Provider: "meta", Model: "llama-3.3-70b", Gateway: "groq"}
	if err := st.EnsureTracking(ctx, id, health.TierCritical); err != nil {
		t.Fatalf("ensure tracking: %v", err)
	}

	hourAgo := time.Now().Add(-time.Hour)
	seedHistory(t, st, id, health.StatusSuccess, 95, hourAgo)
	seedHistory(t, st, id, health.StatusError, 5, hourAgo.Add(10*time.Minute))

	agg := NewAggregator(st, nil)
	if err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	row, err := st.GetTracking(ctx, id)
	if err != nil {
		t.Fatalf("get tracking: %v", err)
	}
	if row.Uptime24h != 95.0 {
		t.Errorf("uptime 24h: got %v, want 95.0", row.Uptime24h)
	}
	if row.Uptime7d != 95.0 || row.Uptime30d != 95.0 {
		t.Errorf("uptime 7d/30d: got %v/%v, want 95.0", row.Uptime7d, row.Uptime30d)
	}
}

func TestAggregatorIdempotent(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	id := health.ModelIdentity{Provider: "openai", Model: "gpt-4o", Gateway: "openrouter"}
	if err := st.EnsureTracking(ctx, id, health.TierPopular); err != nil {
		t.Fatalf("ensure tracking: %v", err)
	}
	seedHistory(t, st, id, health.StatusSuccess, 2, time.Now().Add(-2*time.Hour))
	seedHistory(t, st, id, health.StatusError, 1, time.Now().Add(-time.Hour))

	agg := NewAggregator(st, nil)
	if err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := st.GetTracking(ctx, id)
	if err != nil {
		t.Fatalf("get tracking: %v", err)
	}
	if err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, err := st.GetTracking(ctx, id)
	if err != nil {
		t.Fatalf("get tracking: %v", err)
	}

	if first.Uptime24h != second.Uptime24h ||
		first.Uptime7d != second.Uptime7d ||
		first.Uptime30d != second.Uptime30d {
		t.Errorf("aggregator not idempotent: %+v vs %+v", first, second)
	}
	// 2/3 rounds to two decimals.
	if second.Uptime24h != 66.67 {
		t.Errorf("uptime rounding: got %v, want 66.67", second.Uptime24h)
	}
}

func TestAggregatorDefaultsToFullUptime(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	id := health.ModelIdentity{Provider: "meta", Model: "brand-new", Gateway: "groq"}
	if err := st.EnsureTracking(ctx, id, health.TierStandard); err != nil {
		t.Fatalf("ensure tracking: %v", err)
	}

	agg := NewAggregator(st, nil)
	if err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	row, err := st.GetTracking(ctx, id)
	if err != nil {
		t.Fatalf("get tracking: %v", err)
	}
	if row.Uptime24h != 100 || row.Uptime7d != 100 || row.Uptime30d != 100 {
		t.Errorf("empty history must report 100: %v/%v/%v",
			row.Uptime24h, row.Uptime7d, row.Uptime30d)
	}
}
