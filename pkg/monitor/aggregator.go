// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/modelpulse/pulse/pkg/health"
	"github.com/modelpulse/pulse/pkg/store"
)

const (
	aggregateBatchSize  = 50
	aggregateBatchSleep = 100 * time.Millisecond
)

// Aggregator recomputes the 24h/7d/30d uptime rollups from history. It is
// idempotent: unchanged history yields unchanged rollups.
type Aggregator struct {
	store *store.Store
	log   *slog.Logger
}

func NewAggregator(st *store.Store, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: st, log: log}
}

// RunOnce sweeps every enabled model in batches, pausing briefly between
// batches so the aggregator never monopolizes the store.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	now := time.Now()
	updated := 0
	for offset := 0; ; offset += aggregateBatchSize {
		rows, err := a.store.EnabledModels(ctx, offset, aggregateBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			u24, err := a.uptime(ctx, row.Identity, now.Add(-24*time.Hour))
			if err != nil {
				return err
			}
			u7, err := a.uptime(ctx, row.Identity, now.Add(-7*24*time.Hour))
			if err != nil {
				return err
			}
			u30, err := a.uptime(ctx, row.Identity, now.Add(-30*24*time.Hour))
			if err != nil {
				return err
			}
			if err := a.store.UpdateUptimes(ctx, row.Identity, u24, u7, u30); err != nil {
				return err
			}
			updated++
		}

		if len(rows) < aggregateBatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(aggregateBatchSleep):
		}
	}

	a.log.DebugContext(ctx, "monitor.aggregator.swept", slog.Int("models", updated))
	return nil
}

// uptime computes successes/total*100 over a window, rounded to two
// decimals. An empty window reports 100: absence of evidence is not
// treated as downtime.
func (a *Aggregator) uptime(ctx context.Context, id health.ModelIdentity, since time.Time) (float64, error) {
	successes, total, err := a.store.UptimeSince(ctx, id, since)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 100, nil
	}
	pct := float64(successes) / float64(total) * 100
	return math.Round(pct*100) / 100, nil
}
