// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelpulse/pulse/pkg/store"
)

// TierUpdater re-classifies models by observed usage once per hour. A
// missing tracking table is a degraded-but-running condition, not a fault.
type TierUpdater struct {
	store *store.Store
	log   *slog.Logger
}

func NewTierUpdater(st *store.Store, log *slog.Logger) *TierUpdater {
	if log == nil {
		log = slog.Default()
	}
	return &TierUpdater{store: st, log: log}
}

func (t *TierUpdater) RunOnce(ctx context.Context) error {
	n, err := t.store.ReassignTiers(ctx)
	if errors.Is(err, store.ErrTierUpdateUnavailable) {
		t.log.WarnContext(ctx, "monitor.tiers.unavailable",
			slog.String("error", err.Error()))
		return nil
	}
	if err != nil {
		return err
	}
	t.log.InfoContext(ctx, "monitor.tiers.reassigned", slog.Int64("models", n))
	return nil
}
