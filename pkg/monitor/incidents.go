// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelpulse/pulse/pkg/health"
	"github.com/modelpulse/pulse/pkg/store"
)

// IncidentResolver sweeps up incidents left active after a crash between
// the processor's counter upsert and its incident resolution. Any active
// incident whose tracking row already shows a full recovery streak is
// resolved with the standard note.
type IncidentResolver struct {
	store     *store.Store
	threshold int
	log       *slog.Logger
}

func NewIncidentResolver(st *store.Store, successThreshold int, log *slog.Logger) *IncidentResolver {
	if successThreshold < 1 {
		successThreshold = health.SuccessThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &IncidentResolver{store: st, threshold: successThreshold, log: log}
}

func (r *IncidentResolver) RunOnce(ctx context.Context) error {
	stale, err := r.store.RecoveredActiveIncidents(ctx, r.threshold)
	if err != nil {
		return err
	}
	for _, inc := range stale {
		n, err := r.store.ResolveIncidents(ctx, inc.Identity, resolutionNote, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.InfoContext(ctx, "monitor.incident.swept",
				slog.String("model", inc.Identity.String()),
				slog.Int64("count", n))
		}
	}
	return nil
}
