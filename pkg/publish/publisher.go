// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelpulse/pulse/pkg/config"
	perrors "github.com/modelpulse/pulse/pkg/errors"
	"github.com/modelpulse/pulse/pkg/gateway"
	"github.com/modelpulse/pulse/pkg/health"
	"github.com/modelpulse/pulse/pkg/resilience"
	"github.com/modelpulse/pulse/pkg/store"
)

const scanBatchSize = 500

// Publisher writes the cache documents to Redis after every scheduler
// iteration and feeds the resulting system view to the alert emitter.
// Documents are replaced wholesale; consumers never see partial merges.
type Publisher struct {
	store   *store.Store
	adapter *gateway.Adapter
	client  redis.Cmdable
	cfg     config.MonitorConfig
	alerts  *AlertEmitter
	retry   resilience.RetryConfig
	log     *slog.Logger
}

// New creates a publisher. sink may be nil, which selects the slog sink.
func New(st *store.Store, adapter *gateway.Adapter, client redis.Cmdable,
	cfg config.MonitorConfig, sink Sink, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		store:   st,
		adapter: adapter,
		client:  client,
		cfg:     cfg,
		alerts:  NewAlertEmitter(cfg.HealthAlertThresholdPct, sink, log),
		retry:   resilience.CacheRetryConfig(),
		log:     log,
	}
}

// Publish builds a fresh snapshot and writes all five documents. Write
// failures are retried, then logged and dropped; the next cycle
// overwrites. The alert emitter only runs when the system document landed.
func (p *Publisher) Publish(ctx context.Context) error {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return err
	}

	ttl := p.cfg.CacheTTL()
	systemOK := p.write(ctx, KeySystem, snap.System, ttl)
	p.write(ctx, KeyProviders, snap.Providers, ttl)
	p.write(ctx, KeyModels, snap.Models, ttl)
	p.write(ctx, KeyGateways, snap.Gateways, ttl)
	p.write(ctx, KeyDashboard, snap.Dashboard, DashboardTTL)

	if systemOK {
		p.alerts.Evaluate(ctx, snap.System)
	}
	return nil
}

// Snapshot reads the registry and renders the documents without writing.
func (p *Publisher) Snapshot(ctx context.Context) (*Snapshot, error) {
	var rows []*health.TrackingRow
	for offset := 0; ; offset += scanBatchSize {
		batch, err := p.store.EnabledModels(ctx, offset, scanBatchSize)
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
		if len(batch) < scanBatchSize {
			break
		}
	}

	recent, err := p.store.RecentlyCalled(ctx, maxPublishedModels)
	if err != nil {
		return nil, err
	}
	catalogTotal, err := p.store.CatalogCount(ctx)
	if err != nil {
		return nil, err
	}

	return BuildSnapshot(rows, recent, catalogTotal, p.adapter, time.Now()), nil
}

// write marshals and stores one document, reporting whether it landed.
func (p *Publisher) write(ctx context.Context, key string, doc any, ttl time.Duration) bool {
	payload, err := json.Marshal(doc)
	if err != nil {
		p.log.ErrorContext(ctx, "publish.cache.marshal.error",
			slog.String("key", key), slog.String("error", err.Error()))
		return false
	}

	err = p.retry.Do(ctx, func() error {
		if err := p.client.Set(ctx, key, payload, ttl).Err(); err != nil {
			// Redis write failures are assumed transient; the next cycle
			// overwrites whatever this one misses.
			return perrors.New(perrors.CodeCache,
				fmt.Sprintf("failed to write %s", key), err).WithRecoverable(true)
		}
		return nil
	})
	if err != nil {
		p.log.ErrorContext(ctx, "publish.cache.write.error",
			slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}
