// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelpulse/pulse/pkg/health"
)

// ErrTierUpdateUnavailable is returned by ReassignTiers when the tracking
// table is missing from the schema. The tier updater logs a warning and
// skips the cycle instead of failing the supervisor.
var ErrTierUpdateUnavailable = errors.New("tier reassignment unavailable: tracking table missing")

// ErrNotTracked is returned when no tracking row exists for an identity.
var ErrNotTracked = errors.New("model is not tracked")

const trackingColumns = `provider, model, gateway, tier, priority_score, is_enabled,
	next_check_at, last_called_at,
	call_count, success_count, error_count, consecutive_failures, consecutive_successes,
	last_status, last_response_time_ms, last_error_message, http_status_code,
	last_success_at, last_failure_at,
	average_response_time_ms, circuit_breaker_state,
	uptime_24h, uptime_7d, uptime_30d`

// TierPriority is the scheduling weight assigned to each tier. Higher
// scores are picked up sooner by the due-model query.
func TierPriority(tier health.MonitoringTier) float64 {
	switch tier {
	case health.TierCritical:
		return 100
	case health.TierPopular:
		return 75
	case health.TierStandard:
		return 50
	default:
		return 25
	}
}

// EnsureTracking creates a default tracking row for an identity if none
// exists. New rows are due immediately and report 100% uptime until the
// first aggregation.
func (s *Store) EnsureTracking(ctx context.Context, id health.ModelIdentity, tier health.MonitoringTier) error {
	if !tier.Valid() {
		tier = health.TierStandard
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(provider, model, gateway, tier, priority_score, is_enabled, next_check_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(provider, model, gateway) DO NOTHING`, trackingTable),
		id.Provider, id.Model, id.Gateway, string(tier), TierPriority(tier), toMillis(time.Now()))
	return storeErr("failed to ensure tracking row", err)
}

// GetTracking reads one tracking row. Returns ErrNotTracked when absent.
func (s *Store) GetTracking(ctx context.Context, id health.ModelIdentity) (*health.TrackingRow, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE provider = ? AND model = ? AND gateway = ?`,
		trackingColumns, trackingTable),
		id.Provider, id.Model, id.Gateway)
	tr, err := scanTracking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotTracked
	}
	if err != nil {
		return nil, storeErr("failed to read tracking row", err)
	}
	return tr, nil
}

// UpsertTracking writes the full tracking row transactionally. Concurrent
// writers resolve last-writer-wins at the row level.
func (s *Store) UpsertTracking(ctx context.Context, tr *health.TrackingRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("failed to begin transaction", err)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, model, gateway) DO UPDATE SET
			tier = excluded.tier,
			priority_score = excluded.priority_score,
			is_enabled = excluded.is_enabled,
			next_check_at = excluded.next_check_at,
			last_called_at = excluded.last_called_at,
			call_count = excluded.call_count,
			success_count = excluded.success_count,
			error_count = excluded.error_count,
			consecutive_failures = excluded.consecutive_failures,
			consecutive_successes = excluded.consecutive_successes,
			last_status = excluded.last_status,
			last_response_time_ms = excluded.last_response_time_ms,
			last_error_message = excluded.last_error_message,
			http_status_code = excluded.http_status_code,
			last_success_at = excluded.last_success_at,
			last_failure_at = excluded.last_failure_at,
			average_response_time_ms = excluded.average_response_time_ms,
			circuit_breaker_state = excluded.circuit_breaker_state,
			uptime_24h = excluded.uptime_24h,
			uptime_7d = excluded.uptime_7d,
			uptime_30d = excluded.uptime_30d`,
		trackingTable, trackingColumns),
		tr.Identity.Provider, tr.Identity.Model, tr.Identity.Gateway,
		string(tr.Tier), tr.PriorityScore, boolToInt(tr.IsEnabled),
		toMillis(tr.NextCheckAt), nullTime(tr.LastCalledAt),
		tr.CallCount, tr.SuccessCount, tr.ErrorCount,
		tr.ConsecutiveFailures, tr.ConsecutiveSuccesses,
		string(tr.LastStatus), nullInt64(tr.LastResponseTimeMs), nullString(tr.LastErrorMessage),
		nullInt(tr.HTTPStatusCode), nullTime(tr.LastSuccessAt), nullTime(tr.LastFailureAt),
		tr.AverageResponseTimeMs, string(tr.BreakerState),
		tr.Uptime24h, tr.Uptime7d, tr.Uptime30d)
	if err != nil {
		_ = tx.Rollback()
		return storeErr("failed to upsert tracking row", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("failed to commit tracking upsert", err)
	}
	return nil
}

// DueModels returns enabled rows whose next_check_at has passed, ordered by
// (priority_score DESC, next_check_at ASC). A non-nil gateways list
// restricts the window to those gateways, so rows that cannot be probed
// (unconfigured gateways) never crowd probeable ones out of the window.
// The caller passes 2x its batch size and filters further with worker
// leases.
func (s *Store) DueModels(ctx context.Context, now time.Time, limit int, gateways []string) ([]*health.TrackingRow, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE is_enabled = 1 AND next_check_at <= ?`,
		trackingColumns, trackingTable)
	args := []any{toMillis(now)}
	if gateways != nil {
		if len(gateways) == 0 {
			return nil, nil
		}
		query += ` AND gateway IN (?` + strings.Repeat(", ?", len(gateways)-1) + `)`
		for _, gw := range gateways {
			args = append(args, gw)
		}
	}
	query += ` ORDER BY priority_score DESC, next_check_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("failed to query due models", err)
	}
	defer rows.Close()
	return collectTracking(rows)
}

// EnabledModels scans enabled rows in stable order for batched processing.
func (s *Store) EnabledModels(ctx context.Context, offset, limit int) ([]*health.TrackingRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE is_enabled = 1
		 ORDER BY provider, model, gateway LIMIT ? OFFSET ?`,
		trackingColumns, trackingTable),
		limit, offset)
	if err != nil {
		return nil, storeErr("failed to query enabled models", err)
	}
	defer rows.Close()
	return collectTracking(rows)
}

// RecentlyCalled returns up to limit tracked rows ordered by most recent
// last_called_at, for the compact routing view.
func (s *Store) RecentlyCalled(ctx context.Context, limit int) ([]*health.TrackingRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE is_enabled = 1 AND last_called_at IS NOT NULL
		 ORDER BY last_called_at DESC LIMIT ?`,
		trackingColumns, trackingTable),
		limit)
	if err != nil {
		return nil, storeErr("failed to query recently called models", err)
	}
	defer rows.Close()
	return collectTracking(rows)
}

// UpdateUptimes writes the three rollup fields computed by the aggregator.
func (s *Store) UpdateUptimes(ctx context.Context, id health.ModelIdentity, u24, u7, u30 float64) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET uptime_24h = ?, uptime_7d = ?, uptime_30d = ?
		 WHERE provider = ? AND model = ? AND gateway = ?`, trackingTable),
		u24, u7, u30, id.Provider, id.Model, id.Gateway)
	return storeErr("failed to update uptimes", err)
}

// ReassignTiers re-classifies enabled models by observed usage: the top 5%
// by call_count become critical, the next 20% popular, the remainder
// standard. Rows explicitly marked on_demand are preserved.
func (s *Store) ReassignTiers(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		WITH ranked AS (
			SELECT provider, model, gateway,
			       PERCENT_RANK() OVER (ORDER BY call_count DESC) AS pr
			FROM %[1]s
			WHERE is_enabled = 1 AND tier != 'on_demand'
		)
		UPDATE %[1]s AS t
		SET tier = CASE
				WHEN r.pr <= 0.05 THEN 'critical'
				WHEN r.pr <= 0.25 THEN 'popular'
				ELSE 'standard'
			END,
			priority_score = CASE
				WHEN r.pr <= 0.05 THEN 100
				WHEN r.pr <= 0.25 THEN 75
				ELSE 50
			END
		FROM ranked AS r
		WHERE t.provider = r.provider AND t.model = r.model AND t.gateway = r.gateway`,
		trackingTable))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such table") {
			return 0, ErrTierUpdateUnavailable
		}
		return 0, storeErr("failed to reassign tiers", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TrackedCount returns the number of enabled tracking rows.
func (s *Store) TrackedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE is_enabled = 1`, trackingTable)).Scan(&n)
	if err != nil {
		return 0, storeErr("failed to count tracked models", err)
	}
	return n, nil
}

// CatalogCount returns the total catalog size, tracked or not.
func (s *Store) CatalogCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, catalogTable)).Scan(&n)
	if err != nil {
		return 0, storeErr("failed to count catalog", err)
	}
	return n, nil
}

// EnsureCatalog records identities in the catalog. Catalog entries without
// tracking rows are reported as neither healthy nor unhealthy.
func (s *Store) EnsureCatalog(ctx context.Context, ids []health.ModelIdentity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("failed to begin transaction", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (provider, model, gateway) VALUES (?, ?, ?)
			 ON CONFLICT(provider, model, gateway) DO NOTHING`, catalogTable),
			id.Provider, id.Model, id.Gateway); err != nil {
			_ = tx.Rollback()
			return storeErr("failed to insert catalog entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("failed to commit catalog entries", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracking(r rowScanner) (*health.TrackingRow, error) {
	var (
		tr               health.TrackingRow
		tier, status, cb string
		enabled          int
		nextCheck        int64
		lastCalled       sql.NullInt64
		lastRespMs       sql.NullInt64
		lastErr          sql.NullString
		httpStatus       sql.NullInt64
		lastSuccess      sql.NullInt64
		lastFailure      sql.NullInt64
	)
	err := r.Scan(
		&tr.Identity.Provider, &tr.Identity.Model, &tr.Identity.Gateway,
		&tier, &tr.PriorityScore, &enabled,
		&nextCheck, &lastCalled,
		&tr.CallCount, &tr.SuccessCount, &tr.ErrorCount,
		&tr.ConsecutiveFailures, &tr.ConsecutiveSuccesses,
		&status, &lastRespMs, &lastErr, &httpStatus,
		&lastSuccess, &lastFailure,
		&tr.AverageResponseTimeMs, &cb,
		&tr.Uptime24h, &tr.Uptime7d, &tr.Uptime30d)
	if err != nil {
		return nil, err
	}
	tr.Tier = health.MonitoringTier(tier)
	tr.IsEnabled = enabled != 0
	tr.NextCheckAt = fromMillis(nextCheck)
	tr.LastCalledAt = timePtr(lastCalled)
	tr.LastStatus = health.CheckStatus(status)
	tr.LastResponseTimeMs = int64Ptr(lastRespMs)
	tr.LastErrorMessage = stringPtr(lastErr)
	tr.HTTPStatusCode = intPtr(httpStatus)
	tr.LastSuccessAt = timePtr(lastSuccess)
	tr.LastFailureAt = timePtr(lastFailure)
	tr.BreakerState = health.BreakerState(cb)
	return &tr, nil
}

func collectTracking(rows *sql.Rows) ([]*health.TrackingRow, error) {
	var out []*health.TrackingRow
	for rows.Next() {
		tr, err := scanTracking(rows)
		if err != nil {
			return nil, storeErr("failed to scan tracking row", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to iterate tracking rows", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
