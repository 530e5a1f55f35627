// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelpulse/pulse/pkg/health"
)

// AppendHistory inserts one append-only probe record. History rows are
// never mutated; retention is handled by PruneHistory.
func (s *Store) AppendHistory(ctx context.Context, rec *health.HistoryRecord) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, provider, model, gateway, checked_at, status,
		 response_time_ms, error_message, http_status_code, circuit_breaker_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, historyTable),
		uuid.NewString(),
		rec.Identity.Provider, rec.Identity.Model, rec.Identity.Gateway,
		toMillis(rec.CheckedAt), string(rec.Status),
		nullInt64(rec.ResponseTimeMs), nullString(rec.ErrorMessage),
		nullInt(rec.HTTPStatusCode), string(rec.BreakerState))
	return storeErr("failed to append history record", err)
}

// UptimeSince counts successful and total probes for an identity since the
// given time. The aggregator turns these into uptime percentages.
func (s *Store) UptimeSince(ctx context.Context, id health.ModelIdentity, since time.Time) (successes, total int64, err error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0), COUNT(*)
		 FROM %s WHERE provider = ? AND model = ? AND gateway = ? AND checked_at >= ?`,
		historyTable),
		string(health.StatusSuccess),
		id.Provider, id.Model, id.Gateway, toMillis(since))
	if scanErr := row.Scan(&successes, &total); scanErr != nil {
		return 0, 0, storeErr("failed to aggregate history", scanErr)
	}
	return successes, total, nil
}

// HistoryWindow returns the probe records for an identity since the given
// time, newest first.
func (s *Store) HistoryWindow(ctx context.Context, id health.ModelIdentity, since time.Time) ([]*health.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT provider, model, gateway, checked_at, status,
		        response_time_ms, error_message, http_status_code, circuit_breaker_state
		 FROM %s WHERE provider = ? AND model = ? AND gateway = ? AND checked_at >= ?
		 ORDER BY checked_at DESC`, historyTable),
		id.Provider, id.Model, id.Gateway, toMillis(since))
	if err != nil {
		return nil, storeErr("failed to query history window", err)
	}
	defer rows.Close()

	var out []*health.HistoryRecord
	for rows.Next() {
		var (
			rec                health.HistoryRecord
			checkedAt          int64
			status, cb         string
			respMs, httpStatus sql.NullInt64
			errMsg             sql.NullString
		)
		if err := rows.Scan(
			&rec.Identity.Provider, &rec.Identity.Model, &rec.Identity.Gateway,
			&checkedAt, &status, &respMs, &errMsg, &httpStatus, &cb); err != nil {
			return nil, storeErr("failed to scan history record", err)
		}
		rec.CheckedAt = fromMillis(checkedAt)
		rec.Status = health.CheckStatus(status)
		rec.ResponseTimeMs = int64Ptr(respMs)
		rec.ErrorMessage = stringPtr(errMsg)
		rec.HTTPStatusCode = intPtr(httpStatus)
		rec.BreakerState = health.BreakerState(cb)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to iterate history records", err)
	}
	return out, nil
}

// PruneHistory deletes records older than the cutoff and returns the number
// removed.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE checked_at < ?`, historyTable),
		toMillis(before))
	if err != nil {
		return 0, storeErr("failed to prune history", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
