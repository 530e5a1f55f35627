// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelpulse/pulse/pkg/health"
)

const incidentColumns = `id, provider, model, gateway, incident_type, severity, status,
	started_at, resolved_at, error_count, error_message, resolution_notes`

// ActiveIncident returns the open incident for an identity, or nil.
func (s *Store) ActiveIncident(ctx context.Context, id health.ModelIdentity) (*health.Incident, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE provider = ? AND model = ? AND gateway = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`, incidentColumns, incidentTable),
		id.Provider, id.Model, id.Gateway, string(health.IncidentActive))
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("failed to read active incident", err)
	}
	return inc, nil
}

// OpenIncident creates a new active incident for an identity.
func (s *Store) OpenIncident(ctx context.Context, inc *health.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, incidentTable, incidentColumns),
		inc.ID, inc.Identity.Provider, inc.Identity.Model, inc.Identity.Gateway,
		string(inc.Type), string(inc.Severity), string(inc.Status),
		toMillis(inc.StartedAt), nullTime(inc.ResolvedAt),
		inc.ErrorCount, nullString(inc.ErrorMessage), nullString(inc.ResolutionNotes))
	return storeErr("failed to open incident", err)
}

// UpdateIncident rewrites the mutable fields of an existing incident.
func (s *Store) UpdateIncident(ctx context.Context, inc *health.Incident) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET severity = ?, status = ?, resolved_at = ?,
		        error_count = ?, error_message = ?, resolution_notes = ?
		 WHERE id = ?`, incidentTable),
		string(inc.Severity), string(inc.Status), nullTime(inc.ResolvedAt),
		inc.ErrorCount, nullString(inc.ErrorMessage), nullString(inc.ResolutionNotes),
		inc.ID)
	return storeErr("failed to update incident", err)
}

// ResolveIncidents marks every active incident for an identity resolved
// with the given notes. Returns the number of incidents resolved.
func (s *Store) ResolveIncidents(ctx context.Context, id health.ModelIdentity, notes string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = ?, resolved_at = ?, resolution_notes = ?
		 WHERE provider = ? AND model = ? AND gateway = ? AND status = ?`, incidentTable),
		string(health.IncidentResolved), toMillis(at), notes,
		id.Provider, id.Model, id.Gateway, string(health.IncidentActive))
	if err != nil {
		return 0, storeErr("failed to resolve incidents", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecoveredActiveIncidents returns active incidents whose tracking row
// already shows a success streak at or above the threshold. The incident
// resolver loop sweeps these up when the processor crashed between its
// counter upsert and incident resolution.
func (s *Store) RecoveredActiveIncidents(ctx context.Context, successThreshold int) ([]*health.Incident, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s AS i
		 WHERE i.status = ? AND EXISTS (
			SELECT 1 FROM %s AS t
			WHERE t.provider = i.provider AND t.model = i.model AND t.gateway = i.gateway
			  AND t.consecutive_successes >= ?
		 )`, qualifyIncidentColumns("i"), incidentTable, trackingTable),
		string(health.IncidentActive), successThreshold)
	if err != nil {
		return nil, storeErr("failed to query recovered incidents", err)
	}
	defer rows.Close()

	var out []*health.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, storeErr("failed to scan incident", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to iterate incidents", err)
	}
	return out, nil
}

// IncidentsFor returns every incident for an identity, newest first.
// Drives incident timelines on status surfaces.
func (s *Store) IncidentsFor(ctx context.Context, id health.ModelIdentity) ([]*health.Incident, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE provider = ? AND model = ? AND gateway = ?
		 ORDER BY started_at DESC`, incidentColumns, incidentTable),
		id.Provider, id.Model, id.Gateway)
	if err != nil {
		return nil, storeErr("failed to query incidents", err)
	}
	defer rows.Close()

	var out []*health.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, storeErr("failed to scan incident", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to iterate incidents", err)
	}
	return out, nil
}

func qualifyIncidentColumns(alias string) string {
	return alias + ".id, " + alias + ".provider, " + alias + ".model, " + alias + ".gateway, " +
		alias + ".incident_type, " + alias + ".severity, " + alias + ".status, " +
		alias + ".started_at, " + alias + ".resolved_at, " + alias + ".error_count, " +
		alias + ".error_message, " + alias + ".resolution_notes"
}

func scanIncident(r rowScanner) (*health.Incident, error) {
	var (
		inc                       health.Incident
		incType, severity, status string
		startedAt                 int64
		resolvedAt                sql.NullInt64
		errMsg, notes             sql.NullString
	)
	err := r.Scan(&inc.ID,
		&inc.Identity.Provider, &inc.Identity.Model, &inc.Identity.Gateway,
		&incType, &severity, &status,
		&startedAt, &resolvedAt, &inc.ErrorCount, &errMsg, &notes)
	if err != nil {
		return nil, err
	}
	inc.Type = health.IncidentType(incType)
	inc.Severity = health.IncidentSeverity(severity)
	inc.Status = health.IncidentStatus(status)
	inc.StartedAt = fromMillis(startedAt)
	inc.ResolvedAt = timePtr(resolvedAt)
	inc.ErrorMessage = stringPtr(errMsg)
	inc.ResolutionNotes = stringPtr(notes)
	return &inc, nil
}
