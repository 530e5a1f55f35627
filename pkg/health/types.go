// SPDX-License-Identifier: Apache-2.0

// Package health defines the domain types of the model health monitor: probe
// statuses, circuit breaker states, monitoring tiers and incident records.
// All state transition logic lives here as pure functions so the scheduler,
// processor and publisher can share one source of truth.
package health

import "time"

// CheckStatus classifies the outcome of a single probe.
type CheckStatus string

const (
	StatusSuccess      CheckStatus = "success"
	StatusTimeout      CheckStatus = "timeout"
	StatusRateLimited  CheckStatus = "rate_limited"
	StatusUnauthorized CheckStatus = "unauthorized"
	StatusNotFound     CheckStatus = "not_found"
	StatusError        CheckStatus = "error"
)

// IsSuccess reports whether the status counts as a successful probe.
func (s CheckStatus) IsSuccess() bool {
	return s == StatusSuccess
}

// BreakerState is the persisted circuit breaker state of a tracked model.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// MonitoringTier determines probe frequency, timeout and payload size.
type MonitoringTier string

const (
	TierCritical MonitoringTier = "critical"
	TierPopular  MonitoringTier = "popular"
	TierStandard MonitoringTier = "standard"
	TierOnDemand MonitoringTier = "on_demand"
)

// IncidentType classifies the failure mode that opened an incident.
type IncidentType string

const (
	IncidentOutage         IncidentType = "outage"
	IncidentTimeout        IncidentType = "timeout"
	IncidentRateLimit      IncidentType = "rate_limit"
	IncidentAuthentication IncidentType = "authentication"
	IncidentUnavailable    IncidentType = "unavailable"
	IncidentUnknown        IncidentType = "unknown"
)

// IncidentSeverity grades an incident by observed failure streak length.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// IncidentStatus is the lifecycle state of an incident record.
type IncidentStatus string

const (
	IncidentActive   IncidentStatus = "active"
	IncidentResolved IncidentStatus = "resolved"
)

// ModelIdentity is the composite natural key of a tracked model. The same
// model name may be carried by several gateways with different health.
type ModelIdentity struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Gateway  string `json:"gateway"`
}

// String renders the identity as provider:model:gateway.
func (id ModelIdentity) String() string {
	return id.Provider + ":" + id.Model + ":" + id.Gateway
}

// CheckResult is the immutable outcome of one probe. Produced by the probe
// executor, consumed by the result processor, then discarded.
type CheckResult struct {
	Identity       ModelIdentity
	Status         CheckStatus
	ResponseTimeMs *int64
	ErrorMessage   *string
	HTTPStatusCode *int
	CheckedAt      time.Time
}

// TrackingRow is the one-row-per-identity state record. It is owned by the
// result processor; every other component reads it.
type TrackingRow struct {
	Identity ModelIdentity

	Tier          MonitoringTier
	PriorityScore float64
	IsEnabled     bool

	NextCheckAt  time.Time
	LastCalledAt *time.Time

	CallCount            int64
	SuccessCount         int64
	ErrorCount           int64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int

	LastStatus         CheckStatus
	LastResponseTimeMs *int64
	LastErrorMessage   *string
	HTTPStatusCode     *int
	LastSuccessAt      *time.Time
	LastFailureAt      *time.Time

	AverageResponseTimeMs float64
	BreakerState          BreakerState

	Uptime24h float64
	Uptime7d  float64
	Uptime30d float64
}

// Checked reports whether at least one probe has been recorded for the row.
func (tr *TrackingRow) Checked() bool {
	return tr.LastStatus != ""
}

// Healthy reports whether the row currently counts as healthy: probed at
// least once, last probe succeeded and the breaker is not open. Unchecked
// rows are neither healthy nor unhealthy.
func (tr *TrackingRow) Healthy() bool {
	return tr.Checked() && tr.LastStatus == StatusSuccess && tr.BreakerState != BreakerOpen
}

// HistoryRecord is the append-only per-probe log row.
type HistoryRecord struct {
	Identity       ModelIdentity
	CheckedAt      time.Time
	Status         CheckStatus
	ResponseTimeMs *int64
	ErrorMessage   *string
	HTTPStatusCode *int
	BreakerState   BreakerState
}

// Incident is a time-bounded record of sustained failure for one identity.
// At most one incident per identity is active at a time.
type Incident struct {
	ID              string
	Identity        ModelIdentity
	Type            IncidentType
	Severity        IncidentSeverity
	Status          IncidentStatus
	StartedAt       time.Time
	ResolvedAt      *time.Time
	ErrorCount      int64
	ErrorMessage    *string
	ResolutionNotes *string
}

// IncidentTypeFor maps a probe status to the incident type it opens.
func IncidentTypeFor(status CheckStatus) IncidentType {
	switch status {
	case StatusTimeout:
		return IncidentTimeout
	case StatusRateLimited:
		return IncidentRateLimit
	case StatusUnauthorized:
		return IncidentAuthentication
	case StatusNotFound:
		return IncidentUnavailable
	case StatusError:
		return IncidentOutage
	default:
		return IncidentUnknown
	}
}

// SeverityFor grades an incident by the consecutive failure streak observed
// while it is open. Severity only escalates; callers must keep the maximum.
func SeverityFor(consecutiveFailures int) IncidentSeverity {
	switch {
	case consecutiveFailures >= 10:
		return SeverityCritical
	case consecutiveFailures >= 5:
		return SeverityHigh
	case consecutiveFailures >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// severityRank orders severities for monotonic escalation.
func severityRank(s IncidentSeverity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b IncidentSeverity) IncidentSeverity {
	if severityRank(b) > severityRank(a) {
		return b
	}
	return a
}
