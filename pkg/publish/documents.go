// SPDX-License-Identifier: Apache-2.0

// Package publish renders tracked health state into the cache documents
// consumed by request-time routing and the status surface, and emits
// alerts when aggregate health drops below threshold.
package publish

import (
	"math"
	"sort"
	"time"

	"github.com/modelpulse/pulse/pkg/gateway"
	"github.com/modelpulse/pulse/pkg/health"
)

// Cache keys and TTLs. The primary TTL must exceed the check interval so
// documents never expire between publications.
const (
	KeySystem    = "health:system"
	KeyProviders = "health:providers"
	KeyModels    = "health:models"
	KeyGateways  = "health:gateways"
	KeyDashboard = "health:dashboard"

	DashboardTTL = 90 * time.Second

	// maxPublishedModels caps the routing view to the most recently
	// exercised models.
	maxPublishedModels = 500
)

// Overall system statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// SystemDoc is the aggregate view at health:system. Model totals come from
// the catalog, so untracked models are counted neither healthy nor
// unhealthy.
type SystemDoc struct {
	OverallStatus      string  `json:"overall_status"`
	TotalProviders     int     `json:"total_providers"`
	HealthyProviders   int     `json:"healthy_providers"`
	DegradedProviders  int     `json:"degraded_providers"`
	UnhealthyProviders int     `json:"unhealthy_providers"`
	TotalModels        int     `json:"total_models"`
	HealthyModels      int     `json:"healthy_models"`
	UnhealthyModels    int     `json:"unhealthy_models"`
	TrackedModels      int     `json:"tracked_models"`
	TotalGateways      int     `json:"total_gateways"`
	HealthyGateways    int     `json:"healthy_gateways"`
	SystemUptime       float64 `json:"system_uptime"`
	LastUpdated        string  `json:"last_updated"`
}

// ProviderStatus is one (provider, gateway) rollup.
type ProviderStatus struct {
	Provider          string  `json:"provider"`
	Gateway           string  `json:"gateway"`
	Status            string  `json:"status"` // online, degraded, offline
	TotalModels       int     `json:"total_models"`
	HealthyModels     int     `json:"healthy_models"`
	UnhealthyModels   int     `json:"unhealthy_models"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	OverallUptime     float64 `json:"overall_uptime"`
	LastChecked       string  `json:"last_checked"`
}

// ProvidersDoc is the payload at health:providers.
type ProvidersDoc struct {
	Providers   []ProviderStatus `json:"providers"`
	LastUpdated string           `json:"last_updated"`
}

// ModelStatus is the compact per-model view for routing.
type ModelStatus struct {
	ModelID           string   `json:"model_id"`
	Provider          string   `json:"provider"`
	Gateway           string   `json:"gateway"`
	Status            string   `json:"status"` // healthy, unhealthy
	ResponseTimeMs    *int64   `json:"response_time_ms,omitempty"`
	AvgResponseTimeMs *float64 `json:"avg_response_time_ms,omitempty"`
	UptimePercentage  float64  `json:"uptime_percentage"`
	ErrorCount        int64    `json:"error_count"`
	TotalRequests     int64    `json:"total_requests"`
	LastChecked       string   `json:"last_checked"`
}

// ModelsDoc is the payload at health:models.
type ModelsDoc struct {
	Models      []ModelStatus `json:"models"`
	LastUpdated string        `json:"last_updated"`
}

// GatewayStatus is one entry of the health:gateways map.
type GatewayStatus struct {
	Healthy     bool     `json:"healthy"`
	Status      string   `json:"status"` // healthy, offline, degraded, unconfigured, pending
	LatencyMs   *float64 `json:"latency_ms,omitempty"`
	Available   bool     `json:"available"`
	LastCheck   string   `json:"last_check"`
	Error       string   `json:"error,omitempty"`
	TotalModels int      `json:"total_models"`
	Configured  bool     `json:"configured"`
}

// GatewaysDoc is the payload at health:gateways, keyed by gateway name.
type GatewaysDoc map[string]GatewayStatus

// DashboardDoc is the short-TTL compact variant.
type DashboardDoc struct {
	OverallStatus   string  `json:"overall_status"`
	HealthyModels   int     `json:"healthy_models"`
	UnhealthyModels int     `json:"unhealthy_models"`
	TrackedModels   int     `json:"tracked_models"`
	SystemUptime    float64 `json:"system_uptime"`
	LastUpdated     string  `json:"last_updated"`
}

// Snapshot bundles one publication cycle's documents.
type Snapshot struct {
	System    SystemDoc
	Providers ProvidersDoc
	Models    ModelsDoc
	Gateways  GatewaysDoc
	Dashboard DashboardDoc
}

// BuildSnapshot renders tracking state into the publishable documents.
// rows is the full set of enabled tracking rows; recent is the
// most-recently-exercised subset for the routing view; catalogTotal is the
// catalog size including untracked models.
func BuildSnapshot(rows, recent []*health.TrackingRow, catalogTotal int, adapter *gateway.Adapter, now time.Time) *Snapshot {
	ts := now.UTC().Format(time.RFC3339)

	providers := buildProviders(rows, ts)
	gateways := buildGateways(rows, adapter, ts)
	system := buildSystem(rows, providers.Providers, gateways, catalogTotal, ts)

	models := ModelsDoc{Models: []ModelStatus{}, LastUpdated: ts}
	if len(recent) > maxPublishedModels {
		recent = recent[:maxPublishedModels]
	}
	for _, row := range recent {
		if !row.Checked() {
			continue
		}
		ms := ModelStatus{
			ModelID:          row.Identity.Model,
			Provider:         row.Identity.Provider,
			Gateway:          row.Identity.Gateway,
			Status:           "unhealthy",
			UptimePercentage: row.Uptime24h,
			ErrorCount:       row.ErrorCount,
			TotalRequests:    row.CallCount,
			LastChecked:      lastChecked(row, ts),
		}
		if row.Healthy() {
			ms.Status = "healthy"
		}
		ms.ResponseTimeMs = row.LastResponseTimeMs
		if row.AverageResponseTimeMs > 0 {
			avg := round2(row.AverageResponseTimeMs)
			ms.AvgResponseTimeMs = &avg
		}
		models.Models = append(models.Models, ms)
	}

	return &Snapshot{
		System:    system,
		Providers: providers,
		Models:    models,
		Gateways:  gateways,
		Dashboard: DashboardDoc{
			OverallStatus:   system.OverallStatus,
			HealthyModels:   system.HealthyModels,
			UnhealthyModels: system.UnhealthyModels,
			TrackedModels:   system.TrackedModels,
			SystemUptime:    system.SystemUptime,
			LastUpdated:     ts,
		},
	}
}

// buildProviders groups checked rows by (provider, gateway). A provider is
// offline when more than half its checked models are unhealthy, online
// when at least one is healthy, degraded otherwise.
func buildProviders(rows []*health.TrackingRow, ts string) ProvidersDoc {
	type agg struct {
		total, healthy, unhealthy int
		latencySum                float64
		latencyN                  int
		uptimeSum                 float64
		lastChecked               time.Time
	}
	groups := make(map[[2]string]*agg)
	for _, row := range rows {
		if !row.Checked() {
			continue
		}
		key := [2]string{row.Identity.Provider, row.Identity.Gateway}
		a := groups[key]
		if a == nil {
			a = &agg{}
			groups[key] = a
		}
		a.total++
		if row.Healthy() {
			a.healthy++
		} else {
			a.unhealthy++
		}
		if row.AverageResponseTimeMs > 0 {
			a.latencySum += row.AverageResponseTimeMs
			a.latencyN++
		}
		a.uptimeSum += row.Uptime24h
		if row.LastCalledAt != nil && row.LastCalledAt.After(a.lastChecked) {
			a.lastChecked = *row.LastCalledAt
		}
	}

	doc := ProvidersDoc{Providers: []ProviderStatus{}, LastUpdated: ts}
	for key, a := range groups {
		ps := ProviderStatus{
			Provider:        key[0],
			Gateway:         key[1],
			Status:          providerStatus(a.healthy, a.unhealthy, a.total),
			TotalModels:     a.total,
			HealthyModels:   a.healthy,
			UnhealthyModels: a.unhealthy,
			OverallUptime:   round2(a.uptimeSum / float64(a.total)),
			LastChecked:     ts,
		}
		if a.latencyN > 0 {
			ps.AvgResponseTimeMs = round2(a.latencySum / float64(a.latencyN))
		}
		if !a.lastChecked.IsZero() {
			ps.LastChecked = a.lastChecked.UTC().Format(time.RFC3339)
		}
		doc.Providers = append(doc.Providers, ps)
	}
	sort.Slice(doc.Providers, func(i, j int) bool {
		a, b := doc.Providers[i], doc.Providers[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Gateway < b.Gateway
	})
	return doc
}

func providerStatus(healthy, unhealthy, total int) string {
	switch {
	case total > 0 && unhealthy*2 > total:
		return "offline"
	case healthy >= 1:
		return "online"
	default:
		return "degraded"
	}
}

// buildGateways renders one entry per known gateway: unconfigured when the
// credential is missing, pending when configured but not yet populated,
// healthy/offline from live aggregates otherwise.
func buildGateways(rows []*health.TrackingRow, adapter *gateway.Adapter, ts string) GatewaysDoc {
	type agg struct {
		total, healthy int
		latencySum     float64
		latencyN       int
	}
	byGateway := make(map[string]*agg)
	for _, row := range rows {
		if !row.Checked() {
			continue
		}
		a := byGateway[row.Identity.Gateway]
		if a == nil {
			a = &agg{}
			byGateway[row.Identity.Gateway] = a
		}
		a.total++
		if row.Healthy() {
			a.healthy++
		}
		if row.AverageResponseTimeMs > 0 {
			a.latencySum += row.AverageResponseTimeMs
			a.latencyN++
		}
	}

	doc := make(GatewaysDoc, len(gateway.Names()))
	for _, name := range gateway.Names() {
		if !adapter.Configured(name) {
			doc[name] = GatewayStatus{
				Status:    "unconfigured",
				LastCheck: ts,
				Error:     "missing API key: set " + gateway.EnvVarFor(name),
			}
			continue
		}
		a := byGateway[name]
		if a == nil || a.total == 0 {
			doc[name] = GatewayStatus{
				Status:     "pending",
				Available:  true,
				Configured: true,
				LastCheck:  ts,
			}
			continue
		}
		gs := GatewayStatus{
			Healthy:     a.healthy >= 1,
			Status:      "offline",
			Available:   a.healthy >= 1,
			Configured:  true,
			LastCheck:   ts,
			TotalModels: a.total,
		}
		if a.healthy >= 1 {
			gs.Status = StatusHealthy
		}
		if a.latencyN > 0 {
			lat := round2(a.latencySum / float64(a.latencyN))
			gs.LatencyMs = &lat
		}
		doc[name] = gs
	}
	return doc
}

// buildSystem computes the aggregate document. healthy+unhealthy never
// exceeds the catalog total.
func buildSystem(rows []*health.TrackingRow, providers []ProviderStatus, gateways GatewaysDoc, catalogTotal int, ts string) SystemDoc {
	tracked := len(rows)
	var healthy, unhealthy, checked int
	var uptimeSum float64
	for _, row := range rows {
		if !row.Checked() {
			continue
		}
		checked++
		uptimeSum += row.Uptime24h
		if row.Healthy() {
			healthy++
		} else {
			unhealthy++
		}
	}

	total := catalogTotal
	if total < tracked {
		total = tracked
	}
	if healthy > total {
		healthy = total
	}
	if unhealthy > total-healthy {
		unhealthy = total - healthy
	}

	var online, degraded, offline int
	for _, p := range providers {
		switch p.Status {
		case "online":
			online++
		case "offline":
			offline++
		default:
			degraded++
		}
	}

	healthyGateways := 0
	for _, gs := range gateways {
		if gs.Status == StatusHealthy {
			healthyGateways++
		}
	}

	uptime := 100.0
	if checked > 0 {
		uptime = round2(uptimeSum / float64(checked))
	}

	return SystemDoc{
		OverallStatus:      overallStatus(checked, online, degraded, offline),
		TotalProviders:     len(providers),
		HealthyProviders:   online,
		DegradedProviders:  degraded,
		UnhealthyProviders: offline,
		TotalModels:        total,
		HealthyModels:      healthy,
		UnhealthyModels:    unhealthy,
		TrackedModels:      tracked,
		TotalGateways:      len(gateways),
		HealthyGateways:    healthyGateways,
		SystemUptime:       uptime,
		LastUpdated:        ts,
	}
}

// overallStatus: unknown until a model has been checked; unhealthy when at
// least half the tracked providers are offline; degraded when any provider
// is not fully online; healthy otherwise.
func overallStatus(checked, online, degraded, offline int) string {
	if checked == 0 {
		return StatusUnknown
	}
	providers := online + degraded + offline
	if providers > 0 && offline*2 >= providers {
		return StatusUnhealthy
	}
	if degraded > 0 || offline > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

func lastChecked(row *health.TrackingRow, fallback string) string {
	if row.LastCalledAt != nil {
		return row.LastCalledAt.UTC().Format(time.RFC3339)
	}
	return fallback
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
