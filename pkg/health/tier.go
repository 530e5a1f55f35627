// SPDX-License-Identifier: Apache-2.0

package health

import "time"

// Default per-tier pacing. A currently failing model is re-probed at most
// every FailingInterval regardless of tier so recovery is detected quickly.
const (
	FailingInterval = 5 * time.Minute
)

// Interval returns the base probe interval for a tier.
func (t MonitoringTier) Interval() time.Duration {
	switch t {
	case TierCritical:
		return 5 * time.Minute
	case TierPopular:
		return 30 * time.Minute
	case TierStandard:
		return 2 * time.Hour
	case TierOnDemand:
		return 4 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// Timeout returns the probe timeout for a tier. The worker lease TTL must
// exceed the longest of these so a lease cannot expire mid-probe.
func (t MonitoringTier) Timeout() time.Duration {
	switch t {
	case TierCritical:
		return 30 * time.Second
	case TierPopular:
		return 45 * time.Second
	default:
		return 60 * time.Second
	}
}

// MaxTokens returns the completion budget for a probe at this tier. Kept
// small so probing 10k+ models stays cheap for the upstreams.
func (t MonitoringTier) MaxTokens() int {
	switch t {
	case TierCritical, TierPopular:
		return 5
	default:
		return 10
	}
}

// Valid reports whether t is a known tier.
func (t MonitoringTier) Valid() bool {
	switch t {
	case TierCritical, TierPopular, TierStandard, TierOnDemand:
		return true
	}
	return false
}

// NextCheckInterval computes the effective wait until the next probe given
// the tier's base interval and the failure streak after the current result
// was applied.
func NextCheckInterval(base time.Duration, isSuccess bool, consecutiveFailures int) time.Duration {
	if !isSuccess && consecutiveFailures > 1 && base > FailingInterval {
		return FailingInterval
	}
	return base
}
