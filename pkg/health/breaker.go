// SPDX-License-Identifier: Apache-2.0

package health

// Circuit breaker thresholds. Cold starts and transient network faults often
// produce 3-5 consecutive failures even for healthy models; tripping at 8
// filters that noise while still reacting within ~40 minutes at the critical
// tier. Three successes are required to close again from half-open.
const (
	FailureThreshold = 8
	SuccessThreshold = 3
)

// BreakerThresholds carries configurable trip and recovery thresholds.
type BreakerThresholds struct {
	Failure int
	Success int
}

// DefaultBreakerThresholds returns the built-in 8/3 thresholds.
func DefaultBreakerThresholds() BreakerThresholds {
	return BreakerThresholds{Failure: FailureThreshold, Success: SuccessThreshold}
}

// Next is the total transition function of the per-model circuit breaker.
// It is evaluated after the streak counters for the current result have
// been applied:
//
//	CLOSED    -> OPEN       when consecutiveFailures >= Failure
//	OPEN      -> HALF_OPEN  on the next processed result, whatever it is
//	HALF_OPEN -> CLOSED     when consecutiveSuccesses >= Success
//	HALF_OPEN -> OPEN       on any single failure
//
// The OPEN state is left on the scheduler's shortened probe cadence rather
// than a wall-clock dwell, so a single recorded result is the trigger to
// start the half-open evaluation.
func (bt BreakerThresholds) Next(current BreakerState, isSuccess bool, consecutiveFailures, consecutiveSuccesses int) BreakerState {
	if bt.Failure < 1 {
		bt.Failure = FailureThreshold
	}
	if bt.Success < 1 {
		bt.Success = SuccessThreshold
	}
	switch current {
	case BreakerOpen:
		return BreakerHalfOpen
	case BreakerHalfOpen:
		if !isSuccess {
			return BreakerOpen
		}
		if consecutiveSuccesses >= bt.Success {
			return BreakerClosed
		}
		return BreakerHalfOpen
	default: // closed, or unset on a brand-new row
		if consecutiveFailures >= bt.Failure {
			return BreakerOpen
		}
		return BreakerClosed
	}
}

// NextBreakerState applies the default thresholds.
func NextBreakerState(current BreakerState, isSuccess bool, consecutiveFailures, consecutiveSuccesses int) BreakerState {
	return DefaultBreakerThresholds().Next(current, isSuccess, consecutiveFailures, consecutiveSuccesses)
}
