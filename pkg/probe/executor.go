// SPDX-License-Identifier: Apache-2.0

// Package probe executes health probes against upstream gateways under a
// process-wide concurrency cap. The executor never raises probe failures
// to its caller: every network outcome is rendered into a CheckResult.
package probe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/modelpulse/pulse/pkg/gateway"
	"github.com/modelpulse/pulse/pkg/health"
)

// Doer abstracts the HTTP client so tests can inject deterministic
// responses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor performs probes with a counting semaphore bounding concurrent
// outbound requests across all scheduler batches.
type Executor struct {
	adapter *gateway.Adapter
	client  Doer
	sem     *semaphore.Weighted
}

// New creates an executor. maxConcurrent bounds in-flight probes; client
// may be nil, in which case a plain http.Client without its own timeout is
// used (the per-probe context carries the deadline).
func New(adapter *gateway.Adapter, maxConcurrent int, client Doer) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{
		adapter: adapter,
		client:  client,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Execute probes one model. The returned error is non-nil only when the
// probe could not be attempted at all (unconfigured or unknown gateway,
// cancelled context); every attempted probe yields a CheckResult.
func (e *Executor) Execute(ctx context.Context, id health.ModelIdentity, tier health.MonitoringTier, timeout time.Duration) (*health.CheckResult, error) {
	spec, err := e.adapter.BuildProbe(id.Gateway, id.Model, tier, timeout)
	if err != nil {
		return nil, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	probeCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	start := time.Now()
	status, msg, httpCode := e.do(probeCtx, spec)
	elapsed := time.Since(start).Milliseconds()

	result := &health.CheckResult{
		Identity:       id,
		Status:         status,
		ResponseTimeMs: &elapsed,
		CheckedAt:      time.Now().UTC(),
	}
	if msg != "" {
		result.ErrorMessage = &msg
	}
	if httpCode != 0 {
		result.HTTPStatusCode = &httpCode
	}
	return result, nil
}

// do runs the HTTP exchange and classifies the outcome. Returns the check
// status, an error message ("" on success) and the HTTP status code (0 when
// the request never completed).
func (e *Executor) do(ctx context.Context, spec *gateway.ProbeSpec) (health.CheckStatus, string, int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.Endpoint, bytes.NewReader(spec.Body))
	if err != nil {
		return health.StatusError, gateway.TruncateError("persistent: " + err.Error()), 0
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		status, msg := gateway.ClassifyTransportError(err)
		return status, msg, 0
	}
	defer resp.Body.Close()

	status := gateway.ClassifyStatusCode(resp.StatusCode)
	if status == health.StatusSuccess {
		// Drain so the connection is reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return status, "", resp.StatusCode
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := gateway.TruncateError(http.StatusText(resp.StatusCode) + ": " + string(body))
	return status, msg, resp.StatusCode
}
