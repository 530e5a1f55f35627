// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelpulse/pulse/pkg/health"
)

func TestBuildProbe(t *testing.T) {
	adapter := NewAdapter(map[string]string{"groq": "gsk-test"})

	spec, err := adapter.BuildProbe("groq", "llama-3.3-70b", health.TierCritical, 0)
	if err != nil {
		t.Fatalf("build probe: %v", err)
	}
	if !strings.Contains(spec.Endpoint, "api.groq.com") {
		t.Errorf("unexpected endpoint: %s", spec.Endpoint)
	}
	if spec.Headers["Authorization"] != "Bearer gsk-test" {
		t.Errorf("auth header not set: %v", spec.Headers)
	}
	if spec.Timeout != 30*time.Second {
		t.Errorf("timeout: got %v, want tier default 30s", spec.Timeout)
	}
	if spec.MaxTokens != 5 {
		t.Errorf("max tokens: got %d, want 5", spec.MaxTokens)
	}

	var body map[string]any
	if err := json.Unmarshal(spec.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["model"] != "llama-3.3-70b" {
		t.Errorf("model not in body: %v", body)
	}
	if body["max_tokens"].(float64) != 5 {
		t.Errorf("max_tokens not in body: %v", body)
	}
}

func TestBuildProbeEnvFallback(t *testing.T) {
	t.Setenv("TOGETHER_API_KEY", "tk-env")
	adapter := NewAdapter(nil)

	spec, err := adapter.BuildProbe("together", "mistral-7b", health.TierStandard, 0)
	if err != nil {
		t.Fatalf("build probe: %v", err)
	}
	if spec.Headers["Authorization"] != "Bearer tk-env" {
		t.Errorf("env credential not used: %v", spec.Headers)
	}
}

func TestBuildProbeUnconfigured(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	adapter := NewAdapter(nil)

	if adapter.Configured("openrouter") {
		t.Fatalf("gateway without key reported configured")
	}

	_, err := adapter.BuildProbe("openrouter", "gpt-4o", health.TierPopular, 0)
	var uc *UnconfiguredError
	if !errors.As(err, &uc) {
		t.Fatalf("expected UnconfiguredError, got %v", err)
	}
	if !strings.Contains(uc.Error(), "OPENROUTER_API_KEY") {
		t.Errorf("error must name the env var: %v", uc)
	}
}

func TestBuildProbeUnknownGateway(t *testing.T) {
	adapter := NewAdapter(nil)
	if _, err := adapter.BuildProbe("nonexistent", "m", health.TierStandard, 0); err == nil {
		t.Fatalf("expected error for unknown gateway")
	}
	if Known("nonexistent") {
		t.Errorf("unknown gateway reported known")
	}
	if !Known("fireworks") {
		t.Errorf("fireworks should be known")
	}
}

func TestExplicitTimeoutWins(t *testing.T) {
	adapter := NewAdapter(map[string]string{"cerebras": "ck"})
	spec, err := adapter.BuildProbe("cerebras", "llama3.1-8b", health.TierCritical, 7*time.Second)
	if err != nil {
		t.Fatalf("build probe: %v", err)
	}
	if spec.Timeout != 7*time.Second {
		t.Errorf("timeout: got %v, want 7s", spec.Timeout)
	}
}
