// SPDX-License-Identifier: Apache-2.0

// Package gateway maps (gateway, model) pairs to minimal HTTP probe requests
// and classifies probe outcomes. The package performs no I/O of its own; the
// probe executor owns the HTTP client.
package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/modelpulse/pulse/pkg/health"
)

// ErrUnconfigured is wrapped into the error returned by BuildProbe when a
// gateway has no API key. The scheduler treats such gateways as skipped,
// never as failing.
type UnconfiguredError struct {
	Gateway string
	EnvVar  string
}

func (e *UnconfiguredError) Error() string {
	return fmt.Sprintf("gateway %s is not configured: set %s", e.Gateway, e.EnvVar)
}

// Definition describes how to probe one upstream gateway.
type Definition struct {
	Name     string
	Endpoint string
	// EnvVar is the environment variable holding the API key.
	EnvVar string
	// RequiresKey is false for gateways that accept anonymous probes.
	RequiresKey bool
}

// definitions is the per-gateway mapping table. All listed gateways speak
// the OpenAI-compatible chat completions wire format.
var definitions = map[string]Definition{
	"openrouter": {
		Name:        "openrouter",
		Endpoint:    "https://openrouter.ai/api/v1/chat/completions",
		EnvVar:      "OPENROUTER_API_KEY",
		RequiresKey: true,
	},
	"fireworks": {
		Name:        "fireworks",
		Endpoint:    "https://api.fireworks.ai/inference/v1/chat/completions",
		EnvVar:      "FIREWORKS_API_KEY",
		RequiresKey: true,
	},
	"groq": {
		Name:        "groq",
		Endpoint:    "https://api.groq.com/openai/v1/chat/completions",
		EnvVar:      "GROQ_API_KEY",
		RequiresKey: true,
	},
	"together": {
		Name:        "together",
		Endpoint:    "https://api.together.xyz/v1/chat/completions",
		EnvVar:      "TOGETHER_API_KEY",
		RequiresKey: true,
	},
	"cerebras": {
		Name:        "cerebras",
		Endpoint:    "https://api.cerebras.ai/v1/chat/completions",
		EnvVar:      "CEREBRAS_API_KEY",
		RequiresKey: true,
	},
}

// probePrompt keeps the completion trivially short.
const probePrompt = "ping"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

// ProbeSpec is a fully built probe request, ready for the executor.
type ProbeSpec struct {
	Endpoint  string
	Headers   map[string]string
	Body      []byte
	Timeout   time.Duration
	MaxTokens int
}

// Adapter builds probe requests using configured API keys. Keys come from
// the api_keys config map, falling back to each gateway's environment
// variable.
type Adapter struct {
	apiKeys map[string]string
}

// NewAdapter creates an adapter with the given explicit keys (may be nil).
func NewAdapter(apiKeys map[string]string) *Adapter {
	return &Adapter{apiKeys: apiKeys}
}

// Known reports whether the gateway is in the mapping table.
func Known(gw string) bool {
	_, ok := definitions[strings.ToLower(gw)]
	return ok
}

// Names returns all known gateway names.
func Names() []string {
	out := make([]string, 0, len(definitions))
	for name := range definitions {
		out = append(out, name)
	}
	return out
}

// EnvVarFor returns the environment variable a gateway reads its key from.
func EnvVarFor(gw string) string {
	if def, ok := definitions[strings.ToLower(gw)]; ok {
		return def.EnvVar
	}
	return strings.ToUpper(gw) + "_API_KEY"
}

// apiKey resolves the credential for a gateway.
func (a *Adapter) apiKey(def Definition) string {
	if key, ok := a.apiKeys[def.Name]; ok && key != "" {
		return key
	}
	return os.Getenv(def.EnvVar)
}

// Configured reports whether the gateway can be probed.
func (a *Adapter) Configured(gw string) bool {
	def, ok := definitions[strings.ToLower(gw)]
	if !ok {
		return false
	}
	if !def.RequiresKey {
		return true
	}
	return a.apiKey(def) != ""
}

// ConfiguredGateways returns the sorted names of gateways that can be
// probed right now. The scheduler scopes its due-model query to this set
// so unprobeable rows never occupy the due window.
func (a *Adapter) ConfiguredGateways() []string {
	out := make([]string, 0, len(definitions))
	for name := range definitions {
		if a.Configured(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// BuildProbe maps a (gateway, model) pair to a probe request for the given
// tier. Returns *UnconfiguredError when the gateway lacks a credential.
func (a *Adapter) BuildProbe(gw, model string, tier health.MonitoringTier, timeout time.Duration) (*ProbeSpec, error) {
	def, ok := definitions[strings.ToLower(gw)]
	if !ok {
		return nil, fmt.Errorf("unknown gateway: %s", gw)
	}

	key := a.apiKey(def)
	if def.RequiresKey && key == "" {
		return nil, &UnconfiguredError{Gateway: def.Name, EnvVar: def.EnvVar}
	}

	maxTokens := tier.MaxTokens()
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: probePrompt}},
		MaxTokens:   maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal probe body: %w", err)
	}

	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if key != "" {
		headers["Authorization"] = "Bearer " + key
	}

	if timeout <= 0 {
		timeout = tier.Timeout()
	}

	return &ProbeSpec{
		Endpoint:  def.Endpoint,
		Headers:   headers,
		Body:      body,
		Timeout:   timeout,
		MaxTokens: maxTokens,
	}, nil
}
