package provider

import (
	"context"
	"encoding/json"
	"strings"
)

// SimName is the name under which the simulated provider is registered.
const SimName = "sim"

// Provider kinds reported by Info.
const (
	KindSimulated = "simulated"
	KindRemote    = "remote"
)

// Provider executes job payloads. Run must honor ctx cancellation and
// deadlines; the engine relies on that to bound each attempt.
type Provider interface {
	// Name is the registry key for this provider.
	Name() string

	// Run executes one attempt against payload and returns the provider's
	// output document.
	Run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	// Info describes the provider for listings.
	Info() Info
}

// Validator is implemented by providers that need configuration checked
// before the process starts serving.
type Validator interface {
	Validate() error
}

// Info describes a registered provider.
type Info struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Real bool   `json:"real"`
}

// Pick returns the provider name a submission asks for. When overrides are
// disallowed, or nothing was requested, the configured default wins. Names
// are matched case-insensitively.
func Pick(requested, defaultName string, allowOverride bool) string {
	name := normalize(requested)
	if !allowOverride || name == "" {
		return normalize(defaultName)
	}
	return name
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
