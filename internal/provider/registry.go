package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnsupported is returned when a job routes to a provider that is not
// registered.
var ErrUnsupported = errors.New("unsupported provider")

// Policy controls how the registry routes submissions.
type Policy struct {
	DefaultProvider     string
	AllowOverride       bool
	EnableRealExecution bool
}

// Registry holds registered providers and routes submissions to them.
// The simulated provider is always present so that routing with real
// execution disabled cannot fail.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	sim       Provider
	policy    Policy
}

// NewRegistry creates a registry containing sim under SimName.
func NewRegistry(policy Policy, sim Provider) *Registry {
	return &Registry{
		providers: map[string]Provider{SimName: sim},
		sim:       sim,
		policy:    policy,
	}
}

// Register adds a provider under its own name, replacing any previous one.
// The simulator slot cannot be replaced.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := normalize(p.Name())
	if name == SimName {
		return
	}
	r.providers[name] = p
}

// Resolve returns the provider registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q is not registered", ErrUnsupported, name)
	}
	return p, nil
}

// Route selects the provider that will actually run a job that asked for
// requested. With real execution disabled the simulator is returned no
// matter what was asked for.
func (r *Registry) Route(requested string) (Provider, error) {
	if !r.policy.EnableRealExecution {
		return r.sim, nil
	}
	return r.Resolve(Pick(requested, r.policy.DefaultProvider, r.policy.AllowOverride))
}

// Policy returns the routing policy.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Validate checks every registered provider that implements Validator.
// It is a no-op while real execution is disabled since no real provider
// can be reached.
func (r *Registry) Validate() error {
	if !r.policy.EnableRealExecution {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, p := range r.providers {
		if v, ok := p.(Validator); ok {
			if err := v.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if _, ok := r.providers[normalize(r.policy.DefaultProvider)]; !ok {
		errs = append(errs, fmt.Errorf("default provider %q is not registered", r.policy.DefaultProvider))
	}
	return errors.Join(errs...)
}

// List returns information about all registered providers, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
