package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/qgate/internal/provider"
)

// PricingFile is the YAML document named by QGATE_PRICING_FILE. Values in
// the file are expanded against the environment before parsing so tokens
// can be kept out of it.
//
//	default_provider: sim
//	unit_costs:
//	  sim: 0.0
//	  dwave: 0.5
//	providers:
//	  - name: dwave
//	    endpoint: https://solver.example/v1/solve
//	    token: ${DWAVE_TOKEN}
//	    timeout: 30s
type PricingFile struct {
	DefaultProvider string                  `yaml:"default_provider"`
	MaxCostPerJob   *float64                `yaml:"max_cost_per_job"`
	UnitCosts       map[string]float64      `yaml:"unit_costs"`
	Providers       []provider.RemoteConfig `yaml:"providers"`
}

// LoadPricingFile reads and parses the pricing file at path.
func LoadPricingFile(path string) (*PricingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var pf PricingFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &pf); err != nil {
		return nil, fmt.Errorf("parse pricing file %s: %w", path, err)
	}
	return &pf, nil
}

// apply overlays the file onto cfg. Providers declared in the file replace
// environment-declared providers of the same name.
func (pf *PricingFile) apply(cfg *Config) {
	if pf.DefaultProvider != "" {
		cfg.DefaultProvider = strings.ToLower(strings.TrimSpace(pf.DefaultProvider))
	}
	if pf.MaxCostPerJob != nil {
		cfg.MaxCostPerJob = *pf.MaxCostPerJob
	}
	for name, cost := range pf.UnitCosts {
		cfg.UnitCosts[strings.ToLower(name)] = cost
	}
	for _, p := range pf.Providers {
		if p.Timeout <= 0 {
			p.Timeout = defaultRemoteTimeout
		}
		replaced := false
		for i := range cfg.Remotes {
			if strings.EqualFold(cfg.Remotes[i].Name, p.Name) {
				cfg.Remotes[i] = p
				replaced = true
			}
		}
		if !replaced {
			cfg.Remotes = append(cfg.Remotes, p)
		}
	}
}
