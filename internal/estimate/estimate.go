// Package estimate computes the monetary cost of running a payload on a
// provider. It is a pure function of the payload and the pricing table.
package estimate

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/seantiz/qgate/internal/provider"
)

const (
	// Currency is the only currency costs are expressed in.
	Currency = "USD"

	// Note accompanies every estimate.
	Note = "Estimate only. No job executed."
)

// Pricing is the cost table and shot bounds used for estimation.
type Pricing struct {
	DefaultProvider string
	AllowOverride   bool
	MaxShots        int
	DefaultShots    int
	// UnitCost is the price per 1000 shots, keyed by provider name.
	UnitCost map[string]float64
	// MaxCostPerJob is the ceiling above which a job is not allowed.
	MaxCostPerJob float64
}

// Estimate is the result of pricing a payload.
type Estimate struct {
	Provider       string  `json:"provider"`
	Shots          int     `json:"shots"`
	EstimatedCost  float64 `json:"estimated_cost"`
	Currency       string  `json:"currency"`
	Allowed        bool    `json:"allowed"`
	MaxAllowedCost float64 `json:"max_allowed_cost"`
	Note           string  `json:"note"`
}

// Compute prices payload. requested names the provider the caller wants;
// when empty the payload's own "provider" field is consulted. Providers with
// no unit cost are priced as the default provider.
func Compute(payload []byte, requested string, p Pricing) Estimate {
	if requested == "" {
		requested = gjson.GetBytes(payload, "provider").String()
	}
	name := provider.Pick(requested, p.DefaultProvider, p.AllowOverride)
	unit, ok := p.UnitCost[name]
	if !ok {
		name = provider.Pick("", p.DefaultProvider, false)
		unit = p.UnitCost[name]
	}

	shots := Shots(payload, p.DefaultShots, p.MaxShots)
	cost := Round4(float64(shots) / 1000 * unit)

	return Estimate{
		Provider:       name,
		Shots:          shots,
		EstimatedCost:  cost,
		Currency:       Currency,
		Allowed:        cost <= p.MaxCostPerJob,
		MaxAllowedCost: p.MaxCostPerJob,
		Note:           Note,
	}
}

// Shots reads the "shots" field of payload and clamps it into [1, max].
// Missing or non-numeric values fall back to def.
func Shots(payload []byte, def, max int) int {
	shots := def
	res := gjson.GetBytes(payload, "shots")
	switch res.Type {
	case gjson.Number:
		shots = clampFloat(res.Float())
	case gjson.String:
		// Out of range integers come back saturated alongside ErrRange.
		n, err := strconv.Atoi(strings.TrimSpace(res.Str))
		if err == nil || errors.Is(err, strconv.ErrRange) {
			shots = n
		}
	}
	if shots < 1 {
		shots = 1
	}
	if max > 0 && shots > max {
		shots = max
	}
	return shots
}

// clampFloat truncates v to an int, saturating instead of overflowing.
func clampFloat(v float64) int {
	switch {
	case v >= math.MaxInt:
		return math.MaxInt
	case v < 1:
		return 0
	}
	return int(v)
}

// Round4 rounds v to four decimal places.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
