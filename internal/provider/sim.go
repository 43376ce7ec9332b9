package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Sim is a deterministic stand-in for a real solver. Identical payloads
// always produce identical output.
type Sim struct {
	delay time.Duration
}

var _ Provider = (*Sim)(nil)

// NewSim creates a simulator that takes delay to complete each run.
func NewSim(delay time.Duration) *Sim {
	return &Sim{delay: delay}
}

// SimOutput is the document produced by the simulator.
type SimOutput struct {
	InputHash   string         `json:"input_hash"`
	PayloadSize int            `json:"payload_size"`
	Solution    map[string]int `json:"solution"`
	Energy      float64        `json:"energy"`
	Message     string         `json:"message"`
}

func (s *Sim) Name() string { return SimName }

func (s *Sim) Info() Info {
	return Info{Name: SimName, Kind: KindSimulated}
}

// Run hashes the canonical form of payload and derives a fake solution
// from the digest. It returns ctx.Err() if ctx ends before the delay.
func (s *Sim) Run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	canonical, err := canonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	v := binary.BigEndian.Uint16(sum[2:4])

	out := SimOutput{
		InputHash:   hex.EncodeToString(sum[:]),
		PayloadSize: len(canonical),
		Solution: map[string]int{
			"x": int(sum[0] & 1),
			"y": int(sum[1] & 1),
		},
		Energy:  math.Round((-1.5+2.0*float64(v)/math.MaxUint16)*1e4) / 1e4,
		Message: "deterministic computation complete",
	}
	return json.Marshal(out)
}

// canonicalJSON re-encodes payload with sorted object keys and no
// insignificant whitespace.
func canonicalJSON(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("{}"), nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
