// Package providertest provides a stand-in remote solver service for
// exercising provider.Remote end to end.
package providertest

import (
	"crypto/sha256"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/seantiz/qgate/internal/auth"
	"github.com/seantiz/qgate/internal/estimate"
)

// SolvePath is the route the solver answers on.
const SolvePath = "/solve"

// Options configures a Solver.
type Options struct {
	// Token is the bearer token callers must present. Empty accepts any.
	Token string
	// Delay is slept before answering each request.
	Delay time.Duration
	// FailFirst answers that many requests with 503 before succeeding.
	FailFirst int
	// CostPer1000 prices the reported cost_actual.
	CostPer1000 float64
}

// Solver is an http.Handler that mimics a remote solver.
type Solver struct {
	opts   Options
	router chi.Router

	mu       sync.Mutex
	failures int
	calls    atomic.Int64
}

// NewSolver creates a solver with opts.
func NewSolver(opts Options) *Solver {
	s := &Solver{opts: opts, router: chi.NewRouter()}
	s.router.Post(SolvePath, s.handleSolve)
	return s
}

func (s *Solver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Calls returns the number of solve requests received.
func (s *Solver) Calls() int {
	return int(s.calls.Load())
}

func (s *Solver) handleSolve(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	if s.opts.Token != "" {
		token, ok := auth.BearerToken(r)
		if !ok || token != s.opts.Token {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !gjson.ValidBytes(payload) {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	if s.opts.Delay > 0 {
		select {
		case <-time.After(s.opts.Delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	fail := s.failures < s.opts.FailFirst
	if fail {
		s.failures++
	}
	s.mu.Unlock()
	if fail {
		http.Error(w, `{"error":"solver busy"}`, http.StatusServiceUnavailable)
		return
	}

	sum := sha256.Sum256(payload)
	shots := estimate.Shots(payload, 256, 0)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"solver":      "stub",
		"shots":       shots,
		"samples":     []int{int(sum[0] & 1), int(sum[1] & 1)},
		"energy":      math.Round(-float64(sum[2])/255*1e4) / 1e4,
		"cost_actual": estimate.Round4(float64(shots) / 1000 * s.opts.CostPer1000),
	})
}
