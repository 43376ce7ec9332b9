// solverstub runs a stand-in remote solver for local end-to-end testing of
// real execution. Point QGATE_DWAVE_ENDPOINT at http://<addr>/solve.
// Usage: go run ./cmd/solverstub
package main

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/seantiz/qgate/internal/config"
	"github.com/seantiz/qgate/internal/provider/providertest"
)

func main() {
	addr := ":9090"
	if v := os.Getenv("QGATE_SOLVER_ADDR"); v != "" {
		addr = v
	}
	opts := providertest.Options{
		Token:       os.Getenv("QGATE_DWAVE_TOKEN"),
		Delay:       500 * time.Millisecond,
		CostPer1000: 0.5,
	}
	if v, err := time.ParseDuration(os.Getenv("QGATE_SOLVER_DELAY")); err == nil {
		opts.Delay = v
	}
	if v, err := strconv.Atoi(os.Getenv("QGATE_SOLVER_FAIL_FIRST")); err == nil {
		opts.FailFirst = v
	}

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(os.Getenv("QGATE_LOG_LEVEL")), "text")
	logger.Info("solverstub: starting", "addr", addr, "path", providertest.SolvePath, "delay", opts.Delay, "fail_first", opts.FailFirst)

	srv := &http.Server{
		Addr:              addr,
		Handler:           providertest.NewSolver(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
