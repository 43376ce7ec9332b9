package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seantiz/qgate/internal/auth"
	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/config"
	"github.com/seantiz/qgate/internal/estimate"
)

// setEnv points configuration at a temporary database.
func setEnv(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "qgate.db")
	t.Setenv("QGATE_DB_PATH", dbPath)
	t.Setenv("QGATE_JWT_SECRET", "test-secret")
	t.Setenv("QGATE_LOG_LEVEL", "error")
	return dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestEstimateCommand(t *testing.T) {
	setEnv(t)

	out, err := execute(t, "estimate", "--payload", `{"provider":"dwave","shots":2000}`)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	var est estimate.Estimate
	if err := json.Unmarshal([]byte(out), &est); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if est.Provider != "dwave" || est.Shots != 1024 {
		t.Errorf("estimate = %+v", est)
	}
	if est.EstimatedCost != 0.512 || !est.Allowed {
		t.Errorf("cost = %v allowed = %v", est.EstimatedCost, est.Allowed)
	}
}

func TestEstimateCommandYAMLFile(t *testing.T) {
	setEnv(t)
	path := filepath.Join(t.TempDir(), "payload.yaml")
	if err := os.WriteFile(path, []byte("shots: 10\nproblem:\n  kind: maxcut\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "estimate", "-f", path)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	var est estimate.Estimate
	if err := json.Unmarshal([]byte(out), &est); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if est.Provider != "sim" || est.Shots != 10 || est.EstimatedCost != 0 {
		t.Errorf("estimate = %+v", est)
	}
}

func TestEstimateCommandInvalidPayload(t *testing.T) {
	setEnv(t)
	if _, err := execute(t, "estimate", "--payload", "{nope"); err == nil {
		t.Error("expected error for invalid JSON payload")
	}
}

func TestTokenCommand(t *testing.T) {
	setEnv(t)

	out, err := execute(t, "token", "--sub", "alice", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	id, err := auth.NewJWTResolver("test-secret", clock.Real{}).Resolve(context.Background(), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "alice" {
		t.Errorf("identity = %q, want alice", id)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	setEnv(t)
	t.Setenv("QGATE_JWT_SECRET", "")
	if _, err := execute(t, "token", "--sub", "alice"); err == nil {
		t.Error("expected error without a secret")
	}
}

func TestMigrateCommand(t *testing.T) {
	dbPath := setEnv(t)
	if _, err := execute(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	setEnv(t)
	t.Setenv("QGATE_JWT_SECRET", "")
	if _, err := execute(t, "serve"); err == nil {
		t.Error("expected validation error without a jwt secret")
	}
}

func TestBuildApp(t *testing.T) {
	setEnv(t)
	t.Setenv("QGATE_AUTH_DISABLED", "true")
	c, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := buildApp(ctx, c, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close(context.Background())
	a.engine.Start(ctx)
	defer func() { cancel(); a.engine.Wait() }()

	ts := httptest.NewServer(a.server.Router())
	defer ts.Close()

	req, _ := http.NewRequest("POST", ts.URL+"/v1/jobs", strings.NewReader(`{"payload":{"shots":8}}`))
	req.Header.Set("Authorization", "Bearer alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("submit status = %d, want 202", resp.StatusCode)
	}
}

func TestBuildAppRejectsUnreachableRedis(t *testing.T) {
	setEnv(t)
	t.Setenv("QGATE_RATE_LIMIT_BACKEND", "redis")
	t.Setenv("QGATE_REDIS_ADDR", "127.0.0.1:1")
	c, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := buildApp(context.Background(), c, slog.New(slog.NewJSONHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for unreachable redis")
	}
}
