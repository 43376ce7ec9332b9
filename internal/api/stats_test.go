package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/qgate/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, body := do(t, ts, "GET", "/v1/stats", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	stats := decode[statsResponse](t, body)
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsScopedToOwner(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var ids []string
	for range 3 {
		ids = append(ids, submitJob(t, ts, "alice", map[string]any{"payload": map[string]any{}}).Job.ID)
	}
	submitJob(t, ts, "bob", map[string]any{"payload": map[string]any{}})
	for _, id := range ids {
		waitForJob(t, ts, "alice", id, model.StatusSucceeded)
	}

	resp, body := do(t, ts, "GET", "/v1/stats", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	stats := decode[statsResponse](t, body)
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[model.StatusSucceeded] != 3 {
		t.Errorf("succeeded = %d, want 3", stats.ByStatus[model.StatusSucceeded])
	}
	if stats.Active != 0 {
		t.Errorf("active = %d, want 0", stats.Active)
	}
	if stats.ByProvider["sim"] != 3 {
		t.Errorf("sim = %d, want 3", stats.ByProvider["sim"])
	}
}

func TestGetAccount(t *testing.T) {
	tc := defaultTestConfig()
	tc.startEngine = false
	srv := newTestServerWith(t, tc)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, body := do(t, ts, "GET", "/v1/account", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	acct := decode[accountResponse](t, body)
	if acct.Identity != "alice" || acct.Balance != 5 {
		t.Errorf("account = %+v", acct)
	}

	submitJob(t, ts, "alice", map[string]any{"payload": map[string]any{}})

	_, body = do(t, ts, "GET", "/v1/account", "alice", nil)
	acct = decode[accountResponse](t, body)
	if acct.Balance != 4 {
		t.Errorf("balance = %v, want 4", acct.Balance)
	}
	if acct.Quota == nil || acct.Quota.JobsSubmittedToday != 1 || acct.Quota.DailyJobLimit != 20 {
		t.Errorf("quota = %+v", acct.Quota)
	}
	if len(acct.Ledger) < 1 || acct.Ledger[0].EntryType != model.EntryCharge {
		t.Errorf("ledger = %+v", acct.Ledger)
	}
}
