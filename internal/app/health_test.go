package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	decode(t, rr, &response)
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var response struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	decode(t, rr, &response)
	if response.Status != "ready" {
		t.Errorf("expected status=ready, got %q", response.Status)
	}
	for _, name := range []string{"redis", "database"} {
		if response.Checks[name]["status"] != "ok" {
			t.Errorf("expected %s check ok, got %v", name, response.Checks[name])
		}
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	env := newTestEnv(t)
	env.history.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var response struct {
		OK     bool                      `json:"ok"`
		Checks map[string]map[string]any `json:"checks"`
	}
	decode(t, rr, &response)
	if response.OK {
		t.Error("expected ok=false")
	}
	if response.Checks["database"]["error"] != "connection refused" {
		t.Errorf("expected database error, got %v", response.Checks["database"])
	}
}

func TestReadyEndpoint_RedisFailure(t *testing.T) {
	env := newTestEnv(t)
	env.redis.Close()

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.createGroup(t, "g1", "alice", "bob")
	env.startSummon(t, "g1", tokens["alice"])

	rr := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "readycheck_summons_started_total 1") {
		t.Fatalf("expected started counter in metrics output:\n%s", rr.Body.String())
	}
}

func TestOptionsPreflight(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodOptions, "/api/groups/g1/summons", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, AdminTokenHeader) {
		t.Fatalf("expected admin header allowed, got %q", got)
	}
}
