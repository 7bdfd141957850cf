package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"readycheck/api/internal/auth"
	"readycheck/api/internal/config"
	"readycheck/api/internal/presence"
	"readycheck/api/internal/realtime"
	"readycheck/api/internal/store"
	"readycheck/api/internal/summon"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[string]store.SummonRecord
	pingFn  func(context.Context) error
}

func (f *fakeHistory) ArchiveSummon(_ context.Context, record store.SummonRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[record.SummonID]; ok {
		return false, nil
	}
	f.records[record.SummonID] = record
	return true, nil
}

func (f *fakeHistory) ListSummonHistory(_ context.Context, groupID string, limit int) ([]store.SummonRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.SummonRecord{}
	for _, record := range f.records {
		if record.GroupID == groupID && len(out) < limit {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeHistory) GetSummonRecord(_ context.Context, summonID string) (store.SummonRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[summonID]
	if !ok {
		return store.SummonRecord{}, store.ErrNotFound
	}
	return record, nil
}

func (f *fakeHistory) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeHistory) get(summonID string) (store.SummonRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[summonID]
	return record, ok
}

type testEnv struct {
	handler http.Handler
	service *Service
	redis   *miniredis.Miniredis
	history *fakeHistory
	clock   *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Now()}
	docs := realtime.NewRedisStoreWithClient(client)
	registry := prometheus.NewRegistry()
	coordinator := summon.NewCoordinator(docs, summon.Options{
		TTL:     time.Minute,
		Clock:   clock.Now,
		Metrics: summon.NewMetrics(registry),
	})
	history := &fakeHistory{records: map[string]store.SummonRecord{}}

	svc := New(config.Config{
		JWTSecret:  "test-secret",
		TokenTTL:   time.Hour,
		AdminToken: "admin-token",
	}, Deps{
		Coordinator: coordinator,
		Presence:    presence.NewRegistry(docs),
		Realtime:    docs,
		Revocations: auth.NewRevocationStoreWithClient(client),
		History:     history,
	})
	server := NewHTTPServer(svc, "*", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &testEnv{
		handler: server.Handler(),
		service: svc,
		redis:   s,
		history: history,
		clock:   clock,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) doAdmin(t *testing.T, path, adminToken string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set(AdminTokenHeader, adminToken)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T, memberID string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"memberId": memberID})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", memberID, rr.Code, rr.Body.String())
	}
	var payload struct {
		Token string `json:"token"`
	}
	decode(t, rr, &payload)
	return payload.Token
}

// createGroup registers a group owned by the first member and returns a
// token per member.
func (e *testEnv) createGroup(t *testing.T, groupID string, members ...string) map[string]string {
	t.Helper()
	tokens := make(map[string]string, len(members))
	for _, member := range members {
		tokens[member] = e.login(t, member)
	}
	rr := e.do(t, http.MethodPost, "/api/groups", tokens[members[0]], map[string]any{
		"id":        groupID,
		"name":      "Squad",
		"memberIds": members[1:],
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create group: status %d body=%s", rr.Code, rr.Body.String())
	}
	return tokens
}

func (e *testEnv) startSummon(t *testing.T, groupID, token string) summon.Summon {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/groups/"+groupID+"/summons", token, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start summon: status %d body=%s", rr.Code, rr.Body.String())
	}
	var started summon.Summon
	decode(t, rr, &started)
	return started
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	decode(t, rr, &payload)
	return payload.Code
}
