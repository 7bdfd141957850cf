package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"readycheck/api/internal/summon"
)

func TestEventsStreamEndsOnTerminalRevision(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.createGroup(t, "g1", "alice", "bob")
	started := env.startSummon(t, "g1", tokens["alice"])

	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/groups/g1/summons/"+started.ID+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tokens["alice"])
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected an event stream, got %q", ct)
	}

	events := make(chan summon.Summon, 8)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var s summon.Summon
			if err := json.Unmarshal([]byte(data), &s); err == nil {
				events <- s
			}
		}
	}()

	first := <-events
	if first.ID != started.ID || first.Status != summon.StatusPending {
		t.Fatalf("expected the current revision first, got %+v", first)
	}

	body := bytes.NewBufferString(`{"status":"ACCEPTED"}`)
	respond, err := http.NewRequest(http.MethodPost, server.URL+"/api/groups/g1/summons/"+started.ID+"/responses", body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	respond.Header.Set("Authorization", "Bearer "+tokens["bob"])
	answer, err := server.Client().Do(respond)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	answer.Body.Close()

	var last summon.Summon
	for s := range events {
		if s.Version <= last.Version {
			t.Fatalf("revisions out of order: %d after %d", s.Version, last.Version)
		}
		last = s
	}
	if last.Status != summon.StatusSuccess {
		t.Fatalf("expected the stream to end on SUCCESS, got %s", last.Status)
	}
}

func TestEventsRejectsOutsider(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.createGroup(t, "g1", "alice", "bob")
	started := env.startSummon(t, "g1", tokens["alice"])
	outsider := env.login(t, "mallory")

	rr := env.do(t, http.MethodGet, "/api/groups/g1/summons/"+started.ID+"/events", outsider, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/groups/g1/summons/smn_missing/events", tokens["alice"], nil)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "SUMMON_NOT_FOUND" {
		t.Fatalf("expected SUMMON_NOT_FOUND, got %d %s", rr.Code, rr.Body.String())
	}
}
