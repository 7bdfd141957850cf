package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionLoginReturnsContract(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"memberId": "  avery  ", "name": "Avery"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Token     string `json:"token"`
		MemberID  string `json:"memberId"`
		Name      string `json:"name"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	decode(t, rr, &payload)
	if payload.Token == "" {
		t.Fatal("expected token")
	}
	if payload.MemberID != "avery" || payload.Name != "Avery" {
		t.Fatalf("unexpected identity %q/%q", payload.MemberID, payload.Name)
	}
	if payload.ExpiresAt == 0 {
		t.Fatal("expected expiresAt")
	}

	rr = env.do(t, http.MethodGet, "/api/session", payload.Token, nil)
	var session map[string]any
	decode(t, rr, &session)
	if session["authenticated"] != true || session["memberId"] != "avery" {
		t.Fatalf("unexpected session %v", session)
	}
}

func TestSessionLoginRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"memberId":`))
	rr := httptest.NewRecorder()

	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %q", code)
	}
}

func TestSessionLoginRejectsReservedCharacters(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"memberId": "a:b"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/groups/g1/summons", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/api/groups/g1/summons", "garbage.token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for a forged token, got %d", rr.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "avery")

	rr := env.do(t, http.MethodPost, "/api/session/logout", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/groups", token, map[string]any{"id": "g1"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/session", token, nil)
	var session map[string]any
	decode(t, rr, &session)
	if session["authenticated"] != false {
		t.Fatalf("expected revoked session to be anonymous, got %v", session)
	}
}
