package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshohq/bansho/internal/auth"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	// No inbound header: one gets generated and echoed back.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if seen == "" {
		t.Error("request ID not populated in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("response header %q does not match context value %q", rec.Header().Get("X-Request-ID"), seen)
	}

	// Inbound header is preserved.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	handler.ServeHTTP(rec, req)
	if seen != "client-supplied" {
		t.Errorf("got request ID %q, want client-supplied", seen)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("create jwt manager: %v", err)
	}

	var claims *auth.Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(jwtMgr, inner)

	// Missing header.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/boards/x/commands", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header: got %d, want 401", rec.Code)
	}

	// Wrong scheme.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/boards/x/commands", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong scheme: got %d, want 401", rec.Code)
	}

	// Garbage token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/boards/x/commands", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: got %d, want 401", rec.Code)
	}

	// Valid token populates claims.
	token, _, err := jwtMgr.IssueToken("alice", true)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/boards/x/commands", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: got %d, want 200", rec.Code)
	}
	if claims == nil || claims.UserID != "alice" || !claims.CanWrite {
		t.Errorf("claims not populated correctly: %+v", claims)
	}

	// Health and token endpoints bypass auth entirely.
	for _, path := range []string{"/health", "/auth/token"} {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: got %d, want 200 without credentials", path, rec.Code)
		}
	}
}

func TestRequireWrite(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("create jwt manager: %v", err)
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(jwtMgr, requireWrite(inner))

	// Read-only principal is rejected on mutating routes.
	roToken, _, err := jwtMgr.IssueToken("reader", false)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/boards/x/commands", nil)
	req.Header.Set("Authorization", "Bearer "+roToken)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("read-only token: got %d, want 403", rec.Code)
	}

	rwToken, _, err := jwtMgr.IssueToken("writer", true)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/boards/x/commands", nil)
	req.Header.Set("Authorization", "Bearer "+rwToken)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("writable token: got %d, want 200", rec.Code)
	}
}
