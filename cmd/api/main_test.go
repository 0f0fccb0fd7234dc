package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/devmesh/devmesh/engine/domain"
)

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestSharedSecretAuth_Disabled(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := sharedSecretAuth("")(next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/query/logs", nil)
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called when secret is empty")
	}
}

func TestSharedSecretAuth_HealthBypassesAuth(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := sharedSecretAuth("s3cr3t")(next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected /health to bypass auth")
	}
}

func TestSharedSecretAuth_RejectsMissingHeader(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("next should not be called") })
	handler := sharedSecretAuth("s3cr3t")(next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/query/logs", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSharedSecretAuth_AcceptsMatchingHeader(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := sharedSecretAuth("s3cr3t")(next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/query/logs", nil)
	req.Header.Set("X-DevMesh-Secret", "s3cr3t")
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called with matching secret")
	}
}

func TestParseFilters(t *testing.T) {
	q, _ := url.ParseQuery("service=auth&level=ERROR&from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z")
	f := parseFilters(q)

	if f.Service != "auth" {
		t.Fatalf("expected service auth, got %s", f.Service)
	}
	if f.Level != domain.LevelError {
		t.Fatalf("expected level ERROR, got %s", f.Level)
	}
	wantFrom, _ := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	if !f.From.Equal(wantFrom) {
		t.Fatalf("expected from %v, got %v", wantFrom, f.From)
	}
}

func TestParseFilters_InvalidTimestampsIgnored(t *testing.T) {
	q, _ := url.ParseQuery("from=not-a-time")
	f := parseFilters(q)
	if !f.From.IsZero() {
		t.Fatalf("expected zero time for invalid from, got %v", f.From)
	}
}

func TestIntParam_FallbackOnMissing(t *testing.T) {
	req := httptest.NewRequest("GET", "/query/logs", nil)
	if got := intParam(req, "limit", 42); got != 42 {
		t.Fatalf("expected fallback 42, got %d", got)
	}
}

func TestIntParam_FallbackOnInvalid(t *testing.T) {
	req := httptest.NewRequest("GET", "/query/logs?limit=notanumber", nil)
	if got := intParam(req, "limit", 42); got != 42 {
		t.Fatalf("expected fallback 42 on invalid value, got %d", got)
	}
}

func TestIntParam_ParsesValid(t *testing.T) {
	req := httptest.NewRequest("GET", "/query/logs?limit=17", nil)
	if got := intParam(req, "limit", 42); got != 17 {
		t.Fatalf("expected 17, got %d", got)
	}
}

func TestSearchTemplatesN_AcceptsExamplesAlias(t *testing.T) {
	req := httptest.NewRequest("GET", "/search/templates?q=x&examples=2", nil)
	n := intParam(req, "n", intParam(req, "examples", 3))
	if n != 2 {
		t.Fatalf("expected examples=2 to be used as n, got %d", n)
	}
}

func TestSearchTemplatesN_PrefersNOverExamples(t *testing.T) {
	req := httptest.NewRequest("GET", "/search/templates?q=x&n=5&examples=2", nil)
	n := intParam(req, "n", intParam(req, "examples", 3))
	if n != 5 {
		t.Fatalf("expected explicit n=5 to win over examples, got %d", n)
	}
}

func TestHandleIngestLogs_EmptyBody(t *testing.T) {
	handler := handleIngestLogs(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest/logs", nil)
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleIngestLogs_NoEvents(t *testing.T) {
	handler := handleIngestLogs(nil, nil)
	body, err := json.Marshal(map[string]any{"events": []domain.Event{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest/logs", bytes.NewReader(body))
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty events, got %d", rec.Code)
	}
}
