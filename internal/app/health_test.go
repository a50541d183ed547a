package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(Options{CORSOrigin: "*"})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		database   error
		content    error
		wantStatus int
		wantReady  string
	}{
		{name: "all healthy", wantStatus: http.StatusOK, wantReady: "ready"},
		{name: "database down", database: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantReady: "not_ready"},
		{name: "content store down", content: errors.New("no reachable servers"), wantStatus: http.StatusServiceUnavailable, wantReady: "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewHTTPServer(Options{
				CORSOrigin: "*",
				Checks: map[string]Pinger{
					"database":      pingFunc(func(context.Context) error { return tt.database }),
					"content_store": pingFunc(func(context.Context) error { return tt.content }),
				},
			})

			req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}

			var response map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if status := response["status"]; status != tt.wantReady {
				t.Errorf("expected status=%s, got %v", tt.wantReady, status)
			}

			checks, ok := response["checks"].(map[string]any)
			if !ok {
				t.Fatalf("expected checks object, got %v", response["checks"])
			}
			dbCheck, ok := checks["database"].(map[string]any)
			if !ok {
				t.Fatalf("expected database check, got %v", checks["database"])
			}
			if tt.database != nil {
				if dbCheck["status"] != "error" || dbCheck["error"] != tt.database.Error() {
					t.Errorf("unexpected database check %v", dbCheck)
				}
			} else if dbCheck["status"] != "ok" {
				t.Errorf("expected database status=ok, got %v", dbCheck["status"])
			}
		})
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	server := NewHTTPServer(Options{CORSOrigin: "*"})

	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin on preflight, got %q", origin)
	}
}

func TestHealthEndpoint_CORSHeaders(t *testing.T) {
	server := NewHTTPServer(Options{CORSOrigin: "https://wiki.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "https://wiki.example.com" {
		t.Errorf("expected configured CORS origin, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewHTTPServer(Options{CORSOrigin: "*"})

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND code, got %v", response["code"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := NewHTTPServer(Options{CORSOrigin: "*"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
