package api

import (
	"log/slog"
	"net/http"
	"testing"
)

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		method string
		path   string
		status int
		want   slog.Level
	}{
		{http.MethodGet, "/api/session", 200, slog.LevelInfo},
		{http.MethodPost, "/api/capture", 504, slog.LevelError},
		{http.MethodPut, "/api/flash/request", 422, slog.LevelWarn},
		{http.MethodGet, "/api/logs/stream", 200, slog.LevelDebug},
		{http.MethodGet, "/api/events", 401, slog.LevelWarn},
		{http.MethodGet, "/api/health", 200, slog.LevelDebug},
		{http.MethodOptions, "/api/session", 204, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := requestLevel(tt.method, tt.path, tt.status); got != tt.want {
			t.Errorf("requestLevel(%s %s %d) = %v, want %v", tt.method, tt.path, tt.status, got, tt.want)
		}
	}
}

func TestRequestIDAndCORSHeaders(t *testing.T) {
	ts, _ := newTestServer(t, newMockSession())

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want abc-123", got)
	}
	if got := resp.Header.Get("Access-Control-Expose-Headers"); got != requestIDHeader {
		t.Errorf("expose headers = %q", got)
	}

	resp, err = http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(requestIDHeader) == "" {
		t.Error("no request id generated")
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/api/capture", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}
