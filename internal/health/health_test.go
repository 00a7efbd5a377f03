package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fixedCount int

func (c fixedCount) SessionCount() int { return int(c) }
func (c fixedCount) OnlineCount() int  { return int(c) }

func TestHealthWithoutDependencies(t *testing.T) {
	checker := NewChecker(nil, nil, nil, fixedCount(3), fixedCount(2))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	checker.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var status Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Database != StatusNotConfigured || status.Redis != StatusNotConfigured || status.NATS != StatusNotConfigured {
		t.Errorf("Expected all dependencies not configured, got %+v", status)
	}
	if status.Sessions != 3 || status.Online != 2 {
		t.Errorf("Unexpected counters %+v", status)
	}
}

func TestUnreachableRedisIsNotReady(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	checker := NewChecker(nil, client, nil, nil, nil)

	w := httptest.NewRecorder()
	checker.ReadyHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if w.Body.String() != "Not Ready" {
		t.Errorf("Unexpected body %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	checker.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 from health, got %d", w.Code)
	}
}

func TestReadyWithoutDependencies(t *testing.T) {
	checker := NewChecker(nil, nil, nil, nil, nil)
	w := httptest.NewRecorder()
	checker.ReadyHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", w.Code, w.Body.String())
	}
}
