package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/saurabh81106/onceview/internal/store"
)

func TestRootEndpoint(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), backend))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body RootResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Name != "onceview" || body.Version == "" {
		t.Fatalf("unexpected root response: %+v", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), backend))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", body.Status)
	}
	if body.Checks["store"].Status != "pass" {
		t.Fatalf("expected store check pass, got %+v", body.Checks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), backend))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
