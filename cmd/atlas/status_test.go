package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestStatus_ExtraArgs(t *testing.T) {
	setTestHome(t)
	if code, _, _ := runCLI(t, "status", "extra"); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestStatus_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"healthy": true, "schema_version": 2})
	}))
	defer ts.Close()
	setStatusConfig(t, ts.Listener.Addr().String())

	var health map[string]any
	mustRun(t, &health, "status")
	if health["healthy"] != true {
		t.Fatalf("unexpected health: %#v", health)
	}
}

func TestStatus_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()
	setStatusConfig(t, ts.Listener.Addr().String())

	code, stdout, _ := runCLI(t, "status")
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if stdout == "" {
		t.Fatal("expected the unhealthy body to be printed")
	}
}

func TestStatus_ConnectionRefused(t *testing.T) {
	setStatusConfig(t, "127.0.0.1:1")
	if code, _, _ := runCLI(t, "status"); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		"":                     "http://127.0.0.1:18790/healthz",
		"127.0.0.1:9000":       "http://127.0.0.1:9000/healthz",
		"[::1]:9000":           "http://[::1]:9000/healthz",
		"https://atlas.local/": "https://atlas.local/healthz",
	}
	for in, want := range cases {
		if got := healthURL(in); got != want {
			t.Fatalf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// setStatusConfig writes a minimal config.yaml pointing at addr.
func setStatusConfig(t *testing.T, addr string) {
	t.Helper()
	home := setTestHome(t)
	t.Setenv("ATLAS_BIND_ADDR", "")
	yaml := `bind_addr: "` + addr + `"`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
