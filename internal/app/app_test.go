package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/ride-dispatch/internal/config"
)

func testConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	cfg, err := config.LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewInMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTSecret = "secret"
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Bridge != nil || a.Producer != nil {
		t.Fatalf("optional backends wired without configuration")
	}
	h, err := a.Handler()
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestHandlerNeedsSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTSecret = ""
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := a.Handler(); err == nil {
		t.Fatalf("expected an error without JWT_SECRET")
	}
}
