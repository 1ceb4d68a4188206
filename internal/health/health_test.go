package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

func doReadyz(t *testing.T, h *Handler) (int, response) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyzAllPass(t *testing.T) {
	h := New(
		Checker{Name: "sqlite", Check: func(context.Context) error { return nil }},
		Checker{Name: "uploads", Check: func(context.Context) error { return nil }},
	)

	code, body := doReadyz(t, h)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	for _, name := range []string{"sqlite", "uploads"} {
		if body.Checks[name].Status != "ok" {
			t.Errorf("%s check = %+v, want ok", name, body.Checks[name])
		}
	}
}

func TestReadyzOneFailureFlips503(t *testing.T) {
	h := New(
		Checker{Name: "postgres", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "uploads", Check: func(context.Context) error { return nil }},
	)

	code, body := doReadyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	pg := body.Checks["postgres"]
	if pg.Status != "fail" || pg.Error != "connection refused" {
		t.Errorf("postgres check = %+v, want fail/connection refused", pg)
	}
	if body.Checks["uploads"].Status != "ok" {
		t.Errorf("uploads check = %+v, want ok", body.Checks["uploads"])
	}
}

func TestReadyzNoCheckers(t *testing.T) {
	code, body := doReadyz(t, New())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d/%q, want 200/ok", code, body.Status)
	}
}

func TestReadyzChecksRunConcurrently(t *testing.T) {
	// Each check blocks until the other has started; serial execution would
	// deadlock until the per-check timeout.
	var started sync.WaitGroup
	started.Add(2)
	block := func(context.Context) error {
		started.Done()
		started.Wait()
		return nil
	}
	h := New(
		Checker{Name: "a", Check: block},
		Checker{Name: "b", Check: block},
	)

	code, body := doReadyz(t, h)
	if code != http.StatusOK {
		t.Fatalf("status = %d (%+v), want 200", code, body.Checks)
	}
}

func TestReadyzRespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegisterMountsRoutes(t *testing.T) {
	h := New(Checker{Name: "ok", Check: func(context.Context) error { return nil }})

	r := chi.NewRouter()
	h.Register(r)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
