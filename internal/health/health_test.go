package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/voxlink/internal/session"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func pass(context.Context) error { return nil }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(Checker{Name: "session", Check: func(context.Context) error { return errors.New("idle") }})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "session", Check: pass},
		Checker{Name: "config", Check: pass},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decode(t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	for _, name := range []string{"session", "config"} {
		if body.Checks[name] != "ok" {
			t.Errorf("%s check = %q, want ok", name, body.Checks[name])
		}
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "session", Check: func(context.Context) error { return errors.New("idle") }},
		Checker{Name: "config", Check: pass},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decode(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if body.Checks["session"] != "fail: idle" {
		t.Errorf("session check = %q", body.Checks["session"])
	}
	if body.Checks["config"] != "ok" {
		t.Errorf("config check = %q", body.Checks["config"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	mux := http.NewServeMux()
	New(Checker{Name: "test", Check: pass}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

type fakeStatus session.Status

func (f fakeStatus) Status() session.Status { return session.Status(f) }

func TestSessionChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  session.Status
		wantErr string
	}{
		{name: "capturing", status: session.Status{State: session.Capturing}},
		{name: "remote speaking", status: session.Status{State: session.RemoteSpeaking}},
		{name: "barge-in pending", status: session.Status{State: session.BargeInPending}},
		{name: "idle", status: session.Status{State: session.Idle}, wantErr: "idle"},
		{name: "connecting", status: session.Status{State: session.Connecting}, wantErr: "connecting"},
		{
			name:    "idle after failure",
			status:  session.Status{State: session.Idle, LastError: session.ErrChannelClosed},
			wantErr: "idle: " + session.ErrChannelClosed.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := SessionChecker(fakeStatus(tt.status))
			if c.Name != "session" {
				t.Errorf("Name = %q", c.Name)
			}
			err := c.Check(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
