package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sarathi/internal/resilience"
)

func pass(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failing(name, msg string, optional bool) Checker {
	return Checker{Name: name, Optional: optional, Check: func(context.Context) error { return errors.New(msg) }}
}

func serve(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New(failing("vector-store", "down", false))
	code, rep := serve(t, h, "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("healthz = %d %q, want 200 ok regardless of checks", code, rep.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{pass("vector-store"), pass("llm")},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"vector-store": "ok", "llm": "ok"},
		},
		{
			name:       "optional failure degrades",
			checkers:   []Checker{pass("vector-store"), failing("llm", "all backends open: openai", true)},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"vector-store": "ok", "llm": "degraded: all backends open: openai"},
		},
		{
			name: "required failure wins",
			checkers: []Checker{
				failing("vector-store", "circuit open", false),
				failing("embeddings", "all backends open: ollama", true),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{
				"vector-store": "fail: circuit open",
				"embeddings":   "degraded: all backends open: ollama",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := serve(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if rep.Checks[name] != want {
					t.Errorf("check %s = %q, want %q", name, rep.Checks[name], want)
				}
			}
		})
	}
}

func TestEvaluate_BoundsSlowChecks(t *testing.T) {
	t.Parallel()

	slow := Checker{Name: "postgres", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	rep := New(slow).Evaluate(ctx)
	if time.Since(start) > time.Second {
		t.Error("Evaluate ignored the caller's deadline")
	}
	if rep.Status != StatusFail || !strings.Contains(rep.Checks["postgres"], "deadline exceeded") {
		t.Errorf("report = %+v", rep)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Healthy() error { return p.err }

func TestPing(t *testing.T) {
	t.Parallel()

	c := Ping("vector-store", fakePinger{})
	if c.Optional {
		t.Error("store checker should be required")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("healthy pinger: %v", err)
	}
	down := errors.New("circuit open")
	if err := Ping("vector-store", fakePinger{err: down}).Check(context.Background()); !errors.Is(err, down) {
		t.Errorf("err = %v, want %v", err, down)
	}
}

func TestCircuits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		states  map[string]resilience.State
		wantErr bool
	}{
		{name: "none", states: map[string]resilience.State{}},
		{name: "primary open", states: map[string]resilience.State{"openai": resilience.StateOpen, "ollama": resilience.StateClosed}},
		{name: "half open counts", states: map[string]resilience.State{"openai": resilience.StateOpen, "hash": resilience.StateHalfOpen}},
		{name: "all open", states: map[string]resilience.State{"openai": resilience.StateOpen, "ollama": resilience.StateOpen}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Circuits("llm", func() map[string]resilience.State { return tt.states })
			if !c.Optional {
				t.Error("fallback chains should be optional")
			}
			err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
