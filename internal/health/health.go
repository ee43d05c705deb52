// Package health serves the liveness and readiness endpoints.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and reports one of three states:
//
//   - "ok": every check passed (200).
//   - "degraded": only optional checks failed (200). sarathi still answers
//     in this state, with fallback replies or offline embeddings.
//   - "fail": a required check failed (503).
//
// [Ping] and [Circuits] build the checkers sarathi registers for the vector
// store and the provider fallback chains.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sarathi/internal/resilience"
)

// Readiness states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker checks one dependency. Check returns nil when it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional failures degrade readiness instead of failing it.
	Optional bool
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction and the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 503 only when a required checker fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs all checkers and folds their outcome into a Report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	var (
		mu       sync.Mutex
		g        errgroup.Group
		required bool
		optional bool
	)
	checks := make(map[string]string, len(h.checkers))
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = StatusOK
			case c.Optional:
				checks[c.Name] = StatusDegraded + ": " + err.Error()
				optional = true
			default:
				checks[c.Name] = StatusFail + ": " + err.Error()
				required = true
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: checks}
	switch {
	case required:
		rep.Status = StatusFail
	case optional:
		rep.Status = StatusDegraded
	}
	return rep
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Pinger reports the health of a dependency without a round trip.
// [resilience.StoreGuard] implements it.
type Pinger interface {
	Healthy() error
}

// Ping returns a required checker over p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return p.Healthy() }}
}

// Circuits returns an optional checker over a fallback chain. It fails only
// when every backend has an open breaker; half-open counts as available.
func Circuits(name string, states func() map[string]resilience.State) Checker {
	return Checker{Name: name, Optional: true, Check: func(context.Context) error {
		st := states()
		var open []string
		for _, n := range slices.Sorted(maps.Keys(st)) {
			if st[n] == resilience.StateOpen {
				open = append(open, n)
			}
		}
		if len(st) > 0 && len(open) == len(st) {
			return fmt.Errorf("all backends open: %s", strings.Join(open, ", "))
		}
		return nil
	}}
}
