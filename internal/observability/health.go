package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one probe. A failing non-critical probe
// degrades the service without taking it out of rotation.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what /ready probes. Nil checkers are skipped.
//
// The catalog, API description and both stores are critical: without them no
// workflow operation can succeed. Notifications and idempotency are best
// effort, so their failure only marks the service degraded.
type ReadinessChecks struct {
	CatalogLoaded func() bool
	APIDocLoaded  func() bool

	RecordStore HealthChecker
	AuditStore  HealthChecker
	Notifier    HealthChecker
	Idempotency HealthChecker
}

const checkTimeout = 2 * time.Second

type probe struct {
	name     string
	critical bool
	run      func(context.Context) error
}

func loadedProbe(name, failure string, loaded func() bool) probe {
	return probe{name: name, critical: true, run: func(context.Context) error {
		if loaded == nil || !loaded() {
			return errors.New(failure)
		}
		return nil
	}}
}

func (c ReadinessChecks) probes() []probe {
	probes := []probe{
		loadedProbe("catalog", "state catalog not loaded", c.CatalogLoaded),
		loadedProbe("api_doc", "API description not loaded", c.APIDocLoaded),
	}
	add := func(name string, critical bool, hc HealthChecker) {
		if hc != nil {
			probes = append(probes, probe{name: name, critical: critical, run: hc.HealthCheck})
		}
	}
	add("record_store", true, c.RecordStore)
	add("audit_store", true, c.AuditStore)
	add("notifier", false, c.Notifier)
	add("idempotency", false, c.Idempotency)
	return probes
}

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves readiness. Probes run concurrently, each under its own
// timeout. Only a critical failure yields 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Evaluate(r.Context(), checks)
		code := http.StatusOK
		if resp.Status == StatusNotReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// Evaluate runs every configured probe and folds the results into one status.
func Evaluate(ctx context.Context, checks ReadinessChecks) ReadinessResponse {
	probes := checks.probes()
	results := make(map[string]CheckResult, len(probes))
	var mu sync.Mutex

	var g errgroup.Group
	for _, p := range probes {
		g.Go(func() error {
			res := runProbe(ctx, p)
			mu.Lock()
			results[p.name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := StatusReady
	for _, res := range results {
		if res.Status == "ok" {
			continue
		}
		if res.Critical {
			status = StatusNotReady
			break
		}
		status = StatusDegraded
	}
	return ReadinessResponse{Status: status, Checks: results}
}

func runProbe(parent context.Context, p probe) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.run(ctx)
	res := CheckResult{Status: "ok", Critical: p.critical, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
