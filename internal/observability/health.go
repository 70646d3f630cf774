package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	serviceName  = "labd"
	checkTimeout = 2 * time.Second
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body: overall status plus one result per
// dependency.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CatalogStatus reports on the loaded lab catalog.
type CatalogStatus interface {
	Loaded() bool
	Checksum() string
}

// ReadinessChecks lists what /ready verifies. The catalog is required; the
// other checks run only when set.
type ReadinessChecks struct {
	Catalog CatalogStatus

	RecordStore      HealthChecker
	IdempotencyStore HealthChecker
	EventBroker      HealthChecker
}

var errNoCatalog = errors.New("no lab catalog loaded")

type catalogCheck struct{ status CatalogStatus }

func (c catalogCheck) HealthCheck(context.Context) error {
	if c.status == nil || !c.status.Loaded() {
		return errNoCatalog
	}
	return nil
}

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Service: serviceName,
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady serves readiness. All checks run concurrently, each bounded by
// its own timeout; any failure answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := map[string]HealthChecker{"catalog": catalogCheck{checks.Catalog}}
		for name, checker := range map[string]HealthChecker{
			"record_store":      checks.RecordStore,
			"idempotency_store": checks.IdempotencyStore,
			"event_broker":      checks.EventBroker,
		} {
			if checker != nil {
				named[name] = checker
			}
		}

		results := make(map[string]CheckResult, len(named))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, checker := range named {
			wg.Go(func() {
				result := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = result
				mu.Unlock()
			})
		}
		wg.Wait()

		if res := results["catalog"]; res.Status == "ok" {
			res.Detail = checks.Catalog.Checksum()
			results["catalog"] = res
		}

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
