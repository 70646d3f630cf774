// Package integration provides a reusable test harness for end-to-end
// integration testing of the lab workflow server. It starts a full HTTP
// server over an in-memory record store, the built-in lab catalog and an
// optional Redis idempotency store.
package integration

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/labflow/internal/batch"
	"github.com/pitabwire/labflow/internal/config"
	"github.com/pitabwire/labflow/internal/definition"
	"github.com/pitabwire/labflow/internal/events"
	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/internal/transport"
	"github.com/pitabwire/labflow/internal/workflow"
	"github.com/pitabwire/labflow/model"
)

// TestHarness encapsulates a fully wired server for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Store    *workflow.MemoryStore
	Catalog  *definition.Registry
	Operator *batch.Operator
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Redis    *miniredis.Miniredis
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policy         batch.Policy
	redis          bool
	handlerTimeout time.Duration
}

// WithBatchPolicy sets the batch stage policy.
func WithBatchPolicy(p batch.Policy) HarnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

// WithRedisIdempotency backs batch idempotency with an in-process Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.redis = true }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hcfg := &harnessConfig{
		policy:         batch.PolicyUnconditional,
		handlerTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(hcfg)
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hcfg.handlerTimeout
	cfg.Server.RateLimit.BatchRequests = 0

	defs, err := definition.Load(nil)
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	catalog := definition.NewRegistry(defs)

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	logger := zap.NewNop()

	store := workflow.NewMemoryStore()
	observers := []workflow.StageObserver{
		events.NewLogObserver(logger),
		events.NewMetricsObserver(metrics),
	}

	h := &TestHarness{
		t:        t,
		Store:    store,
		Catalog:  catalog,
		Metrics:  metrics,
		Registry: reg,
	}

	var idem batch.IdempotencyStore = batch.NewMemoryIdempotencyStore()
	readiness := observability.ReadinessChecks{Catalog: catalog}
	if hcfg.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		rs := batch.NewRedisIdempotencyStore(client)
		idem = rs
		readiness.IdempotencyStore = rs
	}

	opOpts := []batch.OperatorOption{
		batch.WithPolicy(hcfg.policy),
		batch.WithIdempotencyStore(idem, time.Hour),
	}
	for _, obs := range observers {
		opOpts = append(opOpts, batch.WithObserver(obs))
	}
	h.Operator = batch.NewOperator(store, opOpts...)

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Operator:  h.Operator,
		Catalog:   catalog,
		Observers: observers,
		Readiness: readiness,
		Metrics:   metrics,
		Gatherer:  reg,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Seed stores records directly, bypassing the HTTP API.
func (h *TestHarness) Seed(recs ...model.TestRecord) []model.TestRecord {
	h.t.Helper()
	out := make([]model.TestRecord, 0, len(recs))
	for _, rec := range recs {
		saved, err := h.Store.Create(context.Background(), rec)
		if err != nil {
			h.t.Fatalf("seeding %s: %v", rec.ID, err)
		}
		out = append(out, saved)
	}
	return out
}

// Record reads a record straight from the store.
func (h *TestHarness) Record(id string) model.TestRecord {
	h.t.Helper()
	rec, err := h.Store.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("reading %s: %v", id, err)
	}
	return rec
}

// --- HTTP client helpers ---

// GET performs a GET request as subject.
func (h *TestHarness) GET(path, subject string) *http.Response {
	return h.doRequest(http.MethodGet, path, nil, subject, nil)
}

// POST performs a POST request with a JSON body as subject.
func (h *TestHarness) POST(path string, body any, subject string) *http.Response {
	return h.doRequest(http.MethodPost, path, body, subject, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, subject string, headers map[string]string) *http.Response {
	return h.doRequest(http.MethodPost, path, body, subject, headers)
}

// PUT performs a PUT request with a JSON body as subject.
func (h *TestHarness) PUT(path string, body any, subject string) *http.Response {
	return h.doRequest(http.MethodPut, path, body, subject, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, subject string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshaling request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("creating request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		req.Header.Set(transport.HeaderSubjectID, subject)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		h.t.Fatalf("decoding response body: %v", err)
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("reading response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body := h.ReadBody(resp)
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, expected, body)
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	h.AssertStatus(t, resp, expected)
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the envelope code of an error response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Fatalf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Fixtures ---

// RecordFixture returns a requested record for patient.
func RecordFixture(id, patient, testType string, status model.Stage) model.TestRecord {
	return model.TestRecord{
		ID:     id,
		Status: status,
		RequestDetails: model.RequestDetails{
			PatientID:   "P-" + id,
			PatientName: patient,
			TestType:    testType,
			Priority:    model.PriorityRoutine,
			RequestedBy: "Dr. Adams",
		},
	}
}

// StagePayloads returns a complete, valid payload for every stage after the
// first, keyed by stage, for a CBC test.
func StagePayloads() map[model.Stage]map[string]any {
	return map[model.Stage]map[string]any{
		model.StageSampleCollected: {
			"collectionDate":  "2026-03-04",
			"collectionTime":  "08:15",
			"collectedBy":     "Nurse Kim",
			"sampleType":      "Whole Blood",
			"sampleCondition": "Good",
		},
		model.StageProcessed: {
			"checkedItems":   []string{"Hemoglobin", "WBC", "Platelets"},
			"processedBy":    "Tech Lee",
			"processingDate": "2026-03-04",
		},
		model.StageReviewed: {
			"interpretation": "Normal",
			"reviewedBy":     "Dr. Patel",
			"reviewDate":     "2026-03-05",
		},
		model.StageCommunicated: {
			"communicationMethod": "Phone",
			"recipientName":       "Ada Smith",
			"communicatedBy":      "Nurse Kim",
			"communicationDate":   "2026-03-05",
		},
		model.StageDoctorReviewed: {
			"clinicalInterpretation": "Within reference ranges",
			"followUpRequired":       false,
			"doctorName":             "Dr. Okafor",
		},
		model.StageConsultationCompleted: {
			"consultationDate":     "2026-03-06",
			"patientUnderstanding": "Good",
			"consultedBy":          "Dr. Okafor",
		},
	}
}

// StagePath returns the URL segment of a stage, e.g. "sample_collected".
func StagePath(s model.Stage) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			out = append(out, '_')
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
