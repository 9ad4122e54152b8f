// Package integration provides a reusable test harness for end-to-end
// integration testing of the rfiflow server. It starts a full HTTP server
// with in-memory stores, a running outbox, a Redis-stream notifier backed by
// miniredis, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/rfiflow/internal/audit"
	"github.com/pitabwire/rfiflow/internal/catalog"
	"github.com/pitabwire/rfiflow/internal/config"
	"github.com/pitabwire/rfiflow/internal/idempotency"
	"github.com/pitabwire/rfiflow/internal/notify"
	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/internal/openapi"
	"github.com/pitabwire/rfiflow/internal/outbox"
	"github.com/pitabwire/rfiflow/internal/transition"
	"github.com/pitabwire/rfiflow/internal/transport"
	"github.com/pitabwire/rfiflow/internal/workflow"
)

const notifyStream = "rfiflow:test:notifications"

// Clock is a settable time source shared by the engine and tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current clock value.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestHarness encapsulates a fully wired rfiflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Clock    *Clock
	Store    *workflow.MemoryRecordStore
	Trail    *audit.MemoryStore
	Activity *audit.MemoryStore
	Outbox   *outbox.Outbox
	Engine   *workflow.Engine
	Redis    *miniredis.Miniredis
	redis    *redis.Client
	cfg      *config.Config

	Idempotency *idempotency.MemoryStore
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	notifier       notify.Notifier
	start          time.Time
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithNotifier replaces the Redis notifier.
func WithNotifier(n notify.Notifier) HarnessOption {
	return func(c *harnessConfig) {
		c.notifier = n
	}
}

// WithStartTime sets the initial clock value.
func WithStartTime(t time.Time) HarnessOption {
	return func(c *harnessConfig) {
		c.start = t
	}
}

// NewTestHarness creates and starts a full test instance. The server and
// background workers are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		start:          time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(t),
		Clock:    &Clock{now: hc.start},
		Store:    workflow.NewMemoryRecordStore(),
		Trail:    audit.NewMemoryStore(),
		Activity: audit.NewMemoryStore(),
		Redis:    miniredis.RunT(t),

		Idempotency: idempotency.NewMemoryStore(),
	}

	client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { client.Close() })
	h.redis = client

	notifier := hc.notifier
	if notifier == nil {
		notifier = notify.NewRedisNotifier(client, notifyStream, 0)
	}

	h.Outbox = outbox.New(64, zap.NewNop(), outbox.WithTaskTimeout(2*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Outbox.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cat := catalog.Default()
	h.Engine = workflow.NewEngine(h.Store, cat, transition.DefaultTable(cat),
		audit.NewLog("trail", h.Trail),
		workflow.WithActivityFeed(audit.NewLog("activity", h.Activity)),
		workflow.WithNotifier(notifier),
		workflow.WithOutbox(h.Outbox),
		workflow.WithClock(h.Clock.Now),
	)

	apiIndex, err := openapi.Load()
	if err != nil {
		t.Fatalf("load API description: %v", err)
	}

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = testIssuer
	h.cfg.Identity.Audience = testAudience
	h.cfg.Identity.SecretEnv = "RFIFLOW_INTEGRATION_SECRET"
	h.cfg.Observability.Metrics.Enabled = false

	t.Setenv(h.cfg.Identity.SecretEnv, testSecret)
	secret, err := transport.LoadSecret(h.cfg.Identity)
	if err != nil {
		t.Fatalf("load secret: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Sweeper:      workflow.NewSweeper(h.Engine),
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, secret),
		APIIndex:     apiIndex,
		Idempotency:  h.Idempotency,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded: func() bool { return true },
			APIDocLoaded:  func() bool { return len(apiIndex.AllOperationIDs()) > 0 },
			RecordStore:   h.Store,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with the wrong secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// Flush waits for queued side effects to finish.
func (h *TestHarness) Flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Outbox.Flush(ctx); err != nil {
		h.t.Fatalf("outbox flush: %v (pending %d)", err, h.Outbox.Pending())
	}
}

// Notifications flushes the outbox and returns every notification published
// to the Redis stream, oldest first.
func (h *TestHarness) Notifications() []notify.Notification {
	h.t.Helper()
	h.Flush()

	msgs, err := h.redis.XRange(context.Background(), notifyStream, "-", "+").Result()
	if err != nil {
		h.t.Fatalf("read stream: %v", err)
	}

	out := make([]notify.Notification, 0, len(msgs))
	for _, m := range msgs {
		payload, _ := m.Values["payload"].(string)
		var n notify.Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			h.t.Fatalf("decode notification: %v", err)
		}
		out = append(out, n)
	}
	return out
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PATCH", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// Do performs a request with additional headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			bodyReader = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the
// body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope's code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) ErrorBody {
	t.Helper()
	var body struct {
		Success bool      `json:"success"`
		Error   ErrorBody `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Success {
		t.Error("success = true on an error response")
	}
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Response shapes ---

// ErrorBody mirrors the error half of the response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details []struct {
		Field   string `json:"field"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"details"`
	TraceID string `json:"trace_id"`
}

// RFIBody is the subset of an RFI the tests inspect.
type RFIBody struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Subject       string     `json:"subject"`
	Status        string     `json:"status"`
	Stage         string     `json:"stage"`
	AssignedTo    string     `json:"assigned_to"`
	DueDate       *time.Time `json:"due_date"`
	DateActivated *time.Time `json:"date_activated"`
	DateSent      *time.Time `json:"date_sent"`
	DateResponded *time.Time `json:"date_responded"`
	DateClosed    *time.Time `json:"date_closed"`
	Response      string     `json:"response"`
	VoidedReason  string     `json:"voided_reason"`
	Version       int        `json:"version"`
}

// AuditBody is the subset of an audit entry the tests inspect.
type AuditBody struct {
	Seq       int    `json:"seq"`
	Action    string `json:"action"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	ActorID   string `json:"actor_id"`
	Detail    string `json:"detail"`
}

// Data decodes a success envelope into T.
func Data[T any](h *TestHarness, t *testing.T, resp *http.Response, status int) T {
	t.Helper()
	var env struct {
		Success bool `json:"success"`
		Data    T    `json:"data"`
	}
	h.AssertJSON(t, resp, status, &env)
	if !env.Success {
		t.Error("success = false on a success response")
	}
	return env.Data
}

// CreateRFI creates a draft RFI and returns it.
func (h *TestHarness) CreateRFI(t *testing.T, token, subject string) RFIBody {
	t.Helper()
	return Data[RFIBody](h, t, h.POST("/rfis", map[string]any{
		"project_id": "proj-1",
		"subject":    subject,
	}, token), http.StatusCreated)
}

// Transition executes a transition and returns the response.
func (h *TestHarness) Transition(id, target string, extra map[string]any, token string) *http.Response {
	h.t.Helper()
	body := map[string]any{"target_status": target}
	if extra != nil {
		body["extra"] = extra
	}
	return h.POST("/rfis/"+id+"/transitions", body, token)
}

// --- Default test claims ---

// EditorClaims returns TestClaims for a regular project member.
func EditorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-editor",
		Email:     "editor@builder.example.com",
		Roles:     []string{"editor"},
	}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@builder.example.com",
		Roles:     []string{"admin"},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
