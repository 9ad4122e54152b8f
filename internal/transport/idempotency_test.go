package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/rfiflow/internal/idempotency"
	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/model"
)

// countingHandler echoes the request body and counts invocations.
func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
	})
}

func idemRequest(method, path, body, key, subject string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	if subject != "" {
		req = req.WithContext(model.WithRequestContext(req.Context(), &model.RequestContext{SubjectID: subject}))
	}
	return req
}

func TestIdempotency_replaysSuccess(t *testing.T) {
	var calls atomic.Int32
	store := idempotency.NewMemoryStore()
	handler := Idempotency(store, time.Hour, nil)(countingHandler(&calls, http.StatusCreated))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idemRequest("POST", "/rfis", `{"subject":"a"}`, "k1", "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idemRequest("POST", "/rfis", `{"subject":"a"}`, "k1", "user-1"))

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if second.Code != http.StatusCreated || second.Body.String() != `{"subject":"a"}` {
		t.Errorf("replay = %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayedHeader) != "true" {
		t.Error("replayed response should be marked")
	}
	if first.Header().Get(replayedHeader) != "" {
		t.Error("first response should not be marked as replayed")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestIdempotency_differentBodyConflicts(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), idemRequest("POST", "/rfis", `{"subject":"a"}`, "k1", "user-1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idemRequest("POST", "/rfis", `{"subject":"b"}`, "k1", "user-1"))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestIdempotency_scopedPerSubject(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), idemRequest("POST", "/rfis", `{}`, "k1", "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), idemRequest("POST", "/rfis", `{}`, "k1", "user-2"))

	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2 (keys are per caller)", calls.Load())
	}
}

func TestIdempotency_failuresAreNotRecorded(t *testing.T) {
	var calls atomic.Int32
	store := idempotency.NewMemoryStore()
	handler := Idempotency(store, time.Hour, nil)(countingHandler(&calls, http.StatusUnprocessableEntity))

	handler.ServeHTTP(httptest.NewRecorder(), idemRequest("POST", "/rfis", `{}`, "k1", "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), idemRequest("POST", "/rfis", `{}`, "k1", "user-1"))

	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
	if store.Len() != 0 {
		t.Errorf("store entries = %d, want 0", store.Len())
	}
}

func TestIdempotency_noHeaderPassesThrough(t *testing.T) {
	var calls atomic.Int32
	store := idempotency.NewMemoryStore()
	handler := Idempotency(store, time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	for range 2 {
		handler.ServeHTTP(httptest.NewRecorder(), idemRequest("POST", "/rfis", `{}`, "", "user-1"))
	}
	if calls.Load() != 2 || store.Len() != 0 {
		t.Errorf("calls = %d entries = %d, want 2 and 0", calls.Load(), store.Len())
	}
}

func TestIdempotency_nilStorePassesThrough(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(nil, time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	for range 2 {
		handler.ServeHTTP(httptest.NewRecorder(), idemRequest("POST", "/rfis", `{}`, "k1", "user-1"))
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
}

func TestIdempotency_keyTooLong(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idemRequest("POST", "/rfis", `{}`, strings.Repeat("k", 300), "user-1"))

	if w.Code != http.StatusBadRequest || calls.Load() != 0 {
		t.Errorf("status = %d calls = %d, want 400 and 0", w.Code, calls.Load())
	}
}

func TestIdempotency_requiresRequestContext(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idemRequest("POST", "/rfis", `{}`, "k1", ""))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

type failingStore struct{}

func (failingStore) Check(context.Context, string, string) (*idempotency.Response, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingStore) Save(context.Context, string, string, idempotency.Response, time.Duration) error {
	return errors.New("redis down")
}

func TestIdempotency_storeOutageDegrades(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(failingStore{}, time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idemRequest("POST", "/rfis", `{"a":1}`, "k1", "user-1"))

	if w.Code != http.StatusOK || calls.Load() != 1 {
		t.Errorf("status = %d calls = %d, want 200 and 1", w.Code, calls.Load())
	}
	if w.Body.String() != `{"a":1}` {
		t.Errorf("body = %q, handler should still see the original body", w.Body.String())
	}
}

func TestIdempotency_recordsOutcomes(t *testing.T) {
	var calls atomic.Int32
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, metrics)(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), idemRequest("PUT", "/rfis/1/stage", `{"stage":"in_review"}`, "k1", "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), idemRequest("PUT", "/rfis/1/stage", `{"stage":"in_review"}`, "k1", "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), idemRequest("PUT", "/rfis/1/stage", `{"stage":"none"}`, "k1", "user-1"))

	for outcome, want := range map[string]float64{
		observability.IdempotencyStored:   1,
		observability.IdempotencyReplayed: 1,
		observability.IdempotencyConflict: 1,
	} {
		if got := testutil.ToFloat64(metrics.IdempotencyTotal.WithLabelValues(outcome)); got != want {
			t.Errorf("%s = %v, want %v", outcome, got, want)
		}
	}
}
