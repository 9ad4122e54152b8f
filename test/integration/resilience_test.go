package integration

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pitabwire/rfiflow/internal/notify"
)

// ==========================================================================
// Side-Effect Isolation
// ==========================================================================

func TestResilience_FailingNotifierDoesNotBlockTransitions(t *testing.T) {
	var calls atomic.Int32
	h := NewTestHarness(t, WithNotifier(notify.NotifierFunc(func(context.Context, notify.Notification) error {
		calls.Add(1)
		return errors.New("broker unavailable")
	})))
	token := h.GenerateToken(EditorClaims())

	rfi := h.CreateRFI(t, token, "Notifier down")
	got := Data[RFIBody](h, t, h.Transition(rfi.ID, "active", nil, token), http.StatusOK)
	if got.Status != "active" {
		t.Fatalf("status = %q, want active", got.Status)
	}

	h.Flush()
	if calls.Load() != 1 {
		t.Errorf("notifier calls = %d, want 1", calls.Load())
	}

	// The activity feed is independent of the notifier.
	feed := Data[[]AuditBody](h, t, h.GET("/rfis/"+rfi.ID+"/activity", token), http.StatusOK)
	if len(feed) != 2 {
		t.Errorf("activity entries = %d, want 2", len(feed))
	}
}

func TestResilience_PanickingNotifierIsContained(t *testing.T) {
	h := NewTestHarness(t, WithNotifier(notify.NotifierFunc(func(context.Context, notify.Notification) error {
		panic("notifier bug")
	})))
	token := h.GenerateToken(EditorClaims())

	rfi := h.CreateRFI(t, token, "Notifier panics")
	h.AssertStatus(t, h.Transition(rfi.ID, "active", nil, token), http.StatusOK)
	h.Flush()

	// The outbox worker survived; later work still completes.
	h.AssertStatus(t, h.Transition(rfi.ID, "draft", nil, token), http.StatusOK)
	h.Flush()

	trail := Data[[]AuditBody](h, t, h.GET("/rfis/"+rfi.ID+"/audit", token), http.StatusOK)
	if len(trail) != 3 {
		t.Errorf("audit entries = %d, want 3", len(trail))
	}
}

func TestResilience_RedisOutage(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(EditorClaims())

	rfi := h.CreateRFI(t, token, "Redis goes away")
	h.AssertStatus(t, h.Transition(rfi.ID, "active", nil, token), http.StatusOK)
	if n := len(h.Notifications()); n != 1 {
		t.Fatalf("notifications before outage = %d, want 1", n)
	}

	h.Redis.Close()

	got := Data[RFIBody](h, t, h.Transition(rfi.ID, "draft", nil, token), http.StatusOK)
	if got.Status != "draft" || got.Version != 3 {
		t.Errorf("after outage = %s v%d, want draft v3", got.Status, got.Version)
	}
	h.Flush()
}

// ==========================================================================
// Concurrency
// ==========================================================================

func TestResilience_ConcurrentTransitionsOneWinner(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(EditorClaims())
	rfi := h.CreateRFI(t, token, "Race")

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Transition(rfi.ID, "active", nil, token)
			resp.Body.Close()
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if statuses[http.StatusOK] != 1 {
		t.Errorf("successful transitions = %d, want 1 (statuses %v)", statuses[http.StatusOK], statuses)
	}
	if statuses[http.StatusConflict] != workers-1 {
		t.Errorf("conflicts = %d, want %d (statuses %v)", statuses[http.StatusConflict], workers-1, statuses)
	}

	got := Data[RFIBody](h, t, h.GET("/rfis/"+rfi.ID, token), http.StatusOK)
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
	trail := Data[[]AuditBody](h, t, h.GET("/rfis/"+rfi.ID+"/audit", token), http.StatusOK)
	if len(trail) != 2 {
		t.Errorf("audit entries = %d, want 2", len(trail))
	}
}

func TestResilience_ConcurrentEditsKeepEveryUpdate(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(EditorClaims())
	rfi := h.CreateRFI(t, token, "Edits")

	const workers = 6
	var (
		wg  sync.WaitGroup
		ok  atomic.Int32
		bad atomic.Int32
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.PATCH("/rfis/"+rfi.ID, map[string]any{"schedule_impact_days": i + 1}, token)
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusConflict:
			default:
				bad.Add(1)
			}
		}()
	}
	wg.Wait()

	if bad.Load() != 0 {
		t.Errorf("%d edits failed with an unexpected status", bad.Load())
	}
	got := Data[RFIBody](h, t, h.GET("/rfis/"+rfi.ID, token), http.StatusOK)
	if got.Version != 1+int(ok.Load()) {
		t.Errorf("version = %d, want %d (one bump per accepted edit)", got.Version, 1+ok.Load())
	}
}
