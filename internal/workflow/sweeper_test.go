package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/rfiflow/internal/audit"
	"github.com/pitabwire/rfiflow/internal/catalog"
	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/internal/transition"
	"github.com/pitabwire/rfiflow/model"
)

const day = 24 * time.Hour

func TestSweep_transitionsOnlySentPastDue(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.RFI{ID: "late-1", Status: model.StatusSent, DueDate: timePtr(testNow.Add(-day)), AssignedTo: "a"})
	h.seed(t, model.RFI{ID: "future", Status: model.StatusSent, DueDate: timePtr(testNow.Add(day)), AssignedTo: "a"})
	h.seed(t, model.RFI{ID: "late-5", Status: model.StatusSent, DueDate: timePtr(testNow.Add(-5 * day)), AssignedTo: "a"})
	h.seed(t, model.RFI{ID: "active-late", Status: model.StatusActive, DueDate: timePtr(testNow.Add(-day))})

	sweeper := NewSweeper(h.engine)
	n, err := sweeper.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("transitioned = %d, want 2", n)
	}

	want := map[string]model.Status{
		"late-1":      model.StatusOverdue,
		"late-5":      model.StatusOverdue,
		"future":      model.StatusSent,
		"active-late": model.StatusActive,
	}
	for id, status := range want {
		got, _ := h.store.Get(context.Background(), id)
		if got.Status != status {
			t.Errorf("%s status = %s, want %s", id, got.Status, status)
		}
	}

	entries := h.trailFor(t, "late-5")
	if len(entries) != 1 || entries[0].ActorID != model.SystemActor || entries[0].ToState != "overdue" {
		t.Errorf("late-5 audit = %+v", entries)
	}
}

func TestSweep_idempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.RFI{ID: "late", Status: model.StatusSent, DueDate: timePtr(testNow.Add(-day)), AssignedTo: "a"})

	sweeper := NewSweeper(h.engine)
	if n, _ := sweeper.Sweep(context.Background(), testNow); n != 1 {
		t.Fatalf("first sweep = %d, want 1", n)
	}
	n, err := sweeper.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}
	if entries := h.trailFor(t, "late"); len(entries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(entries))
	}
}

func TestSweep_dueExactlyNowIsNotOverdue(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.RFI{ID: "edge", Status: model.StatusSent, DueDate: timePtr(testNow), AssignedTo: "a"})

	n, err := NewSweeper(h.engine).Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("transitioned = %d, want 0", n)
	}
}

// flakyStore fails the conditional update for one RFI.
type flakyStore struct {
	*MemoryRecordStore
	failID string
}

func (f *flakyStore) UpdateIfStatus(ctx context.Context, rfi model.RFI, expected model.Status) (model.RFI, error) {
	if rfi.ID == f.failID {
		return model.RFI{}, errors.New("connection reset by peer")
	}
	return f.MemoryRecordStore.UpdateIfStatus(ctx, rfi, expected)
}

func TestSweep_skipsFailingRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	core, logs := observer.New(zap.WarnLevel)

	mem := NewMemoryRecordStore()
	store := &flakyStore{MemoryRecordStore: mem, failID: "bad"}
	cat := catalog.Default()
	engine := NewEngine(store, cat, transition.DefaultTable(cat), audit.NewLog("trail", audit.NewMemoryStore()),
		WithClock(fixedClock(testNow)),
		WithLogger(zap.New(core)),
		WithMetrics(m),
	)
	for _, id := range []string{"bad", "good-1", "good-2"} {
		rfi := model.RFI{
			ID: id, ProjectID: "p", Subject: "s", Status: model.StatusSent, Version: 1,
			DueDate: timePtr(testNow.Add(-2 * day)), AssignedTo: "a",
		}
		if err := mem.Create(context.Background(), rfi); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := NewSweeper(engine).Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("transitioned = %d, want 2", n)
	}
	if logs.FilterMessage("overdue transition skipped").Len() != 1 {
		t.Error("expected one skip warning")
	}
	if v := testutil.ToFloat64(m.SweepSkippedTotal); v != 1 {
		t.Errorf("skipped metric = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SweepTransitionedTotal); v != 2 {
		t.Errorf("transitioned metric = %v, want 2", v)
	}
	bad, _ := mem.Get(context.Background(), "bad")
	if bad.Status != model.StatusSent {
		t.Errorf("bad status = %s, want sent", bad.Status)
	}
}

// brokenFinder fails the candidate query.
type brokenFinder struct {
	*MemoryRecordStore
}

func (brokenFinder) FindSentPastDue(context.Context, time.Time) ([]model.RFI, error) {
	return nil, errors.New("relation rfis does not exist")
}

func TestSweep_queryFailure(t *testing.T) {
	cat := catalog.Default()
	engine := NewEngine(brokenFinder{NewMemoryRecordStore()}, cat, transition.DefaultTable(cat),
		audit.NewLog("trail", audit.NewMemoryStore()))

	n, err := NewSweeper(engine).Sweep(context.Background(), testNow)
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 0 {
		t.Errorf("transitioned = %d, want 0", n)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(h.engine).Run(ctx, time.Millisecond) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
