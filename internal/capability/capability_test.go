package capability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pitabwire/rfiflow/model"
)

func caller(roles ...string) *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-1", Roles: roles}
}

// --- Policy ---

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy("")

	tests := []struct {
		name  string
		roles []string
		cap   string
		want  bool
	}{
		{"member reads", nil, model.CapRFIRead, true},
		{"member transitions", []string{"editor"}, model.CapRFITransition, true},
		{"member cannot clear audit", []string{"editor"}, model.CapAuditClear, false},
		{"member cannot delete", nil, model.CapRFIDelete, false},
		{"member cannot sweep", nil, model.CapSweepRun, false},
		{"admin clears audit", []string{model.RoleAdmin}, model.CapAuditClear, true},
		{"admin sweeps", []string{model.RoleAdmin}, model.CapSweepRun, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := p.ResolveCapabilities(caller(tt.roles...))
			if err != nil {
				t.Fatalf("ResolveCapabilities: %v", err)
			}
			if got := caps.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%s) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestDefaultPolicy_customAdminRole(t *testing.T) {
	p := DefaultPolicy("rfi_admin")

	caps, _ := p.ResolveCapabilities(caller("rfi_admin"))
	if !caps.Has(model.CapRFIDelete) {
		t.Error("custom admin role should hold every capability")
	}
	caps, _ = p.ResolveCapabilities(caller(model.RoleAdmin))
	if caps.Has(model.CapRFIDelete) {
		t.Error("the stock admin role should not be privileged when another is configured")
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("testdata/policy.yaml")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	viewer, _ := p.ResolveCapabilities(caller())
	if !viewer.Has(model.CapRFIRead) || viewer.Has(model.CapRFIWrite) {
		t.Errorf("roleless caller = %v, want read only", viewer)
	}

	combined, _ := p.ResolveCapabilities(caller("editor", "records_manager"))
	if !combined.HasAll(model.CapRFIRead, model.CapRFIWrite, model.CapAuditRead, model.CapAuditClear) {
		t.Errorf("editor+records_manager = %v", combined)
	}
	if combined.Has(model.CapSweepRun) {
		t.Error("sweep:run was not granted to either role")
	}

	unknown, _ := p.ResolveCapabilities(caller("nobody"))
	if len(unknown) != 2 {
		t.Errorf("unknown role caps = %v, want only the shared grants", unknown)
	}
}

func TestLoadPolicy_starRoleInTokenIsIgnored(t *testing.T) {
	p, _ := LoadPolicy("testdata/policy.yaml")
	caps, _ := p.ResolveCapabilities(caller(AnyRole))
	if caps.Has(model.CapRFIWrite) {
		t.Error("a literal * role claim should not grant extra capabilities")
	}
}

func TestLoadPolicy_errors(t *testing.T) {
	if _, err := LoadPolicy("testdata/missing.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadPolicy("testdata/empty.yaml"); err == nil {
		t.Error("expected error for a policy that grants nothing")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("roles: [not, a, map]"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestPolicy_Sync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	write("roles:\n  editor: [rfi:read]\n")
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	write("roles:\n  editor: [rfi:read, rfi:write]\n")
	if err := p.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	caps, _ := p.ResolveCapabilities(caller("editor"))
	if !caps.Has(model.CapRFIWrite) {
		t.Error("Sync did not pick up the new grant")
	}

	write("roles: {}\n")
	if err := p.Sync(); err == nil {
		t.Error("Sync should reject an empty policy")
	}
	caps, _ = p.ResolveCapabilities(caller("editor"))
	if !caps.Has(model.CapRFIWrite) {
		t.Error("a rejected reload should keep the previous policy")
	}
}

// --- Resolver ---

type countingEvaluator struct {
	calls int
	caps  model.CapabilitySet
	err   error
}

func (e *countingEvaluator) ResolveCapabilities(*model.RequestContext) (model.CapabilitySet, error) {
	e.calls++
	return e.caps, e.err
}

func TestResolver_caches(t *testing.T) {
	ev := &countingEvaluator{caps: model.CapabilitySet{model.CapRFIRead: true}}
	r := NewResolver(ev, time.Minute)

	for range 3 {
		if _, err := r.Resolve(caller("editor")); err != nil {
			t.Fatal(err)
		}
	}
	if ev.calls != 1 {
		t.Errorf("evaluator calls = %d, want 1", ev.calls)
	}

	// Role order does not matter; a different role set does.
	_, _ = r.Resolve(&model.RequestContext{SubjectID: "user-1", Roles: []string{"editor"}})
	_, _ = r.Resolve(caller("editor", "admin"))
	_, _ = r.Resolve(caller("admin", "editor"))
	if ev.calls != 2 {
		t.Errorf("evaluator calls = %d, want 2", ev.calls)
	}
}

func TestResolver_expires(t *testing.T) {
	ev := &countingEvaluator{caps: model.CapabilitySet{}}
	r := NewResolver(ev, time.Minute)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, _ = r.Resolve(caller())
	now = now.Add(2 * time.Minute)
	_, _ = r.Resolve(caller())

	if ev.calls != 2 {
		t.Errorf("evaluator calls = %d, want 2 after expiry", ev.calls)
	}
}

func TestResolver_zeroTTLDoesNotCache(t *testing.T) {
	ev := &countingEvaluator{caps: model.CapabilitySet{}}
	r := NewResolver(ev, 0)

	_, _ = r.Resolve(caller())
	_, _ = r.Resolve(caller())
	if ev.calls != 2 {
		t.Errorf("evaluator calls = %d, want 2", ev.calls)
	}
}

func TestResolver_InvalidateAndPurge(t *testing.T) {
	ev := &countingEvaluator{caps: model.CapabilitySet{}}
	r := NewResolver(ev, time.Hour)

	_, _ = r.Resolve(caller("editor"))
	_, _ = r.Resolve(&model.RequestContext{SubjectID: "user-2"})

	r.Invalidate("user-1")
	_, _ = r.Resolve(caller("editor"))
	_, _ = r.Resolve(&model.RequestContext{SubjectID: "user-2"})
	if ev.calls != 3 {
		t.Errorf("evaluator calls = %d, want 3 (only user-1 re-resolved)", ev.calls)
	}

	r.Purge()
	_, _ = r.Resolve(&model.RequestContext{SubjectID: "user-2"})
	if ev.calls != 4 {
		t.Errorf("evaluator calls = %d, want 4 after Purge", ev.calls)
	}
}

func TestResolver_errorsAreNotCached(t *testing.T) {
	ev := &countingEvaluator{err: errors.New("policy backend down")}
	r := NewResolver(ev, time.Hour)

	if _, err := r.Resolve(caller()); err == nil {
		t.Fatal("expected error")
	}
	ev.err = nil
	ev.caps = model.CapabilitySet{model.CapRFIRead: true}

	ok, err := r.Allows(caller(), model.CapRFIRead)
	if err != nil || !ok {
		t.Errorf("Allows = %v, %v; want true after recovery", ok, err)
	}
}
