package identity

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLifecycleHappyPath(t *testing.T) {
	r := New()
	rec, err := r.Register("dev-1", "pubkey", "controller-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.State != StatePending {
		t.Fatalf("expected pending, got %s", rec.State)
	}
	if err := r.Provision("dev-1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := r.Confirm("dev-1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !r.IsActive("dev-1") {
		t.Fatalf("expected device active")
	}
	got, err := r.Get("dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NextRotationAt.Sub(got.LastRotatedAt) != 90*24*time.Hour {
		t.Fatalf("expected 90 day rotation window, got %s", got.NextRotationAt.Sub(got.LastRotatedAt))
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	if _, err := r.Register("dev-1", "k", "c"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register("dev-1", "k2", "c"); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPendingCannotBeRevoked(t *testing.T) {
	r := New()
	r.Register("dev-1", "k", "c")
	if err := r.Revoke("dev-1"); err != ErrBadState {
		t.Fatalf("expected ErrBadState revoking a pending device, got %v", err)
	}
}

func TestRevokeFromProvisionedOrActive(t *testing.T) {
	for _, path := range []func(r *Registry){
		func(r *Registry) { r.Provision("dev-1") },
		func(r *Registry) { r.Provision("dev-1"); r.Confirm("dev-1") },
	} {
		r := New()
		r.Register("dev-1", "k", "c")
		path(r)
		if err := r.Revoke("dev-1"); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		rec, _ := r.Get("dev-1")
		if rec.State != StateRevoked {
			t.Fatalf("expected revoked, got %s", rec.State)
		}
		if !rec.NextRotationAt.IsZero() {
			t.Fatalf("expected next rotation cleared on revoke")
		}
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	r := New()
	r.Register("dev-1", "k", "c")
	r.Provision("dev-1")
	r.Confirm("dev-1")
	if err := r.Revoke("dev-1"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := r.Revoke("dev-1"); err != ErrAlreadyRevoked {
		t.Fatalf("expected ErrAlreadyRevoked on second call, got %v", err)
	}
}

func TestCanReadAllowsRevoked(t *testing.T) {
	r := New()
	r.Register("dev-1", "k", "c")
	r.Provision("dev-1")
	r.Confirm("dev-1")
	r.Revoke("dev-1")
	if !r.CanRead("dev-1") {
		t.Fatalf("expected revoked device to retain read access")
	}
	if r.CanSend("dev-1") {
		t.Fatalf("expected revoked device to lose send capability")
	}
}

func TestDemoModeActivityWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	r := New(WithClock(clock), WithDemoMode(true))
	r.Register("dev-1", "k", "c")
	r.Touch("dev-1")
	if !r.IsActive("dev-1") {
		t.Fatalf("expected demo window to grant activity")
	}
	clock.advance(6 * time.Minute)
	if r.IsActive("dev-1") {
		t.Fatalf("expected demo window to expire after 5 minutes")
	}
}

func TestUnknownDeviceIsInactive(t *testing.T) {
	r := New()
	if r.IsActive("ghost") {
		t.Fatalf("expected unknown device to be inactive")
	}
}
