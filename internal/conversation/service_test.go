package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay.example/messaging-relay/internal/membership"
)

type fakeIdentity struct {
	active map[string]bool
}

func (f *fakeIdentity) IsActive(id string) bool { return f.active[id] }
func (f *fakeIdentity) CanRead(id string) bool  { return f.active[id] }
func (f *fakeIdentity) Exists(id string) bool   { _, ok := f.active[id]; return ok }

func newFixture() (*Service, *membership.MemoryStore, *fakeIdentity) {
	store := membership.NewMemoryStore(time.Hour)
	identity := &fakeIdentity{active: map[string]bool{
		"dev-a": true, "dev-b": true, "dev-c": true,
	}}
	var seq int
	svc := New(store, identity, WithIDGenerator(func() string {
		seq++
		return "conv-generated"
	}))
	return svc, store, identity
}

func TestCreateInjectsCallerAndValidatesParticipants(t *testing.T) {
	svc, _, _ := newFixture()
	ctx := context.Background()
	res, err := svc.Create(ctx, "dev-a", []string{"dev-b"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(res.Record.Participants) != 2 {
		t.Fatalf("expected caller injected, got %v", res.Record.Participants)
	}
}

func TestCreateRejectsEmptyParticipants(t *testing.T) {
	svc, _, _ := newFixture()
	if _, err := svc.Create(context.Background(), "dev-a", nil, ""); err != ErrEmptyParticipants {
		t.Fatalf("expected ErrEmptyParticipants, got %v", err)
	}
}

func TestCreateRejectsInactiveParticipant(t *testing.T) {
	svc, _, identity := newFixture()
	identity.active["dev-x"] = false
	if _, err := svc.Create(context.Background(), "dev-a", []string{"dev-x"}, ""); err != ErrParticipantsNotProvisioned {
		t.Fatalf("expected ErrParticipantsNotProvisioned, got %v", err)
	}
}

func TestCreateReturnsExistingActiveOnRace(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()
	store.Create(ctx, "conv-1", []string{"dev-a"})
	res, err := svc.Create(ctx, "dev-a", []string{"dev-b"}, "conv-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Reused {
		t.Fatalf("expected Reused=true on existing active conversation")
	}
}

func TestJoinAutoCreatesInDemoMode(t *testing.T) {
	store := membership.NewMemoryStore(time.Hour)
	identity := &fakeIdentity{active: map[string]bool{"dev-a": true}}
	svc := New(store, identity, WithDemoMode(true))
	res, err := svc.Join(context.Background(), "dev-a", "conv-missing")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !res.AutoCreated {
		t.Fatalf("expected auto-create in demo mode")
	}
}

func TestJoinWithoutDemoModeReturnsNotFound(t *testing.T) {
	svc, _, _ := newFixture()
	if _, err := svc.Join(context.Background(), "dev-a", "conv-missing"); err != ErrConversationNotFound {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestLeaveReportsAutoClose(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()
	store.Create(ctx, "conv-1", []string{"dev-a"})
	res, err := svc.Leave(ctx, "dev-a", "conv-1")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !res.Closed {
		t.Fatalf("expected conversation to report closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()
	store.Create(ctx, "conv-1", []string{"dev-a"})
	if _, err := svc.Close(ctx, "dev-a", "conv-1"); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	rec, err := svc.Close(ctx, "dev-a", "conv-1")
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if rec.State != membership.StateClosed {
		t.Fatalf("expected closed state preserved")
	}
}

func TestCloseRequiresParticipant(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()
	store.Create(ctx, "conv-1", []string{"dev-a"})
	if _, err := svc.Close(ctx, "dev-b", "conv-1"); err != ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestInfoDeniesNonParticipant(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()
	store.Create(ctx, "conv-1", []string{"dev-a"})
	if _, err := svc.Info(ctx, "dev-b", "conv-1"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestInfoAllowsParticipant(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()
	store.Create(ctx, "conv-1", []string{"dev-a"})
	if _, err := svc.Info(ctx, "dev-a", "conv-1"); err != nil {
		t.Fatalf("Info: %v", err)
	}
}

func TestInfoAllowsRevokedFormerParticipant(t *testing.T) {
	svc, store, identity := newFixture()
	ctx := context.Background()
	store.Create(ctx, "conv-1", []string{"dev-a"})
	// dev-d was removed from the roster (e.g. by revocation cascade) but is
	// still a known, non-active device: it retains read access.
	identity.active["dev-d"] = false
	if _, err := svc.Info(ctx, "dev-d", "conv-1"); err != nil {
		t.Fatalf("expected a revoked former participant to retain read access, got %v", err)
	}
}

func TestInfoDeniesActiveNonParticipant(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()
	store.Create(ctx, "conv-1", []string{"dev-a"})
	// dev-c is Active but was never a participant in this conversation.
	if _, err := svc.Info(ctx, "dev-c", "conv-1"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected an active non-participant to be denied, got %v", err)
	}
}
