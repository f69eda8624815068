// Package identity owns device identity records and their lifecycle state
// machine (spec §4.A).
package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State enumerates the device identity lifecycle.
type State string

const (
	StatePending     State = "pending"
	StateProvisioned State = "provisioned"
	StateActive      State = "active"
	StateRevoked     State = "revoked"
)

var (
	// ErrAlreadyExists is returned when registering a device identifier that
	// already has a record.
	ErrAlreadyExists = errors.New("device already registered")
	// ErrNotFound is returned for operations against an unknown device.
	ErrNotFound = errors.New("device not found")
	// ErrBadState is returned when a transition is attempted from a state
	// that does not permit it.
	ErrBadState = errors.New("device state does not permit this transition")
	// ErrAlreadyRevoked signals a revoke call against an already-revoked
	// device; callers should treat this as an idempotent success.
	ErrAlreadyRevoked = errors.New("device already revoked")
)

const keyRotationPeriod = 90 * 24 * time.Hour

// Record is a snapshot of a device identity. Copies are safe to share;
// callers never receive the registry's internal pointer.
type Record struct {
	ID             string
	PublicKey      string
	Controller     string
	State          State
	CreatedAt      time.Time
	ProvisionedAt  time.Time
	ActivatedAt    time.Time
	RevokedAt      time.Time
	LastRotatedAt  time.Time
	NextRotationAt time.Time
}

// Clock exposes the current time so tests can drive the demo-activity
// window deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type entry struct {
	mu     sync.Mutex
	record Record
	touch  time.Time
}

// Registry is a concurrent map from device identifier to identity record.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*entry
	clock    Clock
	demoMode bool
}

// Option configures optional Registry behaviour at construction time.
type Option func(*Registry)

// WithClock overrides the default wall-clock time source.
func WithClock(clock Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithDemoMode enables the demo activity window described in §4.A. It MUST
// be disabled in production configurations; callers are expected to have
// already rejected that combination at config-load time.
func WithDemoMode(enabled bool) Option {
	return func(r *Registry) { r.demoMode = enabled }
}

// New constructs an empty identity registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		devices: make(map[string]*entry),
		clock:   systemClock{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) now() time.Time { return r.clock.Now() }

// Register inserts a new Pending device record. If id is empty, an opaque
// identifier is generated.
func (r *Registry) Register(id, publicKey, controller string) (Record, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()

	r.mu.Lock()
	if _, exists := r.devices[id]; exists {
		r.mu.Unlock()
		return Record{}, ErrAlreadyExists
	}
	e := &entry{
		record: Record{
			ID:         id,
			PublicKey:  publicKey,
			Controller: controller,
			State:      StatePending,
			CreatedAt:  now,
		},
		touch: now,
	}
	r.devices[id] = e
	r.mu.Unlock()

	return e.record, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Provision transitions Pending -> Provisioned.
func (r *Registry) Provision(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State != StatePending {
		return ErrBadState
	}
	e.record.State = StateProvisioned
	e.record.ProvisionedAt = r.now()
	return nil
}

// Confirm transitions Provisioned -> Active.
func (r *Registry) Confirm(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State != StateProvisioned {
		return ErrBadState
	}
	now := r.now()
	e.record.State = StateActive
	e.record.ActivatedAt = now
	e.record.LastRotatedAt = now
	e.record.NextRotationAt = now.Add(keyRotationPeriod)
	return nil
}

// Revoke transitions Active or Provisioned -> Revoked. It is idempotent:
// calling it again on an already-revoked device returns ErrAlreadyRevoked,
// which callers at the API boundary MUST treat as success (§4.A).
func (r *Registry) Revoke(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.record.State {
	case StateRevoked:
		return ErrAlreadyRevoked
	case StateActive, StateProvisioned:
		now := r.now()
		e.record.State = StateRevoked
		e.record.RevokedAt = now
		e.record.LastRotatedAt = now
		e.record.NextRotationAt = time.Time{}
		return nil
	default:
		// Pending -> Revoked is not a permitted transition (§3 invariant i).
		return ErrBadState
	}
}

// Touch records recent activity for the demo-mode activity window. It is a
// no-op when demo mode is disabled.
func (r *Registry) Touch(id string) {
	if !r.demoMode {
		return
	}
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.touch = r.now()
	e.mu.Unlock()
}

// Get returns a snapshot of the device record.
func (r *Registry) Get(id string) (Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, nil
}

// IsActive reports whether the device may be treated as Active, including
// the demo-mode activity window (§4.A).
func (r *Registry) IsActive(id string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State == StateActive {
		return true
	}
	if r.demoMode && r.now().Sub(e.touch) <= 5*time.Minute {
		return true
	}
	return false
}

// CanSend, CanCreate and CanJoin all require the device to be Active (or
// within the demo activity window).
func (r *Registry) CanSend(id string) bool   { return r.IsActive(id) }
func (r *Registry) CanCreate(id string) bool { return r.IsActive(id) }
func (r *Registry) CanJoin(id string) bool   { return r.IsActive(id) }

// CanRead is true for Active or Revoked devices: revocation leaves
// neutral, read-only access to historical conversations (§4.A, GLOSSARY).
func (r *Registry) CanRead(id string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State == StateActive || e.record.State == StateRevoked {
		return true
	}
	if r.demoMode && r.now().Sub(e.touch) <= 5*time.Minute {
		return true
	}
	return false
}

// Exists reports whether a device record is present, regardless of state.
func (r *Registry) Exists(id string) bool {
	_, err := r.lookup(id)
	return err == nil
}
