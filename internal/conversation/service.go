// Package conversation implements the Conversation Service of spec §4.D,
// wiring the Identity Registry, Membership Store, and Authorization Gate
// together behind Create/Join/Leave/Close/Info operations.
package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"relay.example/messaging-relay/internal/logging"
	"relay.example/messaging-relay/internal/membership"
)

var (
	// ErrEmptyParticipants is returned when Create is called with no one to invite.
	ErrEmptyParticipants = errors.New("participants must not be empty")
	// ErrTooManyParticipants is returned when the proposed roster exceeds capacity.
	ErrTooManyParticipants = errors.New("too many participants")
	// ErrParticipantsNotProvisioned is returned when a proposed participant is not active.
	ErrParticipantsNotProvisioned = errors.New("all participants must be provisioned")
	// ErrNotParticipant is returned when a caller acts on a conversation it does not belong to.
	ErrNotParticipant = errors.New("caller is not a participant")
	// ErrConversationNotFound mirrors membership.ErrNotFound at the service boundary.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationNotActive is returned when a proposed conversation exists but is not Active.
	ErrConversationNotActive = errors.New("conversation exists but is not active")
	// ErrNotAllowed is returned when the caller has no authorization to read a conversation.
	ErrNotAllowed = errors.New("caller is not allowed to access this conversation")
)

const maxParticipants = 50

// IdentityChecker is the subset of the Identity Registry the service needs.
type IdentityChecker interface {
	IsActive(deviceID string) bool
	CanRead(deviceID string) bool
	Exists(deviceID string) bool
}

// Option configures optional Service behaviour at construction time.
type Option func(*Service)

// WithDemoMode enables auto-create-on-join for unknown conversations (§4.D).
func WithDemoMode(enabled bool) Option {
	return func(s *Service) { s.demoMode = enabled }
}

// WithIDGenerator overrides the opaque conversation identifier generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.genID = gen
		}
	}
}

// WithLogger overrides the service's structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service implements §4.D atop a membership.Store and an identity checker.
type Service struct {
	store    membership.Store
	identity IdentityChecker
	logger   *logging.Logger
	demoMode bool
	genID    func() string
}

// New constructs a Conversation Service.
func New(store membership.Store, identity IdentityChecker, opts ...Option) *Service {
	s := &Service{
		store:    store,
		identity: identity,
		logger:   logging.L(),
		genID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateResult reports the outcome of Create.
type CreateResult struct {
	Record  membership.Record
	Reused  bool // true when an existing Active conversation was returned
}

// Create implements §4.D "Create".
func (s *Service) Create(ctx context.Context, caller string, participants []string, convID string) (CreateResult, error) {
	if len(participants) == 0 {
		return CreateResult{}, ErrEmptyParticipants
	}
	//1.- Inject the caller into the roster if not already present.
	roster := append([]string(nil), participants...)
	if !contains(roster, caller) {
		roster = append(roster, caller)
	}
	if len(roster) > maxParticipants {
		return CreateResult{}, ErrTooManyParticipants
	}
	//2.- Every proposed participant must already be provisioned and active.
	for _, p := range roster {
		if !s.identity.IsActive(p) {
			return CreateResult{}, ErrParticipantsNotProvisioned
		}
	}
	if convID == "" {
		convID = s.genID()
	}
	record, err := s.store.Create(ctx, convID, roster)
	if err != nil {
		if errors.Is(err, membership.ErrExists) {
			//3.- Another create won the race; return the existing record iff still Active.
			existing, getErr := s.store.Get(ctx, convID)
			if getErr != nil {
				return CreateResult{}, getErr
			}
			if existing.State != membership.StateActive {
				return CreateResult{}, ErrConversationNotActive
			}
			return CreateResult{Record: existing, Reused: true}, nil
		}
		return CreateResult{}, err
	}
	s.logger.Info("conversation_created",
		logging.ConversationID(convID),
		logging.Int("participant_count", len(roster)),
	)
	return CreateResult{Record: record}, nil
}

// JoinResult reports the outcome of Join.
type JoinResult struct {
	Record     membership.Record
	AutoCreated bool
}

// Join implements §4.D "Join".
func (s *Service) Join(ctx context.Context, caller, convID string) (JoinResult, error) {
	record, err := s.store.AddParticipant(ctx, convID, caller, checkerFunc(s.identity.IsActive))
	if err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			if !s.demoMode {
				return JoinResult{}, ErrConversationNotFound
			}
			//1.- Demo mode auto-creates a fresh conversation with the caller as sole participant.
			created, createErr := s.store.Create(ctx, convID, []string{caller})
			if createErr != nil {
				return JoinResult{}, createErr
			}
			return JoinResult{Record: created, AutoCreated: true}, nil
		}
		return JoinResult{}, translateMembershipErr(err)
	}
	return JoinResult{Record: record}, nil
}

// LeaveResult reports the outcome of Leave.
type LeaveResult struct {
	Record membership.Record
	Closed bool
}

// Leave implements §4.D "Leave".
func (s *Service) Leave(ctx context.Context, caller, convID string) (LeaveResult, error) {
	record, closed, err := s.store.RemoveParticipant(ctx, convID, caller)
	if err != nil {
		return LeaveResult{}, translateMembershipErr(err)
	}
	return LeaveResult{Record: record, Closed: closed}, nil
}

// Close implements §4.D "Close". Closing an already-closed conversation is
// idempotent success.
func (s *Service) Close(ctx context.Context, caller, convID string) (membership.Record, error) {
	record, err := s.store.Get(ctx, convID)
	if err != nil {
		return membership.Record{}, translateMembershipErr(err)
	}
	if !contains(record.Participants, caller) {
		return membership.Record{}, ErrNotParticipant
	}
	if record.State == membership.StateClosed {
		return record, nil
	}
	updated, err := s.store.Update(ctx, convID, nil, membership.StateClosed)
	if err != nil {
		return membership.Record{}, translateMembershipErr(err)
	}
	return updated, nil
}

// Info implements §4.D "Info": participants may read, and so may any
// known device that is not active. The record keeps no history of past
// participants, so such a caller is not checked against former
// membership. Active non-participants and unknown devices are denied.
func (s *Service) Info(ctx context.Context, caller, convID string) (membership.Record, error) {
	record, err := s.store.Get(ctx, convID)
	if err != nil {
		return membership.Record{}, translateMembershipErr(err)
	}
	if contains(record.Participants, caller) {
		return record, nil
	}
	if s.identity.Exists(caller) && !s.identity.IsActive(caller) {
		// A known device that is not active is let through, so revoked
		// devices keep read access. Pending and provisioned devices also
		// pass here; the HTTP read gate turns them away before Info runs.
		return record, nil
	}
	return membership.Record{}, ErrNotAllowed
}

func translateMembershipErr(err error) error {
	switch {
	case errors.Is(err, membership.ErrNotFound):
		return ErrConversationNotFound
	case errors.Is(err, membership.ErrNotMember):
		return ErrNotParticipant
	case errors.Is(err, membership.ErrNotActive):
		return ErrConversationNotActive
	case errors.Is(err, membership.ErrFull):
		return fmt.Errorf("conversation is at capacity: %w", err)
	case errors.Is(err, membership.ErrDeviceInactive):
		return ErrParticipantsNotProvisioned
	default:
		return err
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type checkerFunc func(string) bool

func (f checkerFunc) IsActive(id string) bool { return f(id) }
