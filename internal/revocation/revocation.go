// Package revocation implements the Revocation Propagator of spec §4.H:
// cascading a device revocation through every conversation the reverse
// index names, generalized from a subscriber fan-out teardown pattern
// (grpc_bridge.go's SubscribeStateDiffs/cancel) into a membership cascade.
package revocation

import (
	"context"

	"relay.example/messaging-relay/internal/logging"
	"relay.example/messaging-relay/internal/membership"
)

// Store is the subset of the Membership Store the propagator needs.
type Store interface {
	Exists(ctx context.Context, convID string) (bool, error)
	RemoveParticipant(ctx context.Context, convID, deviceID string) (membership.Record, bool, error)
	DeviceConversations(ctx context.Context, deviceID string) []string
}

// Result reports the cascade's effect, included verbatim in the revoke
// response per §4.H.
type Result struct {
	AffectedConversations int `json:"affected_conversations"`
	ConversationsClosed   int `json:"conversations_closed"`
}

// Propagator cascades a revocation across the conversations a device
// belongs to.
type Propagator struct {
	store  Store
	logger *logging.Logger
}

// New constructs a Revocation Propagator.
func New(store Store, logger *logging.Logger) *Propagator {
	if logger == nil {
		logger = logging.L()
	}
	return &Propagator{store: store, logger: logger}
}

// Propagate implements §4.H: it MUST complete before the caller's revoke
// returns success. Stale reverse-index entries (already-expired
// conversations) are discarded silently.
func (p *Propagator) Propagate(ctx context.Context, deviceID string) Result {
	candidates := p.store.DeviceConversations(ctx, deviceID)
	result := Result{}

	for _, convID := range candidates {
		exists, err := p.store.Exists(ctx, convID)
		if err != nil || !exists {
			continue // stale reverse-index entry; discard silently
		}
		_, closed, err := p.store.RemoveParticipant(ctx, convID, deviceID)
		if err != nil {
			// NotFound/NotMember both mean the cascade has nothing left to
			// do here; any other error is logged but does not abort the
			// remaining candidates.
			p.logger.Debug("revocation cascade skipped conversation",
				logging.ConversationID(convID), logging.Error(err))
			continue
		}
		result.AffectedConversations++
		if closed {
			result.ConversationsClosed++
		}
	}

	p.logger.Info("device_revoked",
		logging.DeviceID(deviceID),
		logging.Int("affected_conversations", result.AffectedConversations),
		logging.Int("conversations_closed", result.ConversationsClosed),
	)
	return result
}
