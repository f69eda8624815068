// Package relay implements the Relay Core of spec §4.E: an in-memory
// pending-message map with relay/poll/ack operations and a periodic
// expiration sweep, generalized from a tick-buffered event store into a
// map keyed by message identifier.
package relay

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay.example/messaging-relay/internal/config"
	"relay.example/messaging-relay/internal/logging"
)

// RejectReason enumerates the reasons a relay call can fail its
// preconditions (§4.E).
type RejectReason string

const (
	ReasonSenderNotActive        RejectReason = "sender_not_active"
	ReasonAlreadyExpired         RejectReason = "already_expired"
	ReasonTooManyRecipients      RejectReason = "too_many_recipients"
	ReasonRecipientNotActive     RejectReason = "recipient_not_active"
	ReasonPayloadTooLarge        RejectReason = "payload_too_large"
	ReasonPayloadPlaintextRejected RejectReason = "payload_plaintext_rejected"
)

// RejectError is returned when relay() declines to accept a message.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string { return string(e.Reason) }

func reject(reason RejectReason) error { return &RejectError{Reason: reason} }

// ErrUnknownMessage is returned by Ack for a message identifier the pending
// map has no record of (already delivered, expired, or never relayed).
var ErrUnknownMessage = errors.New("unknown message")

// IdentityChecker is the subset of the Identity Registry the relay needs.
type IdentityChecker interface {
	IsActive(deviceID string) bool
}

// OutboundMessage is the payload handed to the Delivery Channel (§4.F) for
// a single recipient.
type OutboundMessage struct {
	ID             string
	ConversationID string
	PayloadHex     string
	Timestamp      time.Time
	SenderID       string
	ExpiresAt      time.Time
}

// Enqueuer is the subset of the Delivery Channel the relay needs.
type Enqueuer interface {
	Enqueue(deviceID string, msg OutboundMessage)
}

// Message is a snapshot of a pending entry for REST polling.
type Message struct {
	ID             string
	ConversationID string
	PayloadHex     string
	Timestamp      time.Time
	SenderID       string
	ExpiresAt      time.Time
}

type pendingEntry struct {
	mu        sync.Mutex
	message   Message
	remaining map[string]struct{}
}

// Core is the Relay Core. Each pending entry carries its own mutex, so
// per-message work locks only that entry; the pending map itself is
// guarded by an RWMutex (see Sweep for how the sweep shares it).
type Core struct {
	mu      sync.RWMutex
	pending map[string]*pendingEntry

	identity IdentityChecker
	delivery Enqueuer
	logger   *logging.Logger
	now      func() time.Time

	mode      config.EncryptionMode
	localAEAD cipher.AEAD // only set in server mode
}

// Option configures optional Core behaviour at construction time.
type Option func(*Core)

// WithClock overrides the default wall-clock time source.
func WithClock(now func() time.Time) Option {
	return func(c *Core) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

// New constructs a Relay Core. mode and keySeed are fixed at startup per
// §4.E ("Mode MUST be fixed at startup") and are not mutable afterward.
func New(identity IdentityChecker, delivery Enqueuer, mode config.EncryptionMode, keySeed string, opts ...Option) (*Core, error) {
	c := &Core{
		pending:  make(map[string]*pendingEntry),
		identity: identity,
		delivery: delivery,
		logger:   logging.L(),
		now:      time.Now,
		mode:     mode,
	}
	if mode == config.EncryptionModeServer {
		aead, err := newLocalAEAD(keySeed)
		if err != nil {
			return nil, fmt.Errorf("relay: server-mode key setup: %w", err)
		}
		c.localAEAD = aead
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func newLocalAEAD(seed string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(seed))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// encodePayload implements the §4.E send-path encoding contract.
func (c *Core) encodePayload(raw string) ([]byte, error) {
	if decoded, ok := decodeBase64OrHex(raw); ok {
		return decoded, nil
	}
	switch c.mode {
	case config.EncryptionModeClient:
		return nil, reject(ReasonPayloadPlaintextRejected)
	case config.EncryptionModeServer:
		nonce := make([]byte, c.localAEAD.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("relay: nonce generation: %w", err)
		}
		sealed := c.localAEAD.Seal(nonce, nonce, []byte(raw), nil)
		return sealed, nil
	default:
		return nil, fmt.Errorf("relay: unknown encryption mode %q", c.mode)
	}
}

func decodeBase64OrHex(raw string) ([]byte, bool) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return decoded, true
	}
	if decoded, err := hex.DecodeString(strings.TrimSpace(raw)); err == nil {
		return decoded, true
	}
	return nil, false
}

// Relay implements §4.E relay(). rawPayload is the inbound payload exactly
// as received from the client, before the mode-specific encoding
// transform. A new opaque message identifier is generated if msgID is
// empty.
func (c *Core) Relay(ctx context.Context, sender string, recipients []string, rawPayload, msgID, convID string, expiresAt time.Time) (Message, error) {
	if !c.identity.IsActive(sender) {
		return Message{}, reject(ReasonSenderNotActive)
	}
	now := c.now()
	if !now.Before(expiresAt) {
		return Message{}, reject(ReasonAlreadyExpired)
	}
	if len(recipients) > config.MaxParticipants {
		return Message{}, reject(ReasonTooManyRecipients)
	}
	for _, r := range recipients {
		if !c.identity.IsActive(r) {
			return Message{}, reject(ReasonRecipientNotActive)
		}
	}
	encoded, err := c.encodePayload(rawPayload)
	if err != nil {
		return Message{}, err
	}
	if int64(len(encoded)) > config.MaxPayloadBytes {
		return Message{}, reject(ReasonPayloadTooLarge)
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	msg := Message{
		ID:             msgID,
		ConversationID: convID,
		PayloadHex:     hex.EncodeToString(encoded),
		Timestamp:      now,
		SenderID:       sender,
		ExpiresAt:      expiresAt,
	}
	remaining := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		remaining[r] = struct{}{}
	}
	entry := &pendingEntry{message: msg, remaining: remaining}

	c.mu.Lock()
	c.pending[msgID] = entry
	c.mu.Unlock()

	c.logger.Debug("message_relayed",
		logging.MessageID(msgID), logging.ConversationID(convID), logging.PayloadSize(len(encoded)))

	for _, r := range recipients {
		c.delivery.Enqueue(r, OutboundMessage{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			PayloadHex:     msg.PayloadHex,
			Timestamp:      msg.Timestamp,
			SenderID:       msg.SenderID,
			ExpiresAt:      msg.ExpiresAt,
		})
	}
	return msg, nil
}

// Poll implements §4.E poll(): messages not yet expired, not yet ACKed by
// this device, and after lastSeenID. When lastSeenID names an entry still
// in the pending map, only entries relayed after it are returned;
// otherwise identifiers are compared lexicographically. Results are
// returned in relay (insertion) order, not the random order the backing
// map would otherwise yield.
func (c *Core) Poll(deviceID, lastSeenID string) []Message {
	now := c.now()
	c.mu.RLock()
	entries := make([]*pendingEntry, 0, len(c.pending))
	for _, e := range c.pending {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].message.Timestamp.Before(entries[j].message.Timestamp)
	})

	start, found := 0, lastSeenID == ""
	for i, e := range entries {
		if !found && e.message.ID == lastSeenID {
			start, found = i+1, true
		}
	}

	out := make([]Message, 0)
	for _, e := range entries[start:] {
		e.mu.Lock()
		if e.message.ExpiresAt.After(now) {
			if _, stillPending := e.remaining[deviceID]; stillPending {
				if found || e.message.ID > lastSeenID {
					out = append(out, e.message)
				}
			}
		}
		e.mu.Unlock()
	}
	return out
}

// Ack implements §4.E ack(): removes deviceID from the remaining-recipient
// set, deleting the entry once the set is empty.
func (c *Core) Ack(msgID, deviceID string) error {
	c.mu.RLock()
	entry, ok := c.pending[msgID]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownMessage
	}
	entry.mu.Lock()
	delete(entry.remaining, deviceID)
	empty := len(entry.remaining) == 0
	entry.mu.Unlock()
	if empty {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
	}
	return nil
}

// Sweep implements the periodic expiration sweep of §4.E: drops any entry
// whose ExpiresAt has passed. The scan holds the pending map's read lock,
// so Ack and Poll lookups proceed alongside it, while Relay, which takes
// the write lock to insert, waits until the scan ends; expired ids are
// then removed under the write lock.
func (c *Core) Sweep() int {
	now := c.now()
	c.mu.RLock()
	expired := make([]string, 0)
	for id, e := range c.pending {
		e.mu.Lock()
		if !e.message.ExpiresAt.After(now) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}
	c.mu.Lock()
	for _, id := range expired {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.logger.Debug("relay_sweep_expired", logging.Int("count", len(expired)))
	return len(expired)
}

// RunSweeper blocks, running Sweep on interval until ctx is cancelled.
func (c *Core) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
