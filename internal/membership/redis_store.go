package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relay.example/messaging-relay/internal/config"
)

const keyPrefix = "conversation:"

type wireRecord struct {
	ConversationID string    `json:"conversation_id"`
	Participants   []string  `json:"participants"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func toWire(r Record) wireRecord {
	return wireRecord{
		ConversationID: r.ConversationID,
		Participants:   r.Participants,
		State:          r.State,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
}

func (w wireRecord) toRecord() Record {
	return Record{
		ConversationID: w.ConversationID,
		Participants:   append([]string(nil), w.Participants...),
		State:          w.State,
		CreatedAt:      w.CreatedAt,
		LastActivityAt: w.LastActivityAt,
	}
}

// RedisStore is the durable membership backend described in §4.B,
// implementing the optimistic-lock protocol (WATCH + transactional
// write, retry ≤3 on conflict) against a Redis-compatible client. It is
// grounded on the redis/go-redis/v9 + alicebob/miniredis/v2 pairing used
// by the uncord-chat-uncord-server example repo in the retrieval pack.
type RedisStore struct {
	client     *redis.Client
	defaultTTL time.Duration
	now        func() time.Time

	revMu   sync.Mutex
	reverse map[string]map[string]struct{}
}

// NewRedisStore constructs a durable membership store backed by client.
func NewRedisStore(client *redis.Client, defaultTTL time.Duration) *RedisStore {
	if defaultTTL <= 0 {
		defaultTTL = config.DefaultConversationTTLSeconds * time.Second
	}
	return &RedisStore{
		client:     client,
		defaultTTL: defaultTTL,
		now:        time.Now,
		reverse:    make(map[string]map[string]struct{}),
	}
}

func convKey(id string) string { return keyPrefix + id }

func (s *RedisStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.StoreCallTimeout)
}

func (s *RedisStore) trackReverse(convID string, before, after []string) {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	beforeSet := toSet(before)
	afterSet := toSet(after)
	for p := range beforeSet {
		if _, ok := afterSet[p]; !ok {
			if set, exists := s.reverse[p]; exists {
				delete(set, convID)
				if len(set) == 0 {
					delete(s.reverse, p)
				}
			}
		}
	}
	for p := range afterSet {
		if _, ok := s.reverse[p]; !ok {
			s.reverse[p] = make(map[string]struct{})
		}
		s.reverse[p][convID] = struct{}{}
	}
}

func (s *RedisStore) forgetReverse(convID string, participants []string) {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	for _, p := range participants {
		if set, ok := s.reverse[p]; ok {
			delete(set, convID)
			if len(set) == 0 {
				delete(s.reverse, p)
			}
		}
	}
}

// DeviceConversations returns the advisory reverse index. Per §4.B, every
// consumer MUST re-validate with Exists before acting on an entry, since
// TTL expiry can silently invalidate it between cache write and read.
func (s *RedisStore) DeviceConversations(ctx context.Context, deviceID string) []string {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	set, ok := s.reverse[deviceID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, convID string) (Record, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	raw, err := s.client.Get(ctx, convKey(convID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	record := w.toRecord()
	s.trackReverse(convID, nil, record.Participants)
	return record, nil
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, convID string) (bool, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, convKey(convID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return n > 0, nil
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, convID string, participants []string) (Record, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	now := s.now()
	record := Record{
		ConversationID: convID,
		Participants:   append([]string(nil), participants...),
		State:          StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	payload, err := json.Marshal(toWire(record))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	ok, err := s.client.SetNX(ctx, convKey(convID), payload, s.defaultTTL).Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !ok {
		return Record{}, ErrExists
	}
	s.trackReverse(convID, nil, record.Participants)
	return record, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, convID string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.client.Del(ctx, convKey(convID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s.forgetReverse(convID, s.DeviceConversations(ctx, ""))
	return nil
}

// mutate runs fn against the current record inside a WATCH transaction,
// retrying up to config.OptimisticLockRetries times on conflicting writes
// (§4.B "Optimistic-lock protocol").
func (s *RedisStore) mutate(ctx context.Context, convID string, fn func(Record, time.Duration) (Record, error)) (Record, error) {
	key := convKey(convID)
	var result Record
	for attempt := 0; attempt <= config.OptimisticLockRetries; attempt++ {
		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var w wireRecord
			if err := json.Unmarshal(raw, &w); err != nil {
				return err
			}
			ttl, err := tx.TTL(ctx, key).Result()
			if err != nil {
				return err
			}
			current := w.toRecord()
			updated, err := fn(current, ttl)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(toWire(updated))
			if err != nil {
				return err
			}
			expiry := resolveTTL(ttl, s.defaultTTL)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, expiry)
				return nil
			})
			if err == nil {
				result = updated
			}
			return err
		}, key)

		if txErr == nil {
			return result, nil
		}
		if errors.Is(txErr, ErrNotFound) || errors.Is(txErr, ErrNotActive) ||
			errors.Is(txErr, ErrFull) || errors.Is(txErr, ErrNotMember) ||
			errors.Is(txErr, ErrDeviceInactive) {
			return Record{}, txErr
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			continue // optimistic-lock conflict: retry
		}
		return Record{}, fmt.Errorf("%w: %v", ErrTransient, txErr)
	}
	return Record{}, fmt.Errorf("%w: optimistic lock retries exhausted", ErrTransient)
}

// resolveTTL maps the §4.B TTL sentinel semantics: -2 missing, -1 no
// expiration (use default), >=0 remaining seconds to reuse verbatim.
func resolveTTL(ttl, defaultTTL time.Duration) time.Duration {
	if ttl < 0 {
		return defaultTTL
	}
	return ttl
}

// AddParticipant implements Store.
func (s *RedisStore) AddParticipant(ctx context.Context, convID, deviceID string, active ActiveChecker) (Record, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	updated, err := s.mutate(ctx, convID, func(current Record, _ time.Duration) (Record, error) {
		if current.State != StateActive {
			return Record{}, ErrNotActive
		}
		if active != nil && !active.IsActive(deviceID) {
			return Record{}, ErrDeviceInactive
		}
		if current.hasParticipant(deviceID) {
			return current, nil
		}
		if len(current.Participants) >= config.MaxParticipants {
			return Record{}, ErrFull
		}
		current.Participants = append(append([]string(nil), current.Participants...), deviceID)
		current.LastActivityAt = s.now()
		return current, nil
	})
	if err != nil {
		return Record{}, err
	}
	s.trackReverse(convID, nil, updated.Participants)
	return updated, nil
}

// RemoveParticipant implements Store.
func (s *RedisStore) RemoveParticipant(ctx context.Context, convID, deviceID string) (Record, bool, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	var closed bool
	var before []string
	updated, err := s.mutate(ctx, convID, func(current Record, _ time.Duration) (Record, error) {
		if !current.hasParticipant(deviceID) {
			return Record{}, ErrNotMember
		}
		before = current.Participants
		after := make([]string, 0, len(before))
		for _, p := range before {
			if p != deviceID {
				after = append(after, p)
			}
		}
		current.Participants = after
		current.LastActivityAt = s.now()
		if len(after) == 0 {
			current.State = StateClosed
			closed = true
		}
		return current, nil
	})
	if err != nil {
		return Record{}, false, err
	}
	s.trackReverse(convID, before, updated.Participants)
	return updated, closed, nil
}

// Update implements Store. TTL is preserved per §4.B; a missing TTL gets
// the default applied.
func (s *RedisStore) Update(ctx context.Context, convID string, participants []string, state State) (Record, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	var before []string
	updated, err := s.mutate(ctx, convID, func(current Record, _ time.Duration) (Record, error) {
		before = current.Participants
		if participants != nil {
			current.Participants = append([]string(nil), participants...)
		}
		if state != "" {
			current.State = state
		}
		current.LastActivityAt = s.now()
		return current, nil
	})
	if err != nil {
		return Record{}, err
	}
	s.trackReverse(convID, before, updated.Participants)
	return updated, nil
}
