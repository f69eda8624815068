package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"relay.example/messaging-relay/internal/config"
)

type ttlEntry struct {
	record  Record
	expires time.Time // zero means no expiration
}

// MemoryStore is the in-process development backend described in §4.B. It
// guards all conversation state with a single mutex, generalizing a
// single-session participant map (internal/match/session.go) into a map of
// many conversations, each with its own TTL.
type MemoryStore struct {
	mu       sync.Mutex
	byConv   map[string]*ttlEntry
	reverse  map[string]map[string]struct{} // device -> conversation set
	now      func() time.Time
	defaultTTL time.Duration
}

// NewMemoryStore constructs an empty in-process membership store.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = config.DefaultConversationTTLSeconds * time.Second
	}
	return &MemoryStore{
		byConv:     make(map[string]*ttlEntry),
		reverse:    make(map[string]map[string]struct{}),
		now:        time.Now,
		defaultTTL: defaultTTL,
	}
}

func (s *MemoryStore) expiredLocked(e *ttlEntry) bool {
	return !e.expires.IsZero() && !e.expires.After(s.now())
}

// getLocked returns the entry if present and not expired, evicting it and
// updating the reverse index otherwise.
func (s *MemoryStore) getLocked(convID string) (*ttlEntry, bool) {
	e, ok := s.byConv[convID]
	if !ok {
		return nil, false
	}
	if s.expiredLocked(e) {
		s.evictLocked(convID, e)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) evictLocked(convID string, e *ttlEntry) {
	delete(s.byConv, convID)
	for _, p := range e.record.Participants {
		if set, ok := s.reverse[p]; ok {
			delete(set, convID)
			if len(set) == 0 {
				delete(s.reverse, p)
			}
		}
	}
}

func (s *MemoryStore) reindexLocked(convID string, before, after []string) {
	beforeSet := toSet(before)
	afterSet := toSet(after)
	for p := range beforeSet {
		if _, stillThere := afterSet[p]; !stillThere {
			if set, ok := s.reverse[p]; ok {
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

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, convID string, participants []string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(convID); ok {
		return Record{}, ErrExists
	}
	now := s.now()
	record := Record{
		ConversationID: convID,
		Participants:   append([]string(nil), participants...),
		State:          StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.byConv[convID] = &ttlEntry{record: record, expires: now.Add(s.defaultTTL)}
	s.reindexLocked(convID, nil, record.Participants)
	return record.clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, convID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(convID)
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.record.clone(), nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, convID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.getLocked(convID)
	return ok, nil
}

// AddParticipant implements Store. Capacity and duplicate checks happen
// under the same lock as the mutation, satisfying the atomicity
// requirement in §4.B.
func (s *MemoryStore) AddParticipant(ctx context.Context, convID, deviceID string, active ActiveChecker) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(convID)
	if !ok {
		return Record{}, ErrNotFound
	}
	if e.record.State != StateActive {
		return Record{}, ErrNotActive
	}
	if active != nil && !active.IsActive(deviceID) {
		return Record{}, ErrDeviceInactive
	}
	if e.record.hasParticipant(deviceID) {
		return e.record.clone(), nil
	}
	if len(e.record.Participants) >= config.MaxParticipants {
		return Record{}, ErrFull
	}
	before := e.record.Participants
	e.record.Participants = append(append([]string(nil), before...), deviceID)
	e.record.LastActivityAt = s.now()
	s.reindexLocked(convID, before, e.record.Participants)
	return e.record.clone(), nil
}

// RemoveParticipant implements Store. The boolean return reports whether
// the removal closed the conversation.
func (s *MemoryStore) RemoveParticipant(ctx context.Context, convID, deviceID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(convID)
	if !ok {
		return Record{}, false, ErrNotFound
	}
	if !e.record.hasParticipant(deviceID) {
		return Record{}, false, ErrNotMember
	}
	before := e.record.Participants
	after := make([]string, 0, len(before))
	for _, p := range before {
		if p != deviceID {
			after = append(after, p)
		}
	}
	e.record.Participants = after
	e.record.LastActivityAt = s.now()
	closed := false
	if len(after) == 0 {
		e.record.State = StateClosed
		closed = true
	}
	s.reindexLocked(convID, before, after)
	return e.record.clone(), closed, nil
}

// Update implements Store. The remaining TTL is preserved; if the key had
// no TTL the default is applied (§4.B TTL semantics).
func (s *MemoryStore) Update(ctx context.Context, convID string, participants []string, state State) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(convID)
	if !ok {
		return Record{}, ErrNotFound
	}
	before := e.record.Participants
	if participants != nil {
		e.record.Participants = append([]string(nil), participants...)
	}
	if state != "" {
		e.record.State = state
	}
	e.record.LastActivityAt = s.now()
	if e.expires.IsZero() {
		e.expires = s.now().Add(s.defaultTTL)
	}
	s.reindexLocked(convID, before, e.record.Participants)
	return e.record.clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byConv[convID]; ok {
		s.evictLocked(convID, e)
	}
	return nil
}

// DeviceConversations implements Store's advisory reverse index.
func (s *MemoryStore) DeviceConversations(ctx context.Context, deviceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.reverse[deviceID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for convID := range set {
		out = append(out, convID)
	}
	sort.Strings(out)
	return out
}
