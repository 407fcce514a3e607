package geminibot

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Role identifies who authored a ConversationTurn
type Role string

// ConversationTurn is a single recorded message in a channel's history
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewConversationTurn(role Role, content string) ConversationTurn {
	return ConversationTurn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func (t ConversationTurn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("role", string(t.Role)),
		slog.Int("content_length", len(t.Content)),
		slog.Time("timestamp", t.Timestamp),
	)
}

// channelHistory is a fixed-capacity ring of turns. Until the ring fills,
// turns are appended. After that, the oldest turn (at head) is overwritten.
type channelHistory struct {
	turns []ConversationTurn
	head  int
}

func (h *channelHistory) append(turn ConversationTurn, capacity int) {
	if len(h.turns) < capacity {
		h.turns = append(h.turns, turn)
		return
	}
	h.turns[h.head] = turn
	h.head = (h.head + 1) % capacity
}

// ordered returns a copy of the turns, oldest first
func (h *channelHistory) ordered() []ConversationTurn {
	out := make([]ConversationTurn, 0, len(h.turns))
	out = append(out, h.turns[h.head:]...)
	out = append(out, h.turns[:h.head]...)
	return out
}

// channelLock is a refcounted mutex, removed from ConversationStore.locks
// once nothing holds or waits on it
type channelLock struct {
	mu   sync.Mutex
	refs int
}

// ConversationStore holds the bounded, in-memory conversation history for
// every channel the bot has seen. All channels share the same capacity.
// Histories are created lazily on the first Append for a channel.
type ConversationStore struct {
	capacity int
	channels map[string]*channelHistory
	mu       sync.RWMutex

	locks   map[string]*channelLock
	locksMu sync.Mutex
}

// NewConversationStore returns an empty store. A non-positive capacity
// falls back to DefaultHistoryCapacity.
func NewConversationStore(capacity int) *ConversationStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &ConversationStore{
		capacity: capacity,
		channels: map[string]*channelHistory{},
		locks:    map[string]*channelLock{},
	}
}

// Capacity returns the maximum number of turns kept per channel
func (s *ConversationStore) Capacity() int {
	return s.capacity
}

// Append adds a turn to the end of the channel's history, evicting the
// oldest turn if the history is already at capacity.
func (s *ConversationStore) Append(channelID string, turn ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.channels[channelID]
	if !ok {
		h = &channelHistory{}
		s.channels[channelID] = h
	}
	h.append(turn, s.capacity)
}

// ReadAll returns the channel's turns, oldest first. The returned slice
// is a copy. Channels that have never been written to return an empty
// slice.
func (s *ConversationStore) ReadAll(channelID string) []ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.channels[channelID]
	if !ok {
		return []ConversationTurn{}
	}
	return h.ordered()
}

// Clear empties the channel's history
func (s *ConversationStore) Clear(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
}

// Size returns the number of turns currently held for the channel
func (s *ConversationStore) Size(channelID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.channels[channelID]
	if !ok {
		return 0
	}
	return len(h.turns)
}

// Channels returns the IDs of all channels with a non-empty history,
// sorted
func (s *ConversationStore) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.channels))
	for id, h := range s.channels {
		if len(h.turns) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LockChannel blocks until the caller holds the channel's exclusive lock,
// and returns the function that releases it. This serializes multi-step
// read/modify sequences on a single channel (ex: read history, call the
// model, record the exchange), without blocking other channels.
func (s *ConversationStore) LockChannel(channelID string) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.locks[channelID]
	if !ok {
		l = &channelLock{}
		s.locks[channelID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(
			func() {
				l.mu.Unlock()
				s.locksMu.Lock()
				l.refs--
				if l.refs == 0 {
					delete(s.locks, channelID)
				}
				s.locksMu.Unlock()
			},
		)
	}
}
