package core

import (
	"context"
	"sync"
	"time"
)

type PendingKind string

const (
	PendingCategory           PendingKind = "awaiting_category"
	PendingEditText           PendingKind = "awaiting_edit_text"
	PendingDeleteConfirmation PendingKind = "awaiting_delete_confirmation"
)

// Pending is the single in-flight interaction of a conversation. Absence means idle.
type Pending struct {
	Kind            PendingKind `json:"kind"`
	AuthorID        int64       `json:"author_id,omitempty"`
	DraftText       string      `json:"draft_text,omitempty"`
	Token           string      `json:"token,omitempty"`
	IdeaID          int64       `json:"idea_id,omitempty"`
	IdeaIndex       int         `json:"idea_index,omitempty"`
	PromptMessageID int         `json:"prompt_message_id,omitempty"`
	IssuedAt        time.Time   `json:"issued_at"`
}

// Expires reports whether the interaction is subject to the TTL. An edit wait is consumed by
// the next plain message however late it comes, so it never expires.
func (p Pending) Expires() bool {
	return p.Kind != PendingEditText
}

func (p Pending) expiredAt(now time.Time, ttl time.Duration) bool {
	return p.Expires() && ttl > 0 && now.Sub(p.IssuedAt) >= ttl
}

// PendingStore holds at most one Pending per conversation. Put replaces whatever was there.
// Get returns nil for idle conversations and for interactions older than the TTL.
type PendingStore interface {
	Get(ctx context.Context, conversationID int64) (*Pending, error)
	Put(ctx context.Context, conversationID int64, p Pending) error
	Delete(ctx context.Context, conversationID int64) error
}

// MemoryPendingStore keeps pending interactions in process memory.
type MemoryPendingStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   Clock
	entries map[int64]Pending
}

func NewMemoryPendingStore(ttl time.Duration, clock Clock) *MemoryPendingStore {
	return &MemoryPendingStore{ttl: ttl, clock: clock, entries: make(map[int64]Pending)}
}

func (m *MemoryPendingStore) Get(_ context.Context, conversationID int64) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.entries[conversationID]
	if !ok {
		return nil, nil
	}
	if p.expiredAt(m.clock.now(), m.ttl) {
		delete(m.entries, conversationID)
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryPendingStore) Put(_ context.Context, conversationID int64, p Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()
	m.entries[conversationID] = p
	return nil
}

func (m *MemoryPendingStore) Delete(_ context.Context, conversationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, conversationID)
	return nil
}

// Len returns the number of live entries.
func (m *MemoryPendingStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()
	return len(m.entries)
}

// sweepLocked drops expired entries of conversations that went quiet.
func (m *MemoryPendingStore) sweepLocked() {
	now := m.clock.now()
	for id, p := range m.entries {
		if p.expiredAt(now, m.ttl) {
			delete(m.entries, id)
		}
	}
}
