package cache

import (
	"context"
	"sync"
	"time"
)

// Memory implements Cache with an in-process TTL map. It is used when
// no Redis address is configured. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates an in-memory cache with the given TTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WasSent reports whether a post was globally marked sent.
func (m *Memory) WasSent(_ context.Context, postID string) bool {
	return m.has(globalKey(postID))
}

// MarkSent records a post as globally sent.
func (m *Memory) MarkSent(_ context.Context, postID string) {
	m.put(globalKey(postID))
}

// WasSentTo reports whether a post was marked sent to one chat.
func (m *Memory) WasSentTo(_ context.Context, chatID int64, postID string) bool {
	return m.has(chatKey(chatID, postID))
}

// MarkSentTo records a post as sent to one chat.
func (m *Memory) MarkSentTo(_ context.Context, chatID int64, postID string) {
	m.put(chatKey(chatID, postID))
}

func (m *Memory) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[key]
	if !ok {
		return false
	}
	if m.now().After(exp) {
		delete(m.entries, key)
		return false
	}
	return true
}

func (m *Memory) put(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = m.now().Add(m.ttl)

	// Opportunistic sweep to keep the map bounded.
	if len(m.entries) > 4096 {
		now := m.now()
		for k, exp := range m.entries {
			if now.After(exp) {
				delete(m.entries, k)
			}
		}
	}
}
