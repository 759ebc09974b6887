package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

const defaultMaxEntries = 4096

// Memory is the process-local tier: an LRU-bounded map with per-entry expiry
// checked lazily on read.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List
	entries    map[string]*list.Element

	clock func() time.Time
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewMemory creates a local tier holding at most maxEntries values.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
		clock:      time.Now,
	}
}

func (m *Memory) Name() string { return "local" }

// Get returns the value for key if present and not expired.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	entry := el.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && !m.clock().Before(entry.expiresAt) {
		m.removeLocked(el)
		return nil, ErrNotFound
	}
	m.order.MoveToFront(el)

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set stores the value, evicting the least recently used entry when full.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.clock().Add(ttl)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		m.order.MoveToFront(el)
		return nil
	}

	el := m.order.PushFront(&memoryEntry{key: key, value: stored, expiresAt: expiresAt})
	m.entries[key] = el

	for m.order.Len() > m.maxEntries {
		m.removeLocked(m.order.Back())
	}
	return nil
}

// Delete removes one key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
	}
	return nil
}

// DeletePrefix removes every key with the given prefix.
func (m *Memory) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, el := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(el)
		}
	}
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*memoryEntry)
	delete(m.entries, entry.key)
	m.order.Remove(el)
}
