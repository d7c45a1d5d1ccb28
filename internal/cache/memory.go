package cache

import (
	"context"
	"sync"

	"github.com/driftline/driftline/internal/clock"
)

type memoryItem struct {
	value     []byte
	expiresMs int64 // 0 means no expiry
}

// Memory is a thread-safe in-process cache with lazy TTL expiration.
// Expiry is judged against the injected clock so tests can advance
// time explicitly.
type Memory struct {
	mu    sync.RWMutex
	clk   clock.Clock
	items map[string]memoryItem
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clk: clk, items: make(map[string]memoryItem)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	item, found := m.items[key]
	m.mu.RUnlock()

	if !found {
		return nil, false, nil
	}
	if item.expiresMs > 0 && m.clk.NowMs() >= item.expiresMs {
		m.mu.Lock()
		if cur, ok := m.items[key]; ok && cur.expiresMs == item.expiresMs {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttlMs int64) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expires int64
	if ttlMs > 0 {
		expires = m.clk.NowMs() + ttlMs
	}

	m.mu.Lock()
	m.items[key] = memoryItem{value: stored, expiresMs: expires}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.items, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// ItemCount reports live entries, counting not-yet-swept expired ones.
func (m *Memory) ItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Flush removes every expired entry and reports how many were dropped.
func (m *Memory) Flush() int {
	now := m.clk.NowMs()

	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for key, item := range m.items {
		if item.expiresMs > 0 && now >= item.expiresMs {
			delete(m.items, key)
			dropped++
		}
	}
	return dropped
}
