package store

import (
	"context"
	"sync"
)

type memDocument struct {
	items   []string
	version Version
}

type memEntry struct {
	value []byte
	index int64
}

// Memory implements Store in process memory. All operations are linearized
// behind a single mutex, which is enough to provide the same atomicity the
// Redis backend gets from Lua scripts.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]memDocument
	entries map[string]memEntry
	seq     map[string]int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]memDocument),
		entries: make(map[string]memEntry),
		seq:     make(map[string]int64),
	}
}

// LoadDocument implements DocumentStore.LoadDocument.
func (m *Memory) LoadDocument(_ context.Context, id string) (Document, Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return Document{}, 0, ErrNotFound
	}
	items := make([]string, len(d.items))
	copy(items, d.items)
	return Document{ID: id, Items: items}, d.version, nil
}

// SaveDocument implements DocumentStore.SaveDocument.
func (m *Memory) SaveDocument(_ context.Context, doc Document, expected Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current Version
	if d, ok := m.docs[doc.ID]; ok {
		current = d.version
	}
	if expected != AnyVersion && expected != current {
		return 0, ErrVersionConflict
	}
	next := current + 1
	items := make([]string, len(doc.Items))
	copy(items, doc.Items)
	m.docs[doc.ID] = memDocument{items: items, version: next}
	return next, nil
}

// DeleteDocument implements DocumentStore.DeleteDocument.
func (m *Memory) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

// CompareExchangePut implements ExchangeStore.CompareExchangePut.
func (m *Memory) CompareExchangePut(_ context.Context, key string, value []byte, expected int64) (bool, []byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	e, exists := m.entries[key]
	if exists {
		current = e.index
	}
	if expected != current {
		var cur []byte
		if exists {
			cur = append([]byte(nil), e.value...)
		}
		return false, cur, current, nil
	}
	m.seq[key]++
	next := m.seq[key]
	m.entries[key] = memEntry{value: append([]byte(nil), value...), index: next}
	return true, append([]byte(nil), value...), next, nil
}

// CompareExchangeDelete implements ExchangeStore.CompareExchangeDelete.
func (m *Memory) CompareExchangeDelete(_ context.Context, key string, expected int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.entries[key]
	if !exists || e.index != expected {
		return false, nil
	}
	// The counter outlives the entry so a later recreate cannot reuse an
	// index a stale holder still remembers.
	m.seq[key]++
	delete(m.entries, key)
	return true, nil
}
