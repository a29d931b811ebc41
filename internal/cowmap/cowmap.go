// Package cowmap implements a copy-on-write map with atomic snapshot
// semantics. Writers serialize on a mutex and install a fresh map via an
// atomic pointer swap; readers load the current pointer and never block.
// A snapshot taken before a write keeps observing the older, internally
// consistent version.
package cowmap

import (
	"sync"
	"sync/atomic"
)

// Map is a concurrent map whose readers operate on immutable versions.
// The zero value is not usable; construct with New.
type Map[K comparable, V any] struct {
	mu  sync.Mutex
	cur atomic.Pointer[map[K]V]
}

func New[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{}
	empty := make(map[K]V)
	m.cur.Store(&empty)
	return m
}

// Get returns the value for k from the current version.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := (*m.cur.Load())[k]
	return v, ok
}

// Len returns the size of the current version.
func (m *Map[K, V]) Len() int {
	return len(*m.cur.Load())
}

// Snapshot returns the current version for iteration. Callers must treat the
// returned map as read-only; it is shared with concurrent readers.
func (m *Map[K, V]) Snapshot() map[K]V {
	return *m.cur.Load()
}

// Set installs k=v in a new version, replacing any existing entry.
func (m *Map[K, V]) Set(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.copyLocked()
	next[k] = v
	m.cur.Store(&next)
}

// SetIfAbsent installs k=v only if k is not present, reporting whether the
// insert happened.
func (m *Map[K, V]) SetIfAbsent(k K, v V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := (*m.cur.Load())[k]; ok {
		return false
	}
	next := m.copyLocked()
	next[k] = v
	m.cur.Store(&next)
	return true
}

// Delete removes k, returning the removed value if it was present. The swap
// is atomic: a concurrent snapshot sees either the full old version or the
// full new one, so an entry can be won by at most one deleter.
func (m *Map[K, V]) Delete(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero V
	v, ok := (*m.cur.Load())[k]
	if !ok {
		return zero, false
	}
	next := m.copyLocked()
	delete(next, k)
	m.cur.Store(&next)
	return v, true
}

// Clear removes every entry, returning the previous version.
func (m *Map[K, V]) Clear() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := *m.cur.Load()
	empty := make(map[K]V)
	m.cur.Store(&empty)
	return prev
}

// copyLocked clones the current version. Callers must hold mu.
func (m *Map[K, V]) copyLocked() map[K]V {
	cur := *m.cur.Load()
	next := make(map[K]V, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}
