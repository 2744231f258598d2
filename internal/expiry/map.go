// Package expiry provides a keyed map whose entries expire at an absolute
// deadline, plus a background sweeper that hands expired entries to a
// callback. The key-to-value view and the deadline ordering always agree:
// any operation that removes an entry removes it from both.
package expiry

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrKeyExists is returned by Insert when the key is already present.
// Replacement is deliberately unsupported; callers renew through
// GetAndRenew or KeepAlive instead.
var ErrKeyExists = errors.New("expiry: key already present")

type entry[K comparable, V any] struct {
	key      K
	value    V
	deadline time.Time
	index    int
}

type deadlineQueue[K comparable, V any] []*entry[K, V]

func (q deadlineQueue[K, V]) Len() int { return len(q) }

func (q deadlineQueue[K, V]) Less(i, j int) bool {
	return q[i].deadline.Before(q[j].deadline)
}

func (q deadlineQueue[K, V]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue[K, V]) Push(x any) {
	e := x.(*entry[K, V])
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *deadlineQueue[K, V]) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// ExpirationMap maps keys to values with a per-entry absolute deadline.
type ExpirationMap[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	queue   deadlineQueue[K, V]
	nowFn   func() time.Time
}

// NewExpirationMap creates an empty map.
func NewExpirationMap[K comparable, V any]() *ExpirationMap[K, V] {
	return &ExpirationMap[K, V]{
		entries: make(map[K]*entry[K, V]),
		nowFn:   time.Now,
	}
}

// Insert adds key with the given time to live. Inserting an existing key
// fails with ErrKeyExists.
func (m *ExpirationMap[K, V]) Insert(key K, value V, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return ErrKeyExists
	}

	e := &entry[K, V]{
		key:      key,
		value:    value,
		deadline: m.nowFn().Add(ttl),
	}
	m.entries[key] = e
	heap.Push(&m.queue, e)
	return nil
}

// Erase removes key from both views, returning the removed value.
func (m *ExpirationMap[K, V]) Erase(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(m.entries, key)
	heap.Remove(&m.queue, e.index)
	return e.value, true
}

// Get returns the value without touching its deadline.
func (m *ExpirationMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetAndRenew returns the value and pushes the deadline ttl into the future.
func (m *ExpirationMap[K, V]) GetAndRenew(key K, ttl time.Duration) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.deadline = m.nowFn().Add(ttl)
	heap.Fix(&m.queue, e.index)
	return e.value, true
}

// KeepAlive renews the deadline without reading the value.
func (m *ExpirationMap[K, V]) KeepAlive(key K, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	e.deadline = m.nowFn().Add(ttl)
	heap.Fix(&m.queue, e.index)
	return true
}

// PopExpired removes and returns every entry whose deadline is at or before
// now.
func (m *ExpirationMap[K, V]) PopExpired(now time.Time) map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := make(map[K]V)
	for m.queue.Len() > 0 && !m.queue[0].deadline.After(now) {
		e := heap.Pop(&m.queue).(*entry[K, V])
		delete(m.entries, e.key)
		expired[e.key] = e.value
	}
	return expired
}

// Len reports the number of live entries.
func (m *ExpirationMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Keys returns a snapshot of the live keys.
func (m *ExpirationMap[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]K, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}
