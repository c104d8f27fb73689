// Package cache provides a bounded, time-limited key/value cache.
//
// It is an advisory cache: entries may be dropped at any moment without
// correctness loss. Authoritative state always lives in the document store.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Chain is a size- and age-bounded cache. Insertion order forms a chain;
// when the chain is full the oldest entry is dropped, and entries older
// than the configured timeout are never returned.
//
// A zero timeout disables age checks. Chain is safe for concurrent use.
type Chain[V any] struct {
	mu      sync.Mutex
	max     int
	timeout time.Duration

	order   *list.List
	entries map[string]*list.Element

	now func() time.Time
}

type chainEntry[V any] struct {
	key   string
	value V
	added time.Time
}

// NewChain constructs a Chain holding at most max entries for at most timeout.
// A max of zero or less disables the size bound (not recommended outside tests).
func NewChain[V any](max int, timeout time.Duration) *Chain[V] {
	return &Chain[V]{
		max:     max,
		timeout: timeout,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Set inserts or replaces the value for key. A replaced entry moves to the
// back of the chain with a fresh timestamp.
func (c *Chain[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*chainEntry[V])
		ent.value = value
		ent.added = c.now()
		c.order.MoveToBack(el)
		return
	}

	el := c.order.PushBack(&chainEntry[V]{key: key, value: value, added: c.now()})
	c.entries[key] = el

	if c.max > 0 && c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*chainEntry[V]).key)
	}
}

// Get returns the cached value for key. Expired entries are dropped on access.
func (c *Chain[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}

	ent := el.Value.(*chainEntry[V])
	if c.timeout > 0 && c.now().Sub(ent.added) >= c.timeout {
		c.order.Remove(el)
		delete(c.entries, key)
		return zero, false
	}
	return ent.value, true
}

// Drop removes key from the cache, if present.
func (c *Chain[V]) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len reports the number of entries currently cached, expired or not.
func (c *Chain[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
