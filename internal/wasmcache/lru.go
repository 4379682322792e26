// Package wasmcache provides an in-memory LRU of compiled WASM modules
// keyed by Wasm id. It holds no cache of guest query results. The LRU
// does not change observable
// behavior — it only amortizes recompilation cost.
package wasmcache

import (
	"container/list"
	"sync"
)

// Compiled is the cached artifact: an opaque compiled module handle plus
// its content hash, so callers can detect a stale entry if the
// underlying Wasm row's bytes ever change under the same id.
type Compiled struct {
	Hash   string
	Module interface{} // holds a wazero.CompiledModule in production
}

// LRU is a fixed-capacity, mutex-guarded LRU cache of compiled modules
// keyed by Wasm id. Plain container/list + map, the same shape the
// standard library's own LRU examples use — no teacher analogue (the
// teacher never caches compiled artifacts of anything), so this is built
// directly from spec.md's "Shared resources" bullet rather than adapted
// from pack code.
type LRU struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[int64]*list.Element
}

type entry struct {
	key   int64
	value Compiled
}

func NewLRU(capacity int) *LRU {
	return &LRU{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[int64]*list.Element),
	}
}

func (c *LRU) Get(id int64) (Compiled, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return Compiled{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

func (c *LRU) Put(id int64, v Compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*entry).value = v
		return
	}
	el := c.ll.PushFront(&entry{key: id, value: v})
	c.items[id] = el
	if c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back != nil {
			c.ll.Remove(back)
			delete(c.items, back.Value.(*entry).key)
		}
	}
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
