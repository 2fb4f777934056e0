package store

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps generations in process memory. Each generation is an LRU
// bounded by maxBytes (0 means unbounded).
type Memory struct {
	maxBytes int64

	mu     sync.Mutex
	seq    uint64
	gens   map[string]*memGeneration
	closed bool
}

func NewMemory(maxBytes int64) *Memory {
	return &Memory{maxBytes: maxBytes, gens: map[string]*memGeneration{}}
}

func (m *Memory) OpenGeneration(_ context.Context, name string) (Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if g, ok := m.gens[name]; ok {
		return g, nil
	}
	m.seq++
	g := &memGeneration{name: name, seq: m.seq, lru: newLRU(m.maxBytes)}
	m.gens[name] = g
	return g, nil
}

func (m *Memory) DeleteGeneration(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	g, ok := m.gens[name]
	if !ok {
		return false, nil
	}
	delete(m.gens, name)
	g.lru.clear()
	return true, nil
}

func (m *Memory) ListGenerations(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.orderedLocked(), nil
}

func (m *Memory) orderedLocked() []string {
	gens := make([]*memGeneration, 0, len(m.gens))
	for _, g := range m.gens {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].seq < gens[j].seq })
	out := make([]string, len(gens))
	for i, g := range gens {
		out[i] = g.name
	}
	return out
}

func (m *Memory) Match(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Entry{}, false, ErrClosed
	}
	names := m.orderedLocked()
	gens := make([]*memGeneration, len(names))
	for i, n := range names {
		gens[i] = m.gens[n]
	}
	m.mu.Unlock()

	for _, g := range gens {
		if ent, ok := g.lru.get(key); ok {
			ent.Generation = g.name
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// TotalSize sums the approximate bytes held by every generation.
func (m *Memory) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.gens {
		n += g.lru.totalSize()
	}
	return n
}

type memGeneration struct {
	name string
	seq  uint64
	lru  *lru
}

func (g *memGeneration) Name() string { return g.name }

func (g *memGeneration) Get(_ context.Context, key string) (Entry, bool, error) {
	ent, ok := g.lru.get(key)
	if ok {
		ent.Generation = g.name
	}
	return ent, ok, nil
}

func (g *memGeneration) Put(_ context.Context, key string, ent Entry) error {
	if g.lru.isDropped() {
		return ErrGenerationGone
	}
	ent.Generation = ""
	g.lru.put(key, ent)
	return nil
}

func (g *memGeneration) Delete(_ context.Context, key string) error {
	g.lru.delete(key)
	return nil
}

func (g *memGeneration) Keys(_ context.Context) ([]string, error) {
	return g.lru.keys(), nil
}

// ---- lru ----

type lruItem struct {
	key  string
	ent  Entry
	size int64
	prev *lruItem
	next *lruItem
}

type lru struct {
	maxBytes int64

	mu      sync.Mutex
	items   map[string]*lruItem
	head    *lruItem
	tail    *lruItem
	total   int64
	dropped bool
}

func newLRU(maxBytes int64) *lru {
	return &lru{maxBytes: maxBytes, items: map[string]*lruItem{}}
}

func (c *lru) totalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *lru) isDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *lru) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *lru) get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *lru) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

func (c *lru) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*lruItem{}
	c.head, c.tail = nil, nil
	c.total = 0
	c.dropped = true
}

func (c *lru) put(key string, ent Entry) {
	sz := ent.Size()
	if c.maxBytes > 0 && sz > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return
	}

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked()
		return
	}

	it := &lruItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked()
}

// evictLocked drops least recently used items until the budget holds.
func (c *lru) evictLocked() {
	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil {
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *lru) addToFront(it *lruItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *lru) remove(it *lruItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *lru) moveToFront(it *lruItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
