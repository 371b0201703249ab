package pii

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
)

const (
	cacheMaxEntries     = 512
	cacheMaxBytes       = 5 << 20
	cacheEntityOverhead = 128
)

type cacheEntry struct {
	key      string
	entities []Entity
	size     int
}

// resultCache is a strict LRU bounded both by entry count and by an
// approximate byte size. A hit moves the entry to the front.
type resultCache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List
	bytes      int
	maxEntries int
	maxBytes   int
}

func newResultCache(maxEntries, maxBytes int) *resultCache {
	return &resultCache{
		items:      map[string]*list.Element{},
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func entrySize(key string, entities []Entity) int {
	n := len(key)
	for _, e := range entities {
		n += cacheEntityOverhead + len(e.Value) + len(e.Context)
		for k, v := range e.Metadata {
			n += len(k) + len(v)
		}
		for _, tag := range e.ComplianceTags {
			n += len(tag)
		}
	}
	return n
}

func (c *resultCache) get(key string) ([]Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return cloneEntities(el.Value.(*cacheEntry).entities), true
}

func (c *resultCache) put(key string, entities []Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.bytes -= el.Value.(*cacheEntry).size
		c.order.Remove(el)
		delete(c.items, key)
	}
	e := &cacheEntry{key: key, entities: cloneEntities(entities), size: entrySize(key, entities)}
	c.items[key] = c.order.PushFront(e)
	c.bytes += e.size
	for (c.bytes > c.maxBytes || len(c.items) > c.maxEntries) && c.order.Len() > 0 {
		oldest := c.order.Back()
		ent := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.items, ent.key)
		c.bytes -= ent.size
	}
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*list.Element{}
	c.order.Init()
	c.bytes = 0
}

func (c *resultCache) stats() (items, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.bytes
}

func cloneEntities(in []Entity) []Entity {
	out := slices.Clone(in)
	for i := range out {
		if out[i].Metadata != nil {
			m := make(map[string]string, len(out[i].Metadata))
			for k, v := range out[i].Metadata {
				m[k] = v
			}
			out[i].Metadata = m
		}
		out[i].ComplianceTags = slices.Clone(out[i].ComplianceTags)
	}
	return out
}
