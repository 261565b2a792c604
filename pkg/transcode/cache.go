package transcode

import (
	"container/list"
	"sync"
)

// outputCache is a byte-bounded LRU of finalized outputs.
type outputCache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key string
	out *Output
}

func newOutputCache(capacity int64) *outputCache {
	return &outputCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *outputCache) get(key string) (*Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).out, true
}

// add stores out unless it alone exceeds the capacity.
func (c *outputCache) add(key string, out *Output) {
	n := int64(len(out.Data))
	if c.capacity <= 0 || n > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.size -= int64(len(el.Value.(*cacheEntry).out.Data))
		el.Value.(*cacheEntry).out = out
		c.size += n
		c.ll.MoveToFront(el)
	} else {
		c.items[key] = c.ll.PushFront(&cacheEntry{key: key, out: out})
		c.size += n
	}

	for c.size > c.capacity {
		c.removeElement(c.ll.Back())
	}
}

func (c *outputCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *outputCache) removeElement(el *list.Element) {
	e := c.ll.Remove(el).(*cacheEntry)
	delete(c.items, e.key)
	c.size -= int64(len(e.out.Data))
}

func (c *outputCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
}

func (c *outputCache) stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len(), c.size
}
