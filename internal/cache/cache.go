// Package cache implements the proxy's response cache: a bounded S3-FIFO
// cache with an atomic check-and-insert and opportunistic eviction, keyed
// on the anonymized request so that two callers with identical sanitized
// content can share a hit.
//
// Eviction runs the same small/main queue plus ghost-set algorithm as an
// S3-FIFO token cache, generalized from a string->string cache into a
// string->Entry response cache. There is no durable backing store: a cold
// cache on restart just means a few avoidable upstream calls, unlike the
// hash strategy's shadow index in internal/strategy, which does need to
// survive restarts.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Entry is a single cached response record.
type Entry struct {
	CacheKey              string
	AnonymizedRequestHash string
	ResponseBody          string
	CreatedAt             time.Time
	TTL                   time.Duration
	Hits                  int64
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}

// Key derives the cache key from the anonymized request body, the target
// model, and the tenant, so entries are shareable across callers whose
// sanitized content is identical but never across tenants or models.
func Key(anonymizedBody, model, tenant string) string {
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(anonymizedBody))
	return hex.EncodeToString(h.Sum(nil))
}

// entryState holds the in-memory S3-FIFO bookkeeping for one cached item.
type entryState struct {
	value *Entry
	freq  uint8
	elem  *list.Element
	inM   bool
}

// Cache is a bounded, thread-safe response cache using S3-FIFO eviction.
type Cache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*entryState
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int
}

// New returns a Cache bounded to capacity entries (clamped to a minimum of
// 2). A capacity of 0 disables the cache: Get always misses and Set is a
// no-op, letting callers wire cache_enabled=false without a nil check at
// every call site.
func New(capacity int) *Cache {
	if capacity <= 0 {
		return &Cache{capacity: 0}
	}
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &Cache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*entryState, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

// Get returns the cached entry for key, if present and not TTL-expired. An
// expired entry is evicted opportunistically on the read that finds it.
func (c *Cache) Get(key string) (*Entry, bool) {
	if c.capacity == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.value.expired(time.Now()) {
		c.removeLocked(key)
		return nil, false
	}
	if e.freq < 3 {
		e.freq++
	}
	e.value.Hits++
	return e.value, true
}

// Set performs an atomic check-and-insert: if key is already resident its
// value is replaced in place (queue position unchanged, so a re-Set does
// not reset recency); otherwise it is admitted via the S3-FIFO insert path.
func (c *Cache) Set(key string, entry *Entry) {
	if c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = entry
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &entryState{value: entry, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// Delete removes key, if present.
func (c *Cache) Delete(key string) {
	if c.capacity == 0 {
		return
	}
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()
}

// Len reports the number of resident entries, for metrics/tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *Cache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *Cache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
	}
}

func (c *Cache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *Cache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
