package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ai-anonymizing-proxy/internal/logger"
)

type memoryBucket struct {
	count   atomic.Int64
	expires time.Time
}

// memoryCounter is an in-process Counter. Buckets are addressed by
// tenant+window+bucket-start, so a new bucket is created implicitly the
// first time a rolling period is touched; a background sweeper reaps
// expired buckets so memory does not grow without bound across rolling
// windows, mirroring internal/mapping's memoryStore sweep loop.
type memoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	log     *logger.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMemoryCounter returns an in-process Counter, sweeping expired buckets
// every sweepInterval.
func NewMemoryCounter(sweepInterval time.Duration, log *logger.Logger) Counter {
	c := &memoryCounter{
		buckets: make(map[string]*memoryBucket),
		log:     log,
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(sweepInterval)
	}
	return c
}

func key(tenant string, w Window, start time.Time) string {
	return tenant + "\x00" + string(w) + "\x00" + start.Format(time.RFC3339)
}

func (c *memoryCounter) bucketFor(tenant string, w Window, now time.Time) *memoryBucket {
	start := bucketStart(now, w)
	k := key(tenant, w, start)

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[k]
	if !ok {
		b = &memoryBucket{expires: start.Add(bucketTTL(w))}
		c.buckets[k] = b
	}
	return b
}

func (c *memoryCounter) Increment(_ context.Context, tenant string, w Window) (int64, error) {
	b := c.bucketFor(tenant, w, time.Now())
	return b.count.Add(1), nil
}

func (c *memoryCounter) Check(_ context.Context, tenant string, w Window, limit int64) (bool, int64, error) {
	b := c.bucketFor(tenant, w, time.Now())
	n := b.count.Load()
	return n < limit, n, nil
}

func (c *memoryCounter) Unwind(_ context.Context, tenant string, w Window) error {
	b := c.bucketFor(tenant, w, time.Now())
	if b.count.Load() > 0 {
		b.count.Add(-1)
	}
	return nil
}

func (c *memoryCounter) Close() error {
	close(c.stop)
	c.wg.Wait()
	return nil
}

func (c *memoryCounter) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *memoryCounter) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, b := range c.buckets {
		if now.After(b.expires) {
			delete(c.buckets, k)
			removed++
		}
	}
	if removed > 0 && c.log != nil {
		c.log.Debugf("sweep", "reaped %d expired quota bucket(s)", removed)
	}
}
