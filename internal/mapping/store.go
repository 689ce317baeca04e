package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"

	"ai-anonymizing-proxy/internal/logger"
)

// Store is the mapping store contract. put is atomic creation — an
// existing id is an error. get is a single-reader idempotent lookup that
// returns ErrNotFound (not an error condition worth retrying) whenever a TTL
// has expired mid-flight; the pipeline treats that as a normal, expected
// outcome, not a failure to propagate.
type Store interface {
	Put(ctx context.Context, m *Mapping) error
	Get(ctx context.Context, id string) (*Mapping, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// ErrNotFound is returned by Get when no record exists for the id, whether
// because it never existed, was explicitly deleted, or its TTL elapsed.
var ErrNotFound = fmt.Errorf("mapping: not found")

// ErrExists is returned by Put when a record already exists for the id.
var ErrExists = fmt.Errorf("mapping: id already exists")

// --- In-process store -------------------------------------------------------

// shardCount bounds lock contention on the in-process store: writes to
// different mappings rarely contend because each mapping_id is independently
// hashed to one of a fixed number of shards via rendezvous hashing, rather
// than all requests serializing on one map's mutex.
const shardCount = 16

type shard struct {
	mu   sync.RWMutex
	data map[string]*Mapping
}

// memoryStore is the in-process Store variant. A background goroutine sweeps
// expired records on a low-frequency timer; expiry is also checked lazily on
// Get so a record that outlived its TTL is never returned even if the sweep
// hasn't run yet.
type memoryStore struct {
	shards []*shard
	hasher *rendezvous.Rendezvous
	nodes  []string

	log *logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryStore creates an in-process mapping store and starts its
// background sweep goroutine at the given interval (at least once per TTL
// period, per the store's sweep contract).
func NewMemoryStore(sweepInterval time.Duration, log *logger.Logger) Store {
	nodes := make([]string, shardCount)
	shards := make([]*shard, shardCount)
	for i := range shards {
		nodes[i] = fmt.Sprintf("shard-%d", i)
		shards[i] = &shard{data: make(map[string]*Mapping)}
	}

	s := &memoryStore{
		shards: shards,
		nodes:  nodes,
		log:    log,
		stop:   make(chan struct{}),
	}
	s.hasher = rendezvous.New(nodes, func(s string) uint64 { return xxhash.Sum64String(s) })

	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s.wg.Add(1)
	go s.sweepLoop(sweepInterval)
	return s
}

func (s *memoryStore) shardFor(id string) *shard {
	node := s.hasher.Lookup(id)
	for i, n := range s.nodes {
		if n == node {
			return s.shards[i]
		}
	}
	return s.shards[0]
}

func (s *memoryStore) Put(_ context.Context, m *Mapping) error {
	sh := s.shardFor(m.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.data[m.ID]; exists {
		return ErrExists
	}
	sh.data[m.ID] = m
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Mapping, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	m, ok := sh.data[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if m.Expired(time.Now()) {
		sh.mu.Lock()
		delete(sh.data, id)
		sh.mu.Unlock()
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.data, id)
	sh.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error {
	close(s.stop)
	s.wg.Wait()
	return nil
}

func (s *memoryStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *memoryStore) sweep() {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, m := range sh.data {
			if m.Expired(now) {
				delete(sh.data, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 && s.log != nil {
		s.log.Debugf("mapping_sweep", "removed %d expired mapping(s)", removed)
	}
}

// --- Remote (redis) store ----------------------------------------------------

// redisStore is the remote key-value Store variant. Expiry is delegated to
// the backend's own TTL mechanism (SET ... EX) rather than a local sweep.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store backed by a Redis instance reachable at addr.
func NewRedisStore(addr, prefix string) Store {
	if prefix == "" {
		prefix = "aiproxy:mapping:"
	}
	return &redisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (s *redisStore) key(id string) string { return s.prefix + id }

func (s *redisStore) Put(ctx context.Context, m *Mapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(m.ID), data, m.TTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*Mapping, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m := &Mapping{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
