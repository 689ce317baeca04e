package strategy

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// memoryHashIndex is an in-memory HashIndex, used in tests and when no
// durable path is configured.
type memoryHashIndex struct {
	mu    sync.RWMutex
	store map[string][2]string // digest -> [original, entityType]
}

// NewMemoryHashIndex returns an in-memory HashIndex.
func NewMemoryHashIndex() HashIndex {
	return &memoryHashIndex{store: make(map[string][2]string)}
}

func (h *memoryHashIndex) Put(digest, original, entityType string) {
	h.mu.Lock()
	h.store[digest] = [2]string{original, entityType}
	h.mu.Unlock()
}

func (h *memoryHashIndex) Get(digest string) (string, string, bool) {
	h.mu.RLock()
	v, ok := h.store[digest]
	h.mu.RUnlock()
	if !ok {
		return "", "", false
	}
	return v[0], v[1], true
}

// bboltHashIndex is a durable HashIndex backed by bbolt, grounded on the
// teacher's bboltCache in internal/anonymizer/cache.go — same open/bucket/
// view/update shape, repurposed from an Ollama value cache to a digest
// shadow index for the hash strategy.
type bboltHashIndex struct {
	db *bolt.DB
}

const hashIndexBucket = "hash_shadow_index"

// NewBboltHashIndex opens (or creates) a bbolt database at path as the
// durable hash-strategy shadow index.
func NewBboltHashIndex(path string) (HashIndex, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt hash index %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(hashIndexBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create hash index bucket: %w", err)
	}
	return &bboltHashIndex{db: db}, nil
}

func (h *bboltHashIndex) Put(digest, original, entityType string) {
	_ = h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(hashIndexBucket))
		return b.Put([]byte(digest), []byte(entityType+"\x00"+original))
	})
}

func (h *bboltHashIndex) Get(digest string) (string, string, bool) {
	var original, entityType string
	var found bool
	_ = h.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(hashIndexBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(digest))
		if v == nil {
			return nil
		}
		parts := splitOnce(string(v), '\x00')
		entityType, original = parts[0], parts[1]
		found = true
		return nil
	})
	return original, entityType, found
}

// Close releases the underlying bbolt database handle.
func (h *bboltHashIndex) Close() error {
	return h.db.Close()
}

func splitOnce(s string, sep byte) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}
