package mapping

import (
	"context"
	"testing"
	"time"

	"ai-anonymizing-proxy/internal/logger"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, logger.New("test", "error"))
	defer s.Close()

	m := New("req-1", "tenant-a", time.Minute)
	m.Put("PERSON", "Alice", placeholderFmt)

	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, m); err != ErrExists {
		t.Errorf("second Put: got %v, want ErrExists", err)
	}

	got, err := s.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Len() != 1 {
		t.Errorf("got.Len() = %d, want 1", got.Len())
	}

	if err := s.Delete(ctx, "req-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "req-1"); err != ErrNotFound {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)
	defer s.Close()

	if _, err := s.Get(ctx, "does-not-exist"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ExpiredRecordTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)
	defer s.Close()

	m := New("req-1", "tenant-a", time.Millisecond)
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := s.Get(ctx, "req-1"); err != ErrNotFound {
		t.Errorf("expired Get: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5*time.Millisecond, nil)
	defer s.Close()

	m := New("req-1", "tenant-a", time.Millisecond)
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ms := s.(*memoryStore)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		n := 0
		for _, sh := range ms.shards {
			sh.mu.RLock()
			n += len(sh.data)
			sh.mu.RUnlock()
		}
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expired mapping was not swept within the deadline")
}

func TestMemoryStore_ShardingDistributesIDs(t *testing.T) {
	s := NewMemoryStore(time.Hour, nil).(*memoryStore)
	defer s.Close()

	seen := make(map[*shard]bool)
	for i := 0; i < 200; i++ {
		id := "mapping-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		seen[s.shardFor(id)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected ids to spread across multiple shards, got %d distinct shard(s)", len(seen))
	}
}
