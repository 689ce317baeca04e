package cache

import (
	"testing"
	"time"
)

func TestCache_SetGet(t *testing.T) {
	c := New(10)
	c.Set("k1", &Entry{CacheKey: "k1", ResponseBody: "hello", CreatedAt: time.Now(), TTL: time.Minute})

	e, ok := c.Get("k1")
	if !ok || e.ResponseBody != "hello" {
		t.Errorf("got %+v, %v", e, ok)
	}
}

func TestCache_Miss(t *testing.T) {
	c := New(10)
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss")
	}
}

func TestCache_Expired(t *testing.T) {
	c := New(10)
	c.Set("k1", &Entry{CacheKey: "k1", ResponseBody: "stale", CreatedAt: time.Now().Add(-time.Hour), TTL: time.Minute})
	if _, ok := c.Get("k1"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c := New(10)
	c.Set("k1", &Entry{CacheKey: "k1", ResponseBody: "forever", CreatedAt: time.Now().Add(-24 * time.Hour)})
	if _, ok := c.Get("k1"); !ok {
		t.Error("expected zero-TTL entry to never expire")
	}
}

func TestCache_DisabledWhenCapacityZero(t *testing.T) {
	c := New(0)
	c.Set("k1", &Entry{CacheKey: "k1", ResponseBody: "x"})
	if _, ok := c.Get("k1"); ok {
		t.Error("expected disabled cache to always miss")
	}
	if c.Len() != 0 {
		t.Error("expected disabled cache to never grow")
	}
}

func TestCache_HitsCounterIncrements(t *testing.T) {
	c := New(10)
	c.Set("k1", &Entry{CacheKey: "k1", ResponseBody: "x"})
	c.Get("k1")
	c.Get("k1")
	e, _ := c.Get("k1")
	if e.Hits != 3 {
		t.Errorf("expected 3 hits, got %d", e.Hits)
	}
}

func TestCache_EvictsUnderCapacityPressure(t *testing.T) {
	c := New(4)
	for i := 0; i < 100; i++ {
		key := string(rune('a' + i%26))
		c.Set(key, &Entry{CacheKey: key, ResponseBody: key})
	}
	if c.Len() > 4 {
		t.Errorf("expected bounded size <= 4, got %d", c.Len())
	}
}

func TestCache_FrequentlyAccessedSurvivesEviction(t *testing.T) {
	c := New(4)
	c.Set("hot", &Entry{CacheKey: "hot", ResponseBody: "hot"})
	c.Get("hot")
	c.Get("hot")

	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		c.Set(key, &Entry{CacheKey: key, ResponseBody: key})
	}

	if _, ok := c.Get("hot"); !ok {
		t.Error("expected frequently accessed entry to survive eviction pressure")
	}
}

func TestCache_DeleteRemovesEntry(t *testing.T) {
	c := New(10)
	c.Set("k1", &Entry{CacheKey: "k1", ResponseBody: "x"})
	c.Delete("k1")
	if _, ok := c.Get("k1"); ok {
		t.Error("expected deleted entry to miss")
	}
}

func TestKey_DeterministicAndScopedByTenantAndModel(t *testing.T) {
	k1 := Key("anonymized body", "gpt-4", "tenant-a")
	k2 := Key("anonymized body", "gpt-4", "tenant-a")
	if k1 != k2 {
		t.Error("expected deterministic key for identical inputs")
	}

	if Key("anonymized body", "gpt-4", "tenant-b") == k1 {
		t.Error("expected distinct key across tenants")
	}
	if Key("anonymized body", "gpt-3.5", "tenant-a") == k1 {
		t.Error("expected distinct key across models")
	}
}
