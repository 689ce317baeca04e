package quota

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCounter_IncrementAccumulates(t *testing.T) {
	c := NewMemoryCounter(0, nil)
	defer c.Close()
	ctx := context.Background()

	n1, err := c.Increment(ctx, "tenant-a", WindowHour)
	if err != nil || n1 != 1 {
		t.Fatalf("got %d, %v", n1, err)
	}
	n2, _ := c.Increment(ctx, "tenant-a", WindowHour)
	if n2 != 2 {
		t.Errorf("got %d, want 2", n2)
	}
}

func TestMemoryCounter_CheckRespectsLimit(t *testing.T) {
	c := NewMemoryCounter(0, nil)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Increment(ctx, "tenant-a", WindowDay)
	}
	allowed, n, err := c.Check(ctx, "tenant-a", WindowDay, 5)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("expected quota exceeded at limit")
	}
	if n != 5 {
		t.Errorf("got count %d, want 5", n)
	}
}

func TestMemoryCounter_DistinctTenantsIsolated(t *testing.T) {
	c := NewMemoryCounter(0, nil)
	defer c.Close()
	ctx := context.Background()

	c.Increment(ctx, "tenant-a", WindowHour)
	c.Increment(ctx, "tenant-a", WindowHour)
	c.Increment(ctx, "tenant-b", WindowHour)

	_, na, _ := c.Check(ctx, "tenant-a", WindowHour, 1000)
	_, nb, _ := c.Check(ctx, "tenant-b", WindowHour, 1000)
	if na != 2 || nb != 1 {
		t.Errorf("got a=%d b=%d, want a=2 b=1", na, nb)
	}
}

func TestMemoryCounter_UnwindReversesIncrement(t *testing.T) {
	c := NewMemoryCounter(0, nil)
	defer c.Close()
	ctx := context.Background()

	c.Increment(ctx, "tenant-a", WindowHour)
	c.Increment(ctx, "tenant-a", WindowHour)
	c.Unwind(ctx, "tenant-a", WindowHour)

	_, n, _ := c.Check(ctx, "tenant-a", WindowHour, 1000)
	if n != 1 {
		t.Errorf("got %d, want 1", n)
	}
}

func TestMemoryCounter_UnwindNeverGoesNegative(t *testing.T) {
	c := NewMemoryCounter(0, nil)
	defer c.Close()
	ctx := context.Background()

	c.Unwind(ctx, "tenant-a", WindowHour)
	_, n, _ := c.Check(ctx, "tenant-a", WindowHour, 1000)
	if n != 0 {
		t.Errorf("got %d, want 0", n)
	}
}

func TestMemoryCounter_SweepRemovesExpiredBuckets(t *testing.T) {
	c := NewMemoryCounter(10*time.Millisecond, nil).(*memoryCounter)
	defer c.Close()
	ctx := context.Background()

	c.Increment(ctx, "tenant-a", WindowHour)
	c.mu.Lock()
	for _, b := range c.buckets {
		b.expires = time.Now().Add(-time.Second)
	}
	c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.buckets)
		c.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected sweep to remove expired bucket")
}

func TestBucketStart_TruncatesToWindow(t *testing.T) {
	now := time.Date(2026, 7, 30, 14, 37, 22, 0, time.UTC)

	hour := bucketStart(now, WindowHour)
	if hour != time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC) {
		t.Errorf("hour bucket got %v", hour)
	}

	day := bucketStart(now, WindowDay)
	if day != time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC) {
		t.Errorf("day bucket got %v", day)
	}

	month := bucketStart(now, WindowMonth)
	if month != time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("month bucket got %v", month)
	}
}
