package mapping

import (
	"testing"
	"time"
)

func placeholderFmt(entityType string, n int) string {
	return "<" + entityType + "_" + itoa(n) + ">"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestMapping_PutIsIdempotentForSameValue(t *testing.T) {
	m := New("req-1", "tenant-a", time.Minute)
	p1 := m.Put("PERSON", "Alice", placeholderFmt)
	p2 := m.Put("PERSON", "Alice", placeholderFmt)
	if p1 != p2 {
		t.Errorf("expected same placeholder for repeated value, got %q and %q", p1, p2)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", m.Len())
	}
}

func TestMapping_DistinctValuesGetDistinctPlaceholders(t *testing.T) {
	m := New("req-1", "tenant-a", time.Minute)
	p1 := m.Put("PERSON", "Alice", placeholderFmt)
	p2 := m.Put("PERSON", "Bob", placeholderFmt)
	if p1 == p2 {
		t.Errorf("expected distinct placeholders, both got %q", p1)
	}
}

func TestMapping_CountersDensePerEntityType(t *testing.T) {
	m := New("req-1", "tenant-a", time.Minute)
	m.Put("EMAIL", "a@x.com", placeholderFmt)
	m.Put("EMAIL", "b@x.com", placeholderFmt)
	p3 := m.Put("EMAIL", "c@x.com", placeholderFmt)
	if p3 != "<EMAIL_3>" {
		t.Errorf("got %q, want <EMAIL_3>", p3)
	}
	if _, ok := m.Lookup("<EMAIL_1>"); !ok {
		t.Error("<EMAIL_1> should exist")
	}
	if _, ok := m.Lookup("<EMAIL_2>"); !ok {
		t.Error("<EMAIL_2> should exist")
	}
}

func TestMapping_LookupInverse(t *testing.T) {
	m := New("req-1", "tenant-a", time.Minute)
	p := m.Put("PERSON", "Alice", placeholderFmt)
	entry, ok := m.Lookup(p)
	if !ok || entry.Original != "Alice" {
		t.Errorf("Lookup(%q) = %+v, %v", p, entry, ok)
	}
}

func TestMapping_Expired(t *testing.T) {
	m := New("req-1", "tenant-a", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if !m.Expired(time.Now()) {
		t.Error("mapping should be expired")
	}
}

func TestMapping_ZeroTTLNeverExpires(t *testing.T) {
	m := New("req-1", "tenant-a", 0)
	if m.Expired(time.Now().Add(time.Hour)) {
		t.Error("zero TTL should never expire")
	}
}

func TestMapping_JSONRoundTrip(t *testing.T) {
	m := New("req-1", "tenant-a", time.Minute)
	m.Put("PERSON", "Alice", placeholderFmt)
	m.Put("EMAIL", "alice@example.com", placeholderFmt)

	data, err := m.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	restored := &Mapping{}
	if err := restored.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if restored.Len() != 2 {
		t.Errorf("restored.Len() = %d, want 2", restored.Len())
	}
	entry, ok := restored.Lookup("<PERSON_1>")
	if !ok || entry.Original != "Alice" {
		t.Errorf("restored lookup mismatch: %+v, %v", entry, ok)
	}
}
