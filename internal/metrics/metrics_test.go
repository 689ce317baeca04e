package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return pb.GetCounter().GetValue()
}

func histogramSampleCount(t *testing.T, h interface{ Write(*dto.Metric) error }) uint64 {
	t.Helper()
	var pb dto.Metric
	if err := h.Write(&pb); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return pb.GetHistogram().GetSampleCount()
}

func TestNew_UptimeStartsAtZero(t *testing.T) {
	m := New()
	if m.Uptime() < 0 {
		t.Errorf("uptime should be non-negative immediately after New()")
	}
}

func TestRequestCounters(t *testing.T) {
	m := New()
	m.RequestsTotal.WithLabelValues("anon").Add(7)
	m.RequestsTotal.WithLabelValues("passthrough").Add(3)
	m.RequestsAnonymized.Add(7)
	m.RequestsPassthrough.Add(3)

	if got := counterValue(t, m.RequestsAnonymized); got != 7 {
		t.Errorf("RequestsAnonymized: got %f, want 7", got)
	}
	if got := counterValue(t, m.RequestsPassthrough); got != 3 {
		t.Errorf("RequestsPassthrough: got %f, want 3", got)
	}

	s := m.Snapshot()
	if s.RequestsTotal != 10 {
		t.Errorf("Snapshot.RequestsTotal: got %f, want 10", s.RequestsTotal)
	}
	if s.RequestsAnonymized != 7 {
		t.Errorf("Snapshot.RequestsAnonymized: got %f, want 7", s.RequestsAnonymized)
	}
}

func TestErrorCounters(t *testing.T) {
	m := New()
	m.ErrorsUpstream.Add(3)
	m.ErrorsAnonymize.Add(2)

	if got := counterValue(t, m.ErrorsUpstream); got != 3 {
		t.Errorf("ErrorsUpstream: got %f, want 3", got)
	}
	if got := counterValue(t, m.ErrorsAnonymize); got != 2 {
		t.Errorf("ErrorsAnonymize: got %f, want 2", got)
	}
}

func TestPIITokenCounters(t *testing.T) {
	m := New()
	m.TokensReplaced.Add(50)
	m.TokensDeanonymized.Add(45)

	s := m.Snapshot()
	if s.TokensReplaced != 50 {
		t.Errorf("TokensReplaced: got %f, want 50", s.TokensReplaced)
	}
	if got := counterValue(t, m.TokensDeanonymized); got != 45 {
		t.Errorf("TokensDeanonymized: got %f, want 45", got)
	}
}

func TestCacheCounters(t *testing.T) {
	m := New()
	m.CacheHits.Add(4)
	m.CacheMisses.Add(2)

	s := m.Snapshot()
	if s.CacheHits != 4 {
		t.Errorf("CacheHits: got %f, want 4", s.CacheHits)
	}
	if s.CacheMisses != 2 {
		t.Errorf("CacheMisses: got %f, want 2", s.CacheMisses)
	}
}

func TestQuotaRejectedLabeled(t *testing.T) {
	m := New()
	m.QuotaRejected.WithLabelValues("tenant-a").Inc()
	m.QuotaRejected.WithLabelValues("tenant-a").Inc()
	m.QuotaRejected.WithLabelValues("tenant-b").Inc()

	if got := counterValue(t, m.QuotaRejected.WithLabelValues("tenant-a")); got != 2 {
		t.Errorf("tenant-a: got %f, want 2", got)
	}
	if got := counterValue(t, m.QuotaRejected.WithLabelValues("tenant-b")); got != 1 {
		t.Errorf("tenant-b: got %f, want 1", got)
	}
}

func TestRecordAnonLatency_SingleSample(t *testing.T) {
	m := New()
	m.RecordAnonLatency(100 * time.Millisecond)

	if got := histogramSampleCount(t, m.AnonLatency); got != 1 {
		t.Errorf("sample count: got %d, want 1", got)
	}
}

func TestRecordUpstreamLatency_MultipleSamples(t *testing.T) {
	m := New()
	m.RecordUpstreamLatency(50 * time.Millisecond)
	m.RecordUpstreamLatency(150 * time.Millisecond)
	m.RecordUpstreamLatency(100 * time.Millisecond)

	if got := histogramSampleCount(t, m.UpstreamLatency); got != 3 {
		t.Errorf("sample count: got %d, want 3", got)
	}
}

func TestSnapshot_UptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	s := m.Snapshot()
	if s.UptimeSecs <= 0 {
		t.Errorf("UptimeSecs should be positive, got %f", s.UptimeSecs)
	}
}

func TestRegistry_NotSharedAcrossInstances(t *testing.T) {
	m1 := New()
	m2 := New()
	if m1.Registry() == m2.Registry() {
		t.Error("each Metrics instance should have its own registry")
	}
}
