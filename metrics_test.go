package bridgekeeper

import (
	"testing"
	"time"
)

// --- Hub instrument tests ---

func TestHubCountersAccumulate(t *testing.T) {
	h := NewHub(0, 0)
	h.Inc(MetricEventsAccepted)
	h.Inc(MetricEventsAccepted)
	h.Count(MetricEventsAccepted, 3)
	if v := h.CounterValue(MetricEventsAccepted); v != 5 {
		t.Errorf("counter = %v, want 5", v)
	}
}

func TestHubGaugeOverwrites(t *testing.T) {
	h := NewHub(0, 0)
	h.Gauge(MetricHeapMB, 10)
	h.Gauge(MetricHeapMB, 7)
	if v := h.GaugeValue(MetricHeapMB); v != 7 {
		t.Errorf("gauge = %v, want 7", v)
	}
}

func TestHubHistogramPercentiles(t *testing.T) {
	h := NewHub(0, 0)
	for i := 1; i <= 100; i++ {
		h.Observe(MetricDispatchLatency, float64(i))
	}
	snap := h.Snapshot()
	hist, ok := snap.Histograms[MetricDispatchLatency]
	if !ok {
		t.Fatal("histogram missing from snapshot")
	}
	if hist.Count != 100 || hist.Min != 1 || hist.Max != 100 {
		t.Errorf("count=%d min=%v max=%v", hist.Count, hist.Min, hist.Max)
	}
	if hist.P50 < 40 || hist.P50 > 60 {
		t.Errorf("p50 = %v, expected near 50", hist.P50)
	}
	if hist.P95 < 90 || hist.P95 > 100 {
		t.Errorf("p95 = %v, expected near 95", hist.P95)
	}
	if hist.Sum != 5050 {
		t.Errorf("sum = %v, want 5050", hist.Sum)
	}
}

func TestHubHistogramReservoirBounded(t *testing.T) {
	h := NewHub(0, 0)
	for i := 0; i < histRingSize*4; i++ {
		h.Observe("big", float64(i))
	}
	snap := h.Snapshot().Histograms["big"]
	if snap.Count != uint64(histRingSize*4) {
		t.Errorf("count = %d", snap.Count)
	}
	// Percentiles come from the newest window, so p50 reflects recent values.
	if snap.P50 < float64(histRingSize*2) {
		t.Errorf("p50 = %v, reservoir not rolling", snap.P50)
	}
}

// --- Sample retention tests ---

func TestHubSamplesSince(t *testing.T) {
	h := NewHub(16, time.Hour)
	h.Inc("a")
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	h.Inc("b")

	got := h.Samples(cut)
	for _, s := range got {
		if s.Name == "a" {
			t.Error("sample before cutoff returned")
		}
	}
	found := false
	for _, s := range got {
		if s.Name == "b" {
			found = true
		}
	}
	if !found {
		t.Error("sample after cutoff missing")
	}
}

func TestHubSampleRingWraps(t *testing.T) {
	h := NewHub(4, time.Hour)
	for i := 0; i < 10; i++ {
		h.Inc("x")
	}
	got := h.Samples(time.Time{})
	if len(got) != 4 {
		t.Errorf("retained %d samples, ring cap is 4", len(got))
	}
}

// --- Streaming tests ---

func TestHubStreamReceivesLiveSamples(t *testing.T) {
	h := NewHub(0, 0)
	ch := h.Stream("exporter", 8)
	defer h.StopStream(ch)

	h.Inc(MetricEventsSent)
	select {
	case s := <-ch:
		if s.Name != MetricEventsSent || s.Kind != KindCounter {
			t.Errorf("sample = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("stream delivered nothing")
	}
}
