package bridgekeeper

import (
	"sort"
	"sync"
	"time"
)

// MetricKind distinguishes sample types in the hub.
type MetricKind string

const (
	KindCounter   MetricKind = "counter"
	KindGauge     MetricKind = "gauge"
	KindHistogram MetricKind = "histogram"
)

// Sample is one recorded metric update.
type Sample struct {
	Name  string     `json:"name"`
	Kind  MetricKind `json:"kind"`
	Value float64    `json:"value"`
	At    time.Time  `json:"at"`
}

// HistogramSnapshot summarizes an observed distribution.
type HistogramSnapshot struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// MetricsSnapshot is a pull-style view of every instrument in the hub.
type MetricsSnapshot struct {
	At         time.Time                    `json:"at"`
	Counters   map[string]float64           `json:"counters"`
	Gauges     map[string]float64           `json:"gauges"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

// histogram keeps a bounded reservoir of raw observations; enough for the
// dashboard percentiles without unbounded growth.
type histogram struct {
	count uint64
	sum   float64
	min   float64
	max   float64
	ring  []float64
	next  int
	full  bool
}

const histRingSize = 512

func (h *histogram) observe(v float64) {
	if h.count == 0 || v < h.min {
		h.min = v
	}
	if h.count == 0 || v > h.max {
		h.max = v
	}
	h.count++
	h.sum += v
	if len(h.ring) < histRingSize {
		h.ring = append(h.ring, v)
		return
	}
	h.ring[h.next] = v
	h.next = (h.next + 1) % histRingSize
	h.full = true
}

func (h *histogram) snapshot() HistogramSnapshot {
	s := HistogramSnapshot{Count: h.count, Sum: h.sum, Min: h.min, Max: h.max}
	if len(h.ring) == 0 {
		return s
	}
	sorted := make([]float64, len(h.ring))
	copy(sorted, h.ring)
	sort.Float64s(sorted)
	pick := func(q float64) float64 {
		i := int(q * float64(len(sorted)-1))
		return sorted[i]
	}
	s.P50, s.P95, s.P99 = pick(0.50), pick(0.95), pick(0.99)
	return s
}

// Hub collects counters, gauges, and histograms, keeps a ring buffer of raw
// samples with a retention window, and lets exporters pull snapshots or
// stream updates over a bounded-buffer subscription.
type Hub struct {
	mu        sync.Mutex
	counters  map[string]float64
	gauges    map[string]float64
	hists     map[string]*histogram
	samples   []Sample // ring
	sampleCap int
	head      int
	filled    bool
	retention time.Duration

	stream *Bus[Sample]
}

// NewHub creates a hub retaining up to sampleCap raw samples (default 4096)
// within the retention window (default 1h).
func NewHub(sampleCap int, retention time.Duration) *Hub {
	if sampleCap <= 0 {
		sampleCap = 4096
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Hub{
		counters:  make(map[string]float64),
		gauges:    make(map[string]float64),
		hists:     make(map[string]*histogram),
		samples:   make([]Sample, sampleCap),
		sampleCap: sampleCap,
		retention: retention,
		stream:    NewBus[Sample](0),
	}
}

// Count adds delta to a named counter.
func (h *Hub) Count(name string, delta float64) {
	h.record(Sample{Name: name, Kind: KindCounter, Value: delta, At: time.Now()})
}

// Inc is Count(name, 1).
func (h *Hub) Inc(name string) { h.Count(name, 1) }

// Gauge sets a named gauge to v.
func (h *Hub) Gauge(name string, v float64) {
	h.record(Sample{Name: name, Kind: KindGauge, Value: v, At: time.Now()})
}

// Observe records v into a named histogram.
func (h *Hub) Observe(name string, v float64) {
	h.record(Sample{Name: name, Kind: KindHistogram, Value: v, At: time.Now()})
}

// ObserveSince records the elapsed milliseconds since start.
func (h *Hub) ObserveSince(name string, start time.Time) {
	h.Observe(name, float64(time.Since(start).Microseconds())/1000.0)
}

func (h *Hub) record(s Sample) {
	h.mu.Lock()
	switch s.Kind {
	case KindCounter:
		h.counters[s.Name] += s.Value
	case KindGauge:
		h.gauges[s.Name] = s.Value
	case KindHistogram:
		hist := h.hists[s.Name]
		if hist == nil {
			hist = &histogram{}
			h.hists[s.Name] = hist
		}
		hist.observe(s.Value)
	}
	h.samples[h.head] = s
	h.head = (h.head + 1) % h.sampleCap
	if h.head == 0 {
		h.filled = true
	}
	h.mu.Unlock()

	h.stream.Publish(s)
}

// Snapshot returns the current value of every instrument.
func (h *Hub) Snapshot() MetricsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := MetricsSnapshot{
		At:         time.Now(),
		Counters:   make(map[string]float64, len(h.counters)),
		Gauges:     make(map[string]float64, len(h.gauges)),
		Histograms: make(map[string]HistogramSnapshot, len(h.hists)),
	}
	for k, v := range h.counters {
		snap.Counters[k] = v
	}
	for k, v := range h.gauges {
		snap.Gauges[k] = v
	}
	for k, v := range h.hists {
		snap.Histograms[k] = v.snapshot()
	}
	return snap
}

// CounterValue returns one counter's current value.
func (h *Hub) CounterValue(name string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters[name]
}

// GaugeValue returns one gauge's current value.
func (h *Hub) GaugeValue(name string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gauges[name]
}

// Samples returns retained raw samples at or after since, oldest first.
func (h *Hub) Samples(since time.Time) []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-h.retention)
	if since.Before(cutoff) {
		since = cutoff
	}
	var out []Sample
	appendFrom := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s := h.samples[i]
			if !s.At.IsZero() && !s.At.Before(since) {
				out = append(out, s)
			}
		}
	}
	if h.filled {
		appendFrom(h.head, h.sampleCap)
	}
	appendFrom(0, h.head)
	return out
}

// Stream subscribes to live samples with a bounded buffer; slow consumers
// lose the oldest samples rather than blocking recorders.
func (h *Hub) Stream(name string, buf int) <-chan Sample {
	return h.stream.Subscribe(name, buf)
}

// StopStream removes a streaming subscription.
func (h *Hub) StopStream(ch <-chan Sample) {
	h.stream.Unsubscribe(ch)
}

// Metric names used across the core. Kept in one place so exporters and
// tests agree on spelling.
const (
	MetricEventsAccepted   = "events.accepted"
	MetricEventsSent       = "events.sent"
	MetricEventsFailed     = "events.failed"
	MetricEventsDropped    = "events.dropped"
	MetricRetries          = "resilience.retries"
	MetricCircuitOpens     = "resilience.circuit_opens"
	MetricCircuitRejects   = "resilience.circuit_rejects"
	MetricDispatchLatency  = "dispatch.latency_ms"
	MetricRecoveryDuration = "recovery.duration_ms"
	MetricRecoveryRuns     = "recovery.executions"
	MetricRecoveryRejected = "recovery.rejected"
	MetricQueueDepth       = "dispatch.queue_depth"
	MetricActiveRecoveries = "recovery.active"
	MetricHeapMB           = "memory.heap_mb"
	MetricResponsesStored  = "responses.stored"
	MetricWebhookRequests  = "webhook.requests"
	MetricWebhookLatency   = "webhook.latency_ms"
	MetricAcksSent         = "webhook.acks_sent"
	MetricFanoutDelivered  = "fanout.delivered"
	MetricFanoutLagged     = "fanout.lagged"
	MetricBridgeRestarts   = "bridge.restarts"
	MetricMemoryAlerts     = "memory.alerts"
)
