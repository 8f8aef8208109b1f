package bridgekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"sync"
	"time"
)

// MemoryArea names one tracked allocation area.
type MemoryArea string

const (
	AreaGlobal         MemoryArea = "global"
	AreaEventFiles     MemoryArea = "event_files"
	AreaRateLimiter    MemoryArea = "rate_limiter"
	AreaBridgeCache    MemoryArea = "bridge_cache"
	AreaConnectionPool MemoryArea = "connection_pool"
	AreaSecurityConfig MemoryArea = "security_config"
)

// AreaSample is one area's usage at a point in time. Samplers estimate;
// exact accounting is not required.
type AreaSample struct {
	Bytes int64 `json:"bytes"`
	Items int64 `json:"items"`
}

// AreaSampler reports one area's current usage. Samplers must be cheap and
// must not mutate the component they observe.
type AreaSampler func() AreaSample

// MemorySnapshot is one periodic observation.
type MemorySnapshot struct {
	At          time.Time                 `json:"at"`
	HeapMB      float64                   `json:"heap_mb"`
	HeapObjects uint64                    `json:"heap_objects"`
	NumGC       uint32                    `json:"num_gc"`
	PauseMS     float64                   `json:"last_gc_pause_ms"`
	Areas       map[MemoryArea]AreaSample `json:"areas"`
}

// AlertType classifies why an alert fired.
type AlertType string

const (
	AlertThresholdBreach  AlertType = "threshold_breach"
	AlertGrowthRate       AlertType = "growth_rate"
	AlertFileAccumulation AlertType = "file_accumulation"
	AlertGCPressure       AlertType = "gc_pressure"
)

// MemoryAlert is one emitted warning. Alerts are advisory; the monitor
// never acts on other components itself.
type MemoryAlert struct {
	Type      AlertType  `json:"type"`
	Area      MemoryArea `json:"area"`
	Severity  Severity   `json:"-"`
	Current   float64    `json:"current"`
	Threshold float64    `json:"threshold"`
	Message   string     `json:"message"`
	At        time.Time  `json:"at"`
}

// MonitorConfig tunes the memory monitor.
type MonitorConfig struct {
	Interval       time.Duration          // sampling period (default 30s)
	HeapCapMB      float64                // global heap alert threshold (default 50)
	GrowthMBPerMin float64                // sustained growth threshold (default 10)
	FileCountMax   int64                  // event_files item threshold (default 1000)
	GCPauseMS      float64                // last-pause threshold (default 100)
	AreaCapsMB     map[MemoryArea]float64 // per-area byte thresholds
	AlertCooldown  time.Duration          // per (type, area) (default 5m)
	HistorySize    int                    // retained snapshots (default 120)

	HeapDumpDir string // empty disables heap dumps
	HeapDumpMax int    // retained dump files (default 3)
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.HeapCapMB <= 0 {
		c.HeapCapMB = 50
	}
	if c.GrowthMBPerMin <= 0 {
		c.GrowthMBPerMin = 10
	}
	if c.FileCountMax <= 0 {
		c.FileCountMax = 1000
	}
	if c.GCPauseMS <= 0 {
		c.GCPauseMS = 100
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 120
	}
	if c.HeapDumpMax <= 0 {
		c.HeapDumpMax = 3
	}
	return c
}

// Monitor samples process and per-area memory on a timer, evaluates
// thresholds, and publishes alerts on a bounded bus. It observes only:
// cleanup is requested through the OnCleanup callback, never performed here.
type Monitor struct {
	cfg    MonitorConfig
	hub    *Hub
	logger *slog.Logger

	mu       sync.Mutex
	samplers map[MemoryArea]AreaSampler
	history  []MemorySnapshot
	last     map[string]time.Time // alert cooldown, keyed type|area

	alerts *Bus[MemoryAlert]

	// OnCleanup, if set, is called when the heap crosses its cap or event
	// file accumulation crosses the threshold; the spool pruner decides
	// what to do with it.
	OnCleanup func()
}

// NewMonitor creates a monitor publishing into hub.
func NewMonitor(cfg MonitorConfig, hub *Hub, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = nopLogger
	}
	if hub == nil {
		hub = NewHub(0, 0)
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		hub:      hub,
		logger:   logger,
		samplers: make(map[MemoryArea]AreaSampler),
		last:     make(map[string]time.Time),
		alerts:   NewBus[MemoryAlert](0),
	}
}

// RegisterSampler installs the usage sampler for one area.
func (m *Monitor) RegisterSampler(area MemoryArea, s AreaSampler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samplers[area] = s
}

// Alerts subscribes to the alert stream with a bounded buffer.
func (m *Monitor) Alerts(name string, buf int) <-chan MemoryAlert {
	return m.alerts.Subscribe(name, buf)
}

// StopAlerts removes an alert subscription.
func (m *Monitor) StopAlerts(ch <-chan MemoryAlert) {
	m.alerts.Unsubscribe(ch)
}

// Run samples on the configured interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one snapshot, evaluates thresholds, and returns the snapshot.
func (m *Monitor) Sample() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := MemorySnapshot{
		At:          time.Now(),
		HeapMB:      float64(ms.HeapAlloc) / (1 << 20),
		HeapObjects: ms.HeapObjects,
		NumGC:       ms.NumGC,
		Areas:       make(map[MemoryArea]AreaSample),
	}
	if ms.NumGC > 0 {
		snap.PauseMS = float64(ms.PauseNs[(ms.NumGC+255)%256]) / 1e6
	}

	m.mu.Lock()
	for area, s := range m.samplers {
		snap.Areas[area] = s()
	}
	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	var prev *MemorySnapshot
	if len(m.history) > 1 {
		prev = &m.history[len(m.history)-2]
	}
	m.mu.Unlock()

	m.hub.Gauge(MetricHeapMB, snap.HeapMB)
	m.evaluate(snap, prev)
	return snap
}

// History returns retained snapshots, oldest first.
func (m *Monitor) History() []MemorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemorySnapshot, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) evaluate(snap MemorySnapshot, prev *MemorySnapshot) {
	if snap.HeapMB > m.cfg.HeapCapMB {
		m.alert(MemoryAlert{
			Type: AlertThresholdBreach, Area: AreaGlobal, Severity: SeverityHigh,
			Current: snap.HeapMB, Threshold: m.cfg.HeapCapMB,
			Message: fmt.Sprintf("heap %.1fMB exceeds cap %.1fMB", snap.HeapMB, m.cfg.HeapCapMB),
			At:      snap.At,
		})
		m.maybeDumpHeap()
		if m.OnCleanup != nil {
			go m.OnCleanup()
		}
	}

	if prev != nil {
		mins := snap.At.Sub(prev.At).Minutes()
		if mins > 0 {
			growth := (snap.HeapMB - prev.HeapMB) / mins
			if growth > m.cfg.GrowthMBPerMin {
				m.alert(MemoryAlert{
					Type: AlertGrowthRate, Area: AreaGlobal, Severity: SeverityMedium,
					Current: growth, Threshold: m.cfg.GrowthMBPerMin,
					Message: fmt.Sprintf("heap growing %.1fMB/min, threshold %.1f", growth, m.cfg.GrowthMBPerMin),
					At:      snap.At,
				})
			}
		}
	}

	if files, ok := snap.Areas[AreaEventFiles]; ok && files.Items > m.cfg.FileCountMax {
		m.alert(MemoryAlert{
			Type: AlertFileAccumulation, Area: AreaEventFiles, Severity: SeverityMedium,
			Current: float64(files.Items), Threshold: float64(m.cfg.FileCountMax),
			Message: fmt.Sprintf("%d spooled files, threshold %d", files.Items, m.cfg.FileCountMax),
			At:      snap.At,
		})
		if m.OnCleanup != nil {
			go m.OnCleanup()
		}
	}

	if snap.PauseMS > m.cfg.GCPauseMS {
		m.alert(MemoryAlert{
			Type: AlertGCPressure, Area: AreaGlobal, Severity: SeverityMedium,
			Current: snap.PauseMS, Threshold: m.cfg.GCPauseMS,
			Message: fmt.Sprintf("gc pause %.1fms, threshold %.1f", snap.PauseMS, m.cfg.GCPauseMS),
			At:      snap.At,
		})
	}

	for area, capMB := range m.cfg.AreaCapsMB {
		sample, ok := snap.Areas[area]
		if !ok {
			continue
		}
		mb := float64(sample.Bytes) / (1 << 20)
		if mb > capMB {
			m.alert(MemoryAlert{
				Type: AlertThresholdBreach, Area: area, Severity: SeverityMedium,
				Current: mb, Threshold: capMB,
				Message: fmt.Sprintf("area %s at %.1fMB, cap %.1f", area, mb, capMB),
				At:      snap.At,
			})
		}
	}
}

// alert publishes unless the same (type, area) alerted within the cooldown.
func (m *Monitor) alert(a MemoryAlert) {
	key := string(a.Type) + "|" + string(a.Area)
	m.mu.Lock()
	if t, ok := m.last[key]; ok && time.Since(t) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.last[key] = time.Now()
	m.mu.Unlock()

	m.hub.Inc(MetricMemoryAlerts)
	m.logger.Warn("memory alert",
		"type", string(a.Type),
		"area", string(a.Area),
		"current", a.Current,
		"threshold", a.Threshold)
	m.alerts.Publish(a)
}

// maybeDumpHeap writes a heap profile, keeping at most HeapDumpMax files.
func (m *Monitor) maybeDumpHeap() {
	if m.cfg.HeapDumpDir == "" {
		return
	}
	if err := os.MkdirAll(m.cfg.HeapDumpDir, 0o755); err != nil {
		m.logger.Warn("heap dump dir", "error", err)
		return
	}
	path := filepath.Join(m.cfg.HeapDumpDir, fmt.Sprintf("heap-%d.pprof", time.Now().Unix()))
	f, err := os.Create(path)
	if err != nil {
		m.logger.Warn("heap dump create", "error", err)
		return
	}
	if err := pprof.WriteHeapProfile(f); err != nil {
		m.logger.Warn("heap dump write", "error", err)
	}
	f.Close()
	m.pruneDumps()
}

func (m *Monitor) pruneDumps() {
	entries, err := filepath.Glob(filepath.Join(m.cfg.HeapDumpDir, "heap-*.pprof"))
	if err != nil || len(entries) <= m.cfg.HeapDumpMax {
		return
	}
	sort.Strings(entries) // timestamped names sort oldest first
	for _, old := range entries[:len(entries)-m.cfg.HeapDumpMax] {
		os.Remove(old)
	}
}
