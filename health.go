package bridgekeeper

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the state of one check, one level, or the whole system.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// rank orders statuses worst-last so aggregation can take a max.
func (s HealthStatus) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnknown:
		return 2
	case StatusUnhealthy:
		return 3
	default:
		return 2
	}
}

// HealthLevel is one layer of the health model, from raw connectivity up to
// data integrity.
type HealthLevel int

const (
	LevelConnectivity HealthLevel = iota + 1 // L1: process and socket reachability
	LevelService                             // L2: dependencies respond correctly
	LevelPerformance                         // L3: latency and throughput in bounds
	LevelIntegration                         // L4: end-to-end flows work
	LevelDataIntegrity                       // L5: spooled data verifies
)

func (l HealthLevel) String() string {
	switch l {
	case LevelConnectivity:
		return "connectivity"
	case LevelService:
		return "service"
	case LevelPerformance:
		return "performance"
	case LevelIntegration:
		return "integration"
	case LevelDataIntegrity:
		return "data_integrity"
	default:
		return "unknown"
	}
}

// CheckResult is one health check's outcome.
type CheckResult struct {
	Status  HealthStatus      `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthCheck probes one aspect of the system. Implementations must honor
// ctx; slow checks degrade the health endpoint itself.
type HealthCheck func(ctx context.Context) CheckResult

// LevelReport aggregates the checks registered at one level.
type LevelReport struct {
	Level  string                 `json:"level"`
	Status HealthStatus           `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// HealthReport is the full system view: one report per level plus the
// aggregate, which is the worst level status.
type HealthReport struct {
	Status HealthStatus  `json:"status"`
	At     time.Time     `json:"at"`
	Levels []LevelReport `json:"levels"`
}

type namedCheck struct {
	name  string
	check HealthCheck
}

// HealthRegistry holds checks grouped by level.
type HealthRegistry struct {
	mu     sync.RWMutex
	checks map[HealthLevel][]namedCheck
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{checks: make(map[HealthLevel][]namedCheck)}
}

// Register adds a named check at a level. Later registrations with the same
// name at the same level replace the earlier one.
func (r *HealthRegistry) Register(level HealthLevel, name string, check HealthCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.checks[level] {
		if c.name == name {
			r.checks[level][i].check = check
			return
		}
	}
	r.checks[level] = append(r.checks[level], namedCheck{name: name, check: check})
}

// Report runs every registered check and aggregates per level and overall.
// A level with no checks reports unknown; the overall status is the worst
// across levels that have checks, or unknown when nothing is registered.
func (r *HealthRegistry) Report(ctx context.Context) HealthReport {
	r.mu.RLock()
	snapshot := make(map[HealthLevel][]namedCheck, len(r.checks))
	for l, cs := range r.checks {
		snapshot[l] = append([]namedCheck(nil), cs...)
	}
	r.mu.RUnlock()

	report := HealthReport{Status: StatusUnknown, At: time.Now()}
	levels := []HealthLevel{LevelConnectivity, LevelService, LevelPerformance, LevelIntegration, LevelDataIntegrity}
	worst := StatusUnknown
	any := false
	for _, l := range levels {
		lr := LevelReport{Level: l.String(), Status: StatusUnknown}
		cs := snapshot[l]
		if len(cs) > 0 {
			lr.Checks = make(map[string]CheckResult, len(cs))
			lvlWorst := StatusHealthy
			for _, c := range cs {
				res := c.check(ctx)
				if res.Status == "" {
					res.Status = StatusUnknown
				}
				lr.Checks[c.name] = res
				if res.Status.rank() > lvlWorst.rank() {
					lvlWorst = res.Status
				}
			}
			lr.Status = lvlWorst
			if !any || lvlWorst.rank() > worst.rank() {
				worst = lvlWorst
			}
			any = true
		}
		report.Levels = append(report.Levels, lr)
	}
	if any {
		report.Status = worst
	}
	return report
}

// Names lists registered check names per level, for status tooling.
func (r *HealthRegistry) Names(level HealthLevel) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.checks[level]))
	for _, c := range r.checks[level] {
		out = append(out, c.name)
	}
	sort.Strings(out)
	return out
}
