package app

import (
	"context"
	"strconv"

	bk "github.com/okrause/bridgekeeper"
	"github.com/okrause/bridgekeeper/internal/bridge"
	"github.com/okrause/bridgekeeper/spool"
)

// registerHealthChecks installs the five-level health model over the live
// components.
func registerHealthChecks(
	health *bk.HealthRegistry,
	sp *spool.Spool,
	sup *bridge.Supervisor,
	breakers *bk.BreakerSet,
	hub *bk.Hub,
) {
	// L1: the worker process exists and its socket answers.
	health.Register(bk.LevelConnectivity, "bridge_process", func(ctx context.Context) bk.CheckResult {
		st := sup.Status()
		switch st.State {
		case bridge.StateRunning:
			return bk.CheckResult{Status: bk.StatusHealthy}
		case bridge.StateStarting:
			return bk.CheckResult{Status: bk.StatusDegraded, Details: map[string]string{"state": string(st.State)}}
		case bridge.StateStopped:
			// A bridge that was never configured is not a fault.
			return bk.CheckResult{Status: bk.StatusUnknown, Details: map[string]string{"state": string(st.State)}}
		default:
			return bk.CheckResult{
				Status:  bk.StatusUnhealthy,
				Details: map[string]string{"state": string(st.State), "last_error": st.LastError},
			}
		}
	})

	// L2: dependencies respond correctly — no circuit stuck open.
	health.Register(bk.LevelService, "circuits", func(ctx context.Context) bk.CheckResult {
		open := 0
		for _, snap := range breakers.Snapshots() {
			if snap.State == bk.CircuitOpen {
				open++
			}
		}
		if open > 0 {
			return bk.CheckResult{Status: bk.StatusDegraded, Details: map[string]string{"open_circuits": itoa(open)}}
		}
		return bk.CheckResult{Status: bk.StatusHealthy}
	})

	// L3: dispatch latency within bounds.
	health.Register(bk.LevelPerformance, "dispatch_latency", func(ctx context.Context) bk.CheckResult {
		snap := hub.Snapshot()
		h, ok := snap.Histograms[bk.MetricDispatchLatency]
		if !ok || h.Count == 0 {
			return bk.CheckResult{Status: bk.StatusHealthy}
		}
		const budgetMS = 2000
		if h.P95 > budgetMS {
			return bk.CheckResult{
				Status:  bk.StatusDegraded,
				Details: map[string]string{"p95_ms": ftoa(h.P95)},
			}
		}
		return bk.CheckResult{Status: bk.StatusHealthy}
	})

	// L4: the end-to-end flow moves — failures are not swamping accepts.
	health.Register(bk.LevelIntegration, "event_flow", func(ctx context.Context) bk.CheckResult {
		accepted := hub.CounterValue(bk.MetricEventsAccepted)
		failed := hub.CounterValue(bk.MetricEventsFailed)
		if accepted > 10 && failed > accepted/2 {
			return bk.CheckResult{
				Status:  bk.StatusDegraded,
				Details: map[string]string{"accepted": ftoa(accepted), "failed": ftoa(failed)},
			}
		}
		return bk.CheckResult{Status: bk.StatusHealthy}
	})

	// L5: spooled records verify.
	health.Register(bk.LevelDataIntegrity, "spool", func(ctx context.Context) bk.CheckResult {
		if err := sp.Verify(ctx, 50); err != nil {
			return bk.CheckResult{Status: bk.StatusUnhealthy, Details: map[string]string{"error": err.Error()}}
		}
		return bk.CheckResult{Status: bk.StatusHealthy}
	})
}

func itoa(n int) string {
	return ftoa(float64(n))
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
