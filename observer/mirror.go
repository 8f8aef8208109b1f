package observer

import (
	"context"

	bk "github.com/okrause/bridgekeeper"
)

// Mirror streams the in-process hub into the OTEL instruments until ctx
// ends. Samples the instruments do not cover are dropped; the hub remains
// the complete record.
func Mirror(ctx context.Context, hub *bk.Hub, inst *Instruments) {
	ch := hub.Stream("otel-mirror", 256)
	defer hub.StopStream(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			forward(ctx, inst, s)
		}
	}
}

func forward(ctx context.Context, inst *Instruments, s bk.Sample) {
	switch s.Name {
	case bk.MetricEventsAccepted:
		inst.EventsAccepted.Add(ctx, int64(s.Value))
	case bk.MetricEventsSent:
		inst.EventsSent.Add(ctx, int64(s.Value))
	case bk.MetricEventsFailed:
		inst.EventsFailed.Add(ctx, int64(s.Value))
	case bk.MetricRetries:
		inst.Retries.Add(ctx, int64(s.Value))
	case bk.MetricCircuitOpens:
		inst.CircuitOpens.Add(ctx, int64(s.Value))
	case bk.MetricRecoveryRuns:
		inst.RecoveryRuns.Add(ctx, int64(s.Value))
	case bk.MetricWebhookRequests:
		inst.WebhookHits.Add(ctx, int64(s.Value))
	case bk.MetricDispatchLatency:
		inst.DispatchLatency.Record(ctx, s.Value)
	case bk.MetricWebhookLatency:
		inst.WebhookLatency.Record(ctx, s.Value)
	case bk.MetricRecoveryDuration:
		inst.RecoveryDuration.Record(ctx, s.Value)
	case bk.MetricQueueDepth:
		inst.QueueDepth.Record(ctx, int64(s.Value))
	case bk.MetricActiveRecoveries:
		inst.ActiveRecoveries.Record(ctx, int64(s.Value))
	case bk.MetricHeapMB:
		inst.HeapMB.Record(ctx, s.Value)
	}
}
