// Package observer provides OTEL-based observability for the bridge.
//
// Init builds trace, metric, and log providers with OTLP HTTP exporters;
// Mirror forwards the in-process metrics hub into OTEL instruments so any
// OTEL-compatible backend sees the same counters and latencies the status
// tools report. Users export by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/okrause/bridgekeeper/observer"

// Instruments holds the OTEL instruments the bridge emits.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	EventsAccepted metric.Int64Counter
	EventsSent     metric.Int64Counter
	EventsFailed   metric.Int64Counter
	Retries        metric.Int64Counter
	CircuitOpens   metric.Int64Counter
	RecoveryRuns   metric.Int64Counter
	WebhookHits    metric.Int64Counter

	// Histograms
	DispatchLatency  metric.Float64Histogram
	WebhookLatency   metric.Float64Histogram
	RecoveryDuration metric.Float64Histogram

	// Gauges (recorded as observable via the mirror)
	QueueDepth       metric.Int64Gauge
	ActiveRecoveries metric.Int64Gauge
	HeapMB           metric.Float64Gauge
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("bridgekeeper")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	eventsAccepted, err := meter.Int64Counter("bridge.events.accepted",
		metric.WithDescription("Events validated and spooled"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	eventsSent, err := meter.Int64Counter("bridge.events.sent",
		metric.WithDescription("Events delivered to chat"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	eventsFailed, err := meter.Int64Counter("bridge.events.failed",
		metric.WithDescription("Events rejected or undeliverable"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("bridge.resilience.retries",
		metric.WithDescription("Retry attempts across all operations"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	circuitOpens, err := meter.Int64Counter("bridge.resilience.circuit_opens",
		metric.WithDescription("Circuit breaker open transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	recoveryRuns, err := meter.Int64Counter("bridge.recovery.executions",
		metric.WithDescription("Recovery plan executions"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	webhookHits, err := meter.Int64Counter("bridge.webhook.requests",
		metric.WithDescription("Inbound webhook requests"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("bridge.dispatch.latency",
		metric.WithDescription("End-to-end event dispatch latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	webhookLatency, err := meter.Float64Histogram("bridge.webhook.latency",
		metric.WithDescription("Webhook request handling latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	recoveryDuration, err := meter.Float64Histogram("bridge.recovery.duration",
		metric.WithDescription("Recovery plan execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("bridge.dispatch.queue_depth",
		metric.WithDescription("Events waiting on the rate limiter"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	activeRecoveries, err := meter.Int64Gauge("bridge.recovery.active",
		metric.WithDescription("Recovery plans currently executing"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	heapMB, err := meter.Float64Gauge("bridge.memory.heap",
		metric.WithDescription("Heap in use"),
		metric.WithUnit("MBy"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		EventsAccepted:   eventsAccepted,
		EventsSent:       eventsSent,
		EventsFailed:     eventsFailed,
		Retries:          retries,
		CircuitOpens:     circuitOpens,
		RecoveryRuns:     recoveryRuns,
		WebhookHits:      webhookHits,
		DispatchLatency:  dispatchLatency,
		WebhookLatency:   webhookLatency,
		RecoveryDuration: recoveryDuration,
		QueueDepth:       queueDepth,
		ActiveRecoveries: activeRecoveries,
		HeapMB:           heapMB,
	}, nil
}
