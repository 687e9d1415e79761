// Package observer provides OTEL-based observability for justpipe runs.
//
// It exposes a justpipe.Tracer backed by OpenTelemetry, an event hook
// that counts runs, steps, tokens and failures, and an Init helper that
// wires OTLP HTTP exporters for traces, metrics and logs. Users export to
// any OTEL-compatible backend by setting standard OTEL env vars.
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

const scopeName = "github.com/plar/justpipe/observer"

// Instruments holds the OTEL instruments used by the observer hooks.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Runs     metric.Int64Counter
	Steps    metric.Int64Counter
	Tokens   metric.Int64Counter
	Failures metric.Int64Counter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("justpipe")),
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
	meter := otel.Meter(scopeName)

	runs, err := meter.Int64Counter("pipeline.runs",
		metric.WithDescription("Pipeline run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("pipeline.steps",
		metric.WithDescription("Step invocation count"),
		metric.WithUnit("{invocation}"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("pipeline.tokens",
		metric.WithDescription("Streamed token count"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("pipeline.failures",
		metric.WithDescription("Unrecovered step and pipeline failure count"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:   otel.Tracer(scopeName),
		Meter:    meter,
		Logger:   global.GetLoggerProvider().Logger(scopeName),
		Runs:     runs,
		Steps:    steps,
		Tokens:   tokens,
		Failures: failures,
	}, nil
}
