package config

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ovalboard/lapboard-service-go/log"
)

// Telemetry bundles the configured otel providers for shutdown.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

const shutdownGrace = 5 * time.Second

// SetupTelemetry wires trace and metric export against TelemetryEndpoint
// and installs the global providers.
func SetupTelemetry(ctx context.Context) (*Telemetry, error) {
	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(TelemetryEndpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(TelemetryEndpoint),
		otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	ret := &Telemetry{
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter)),
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter))),
	}
	otel.SetTracerProvider(ret.tracerProvider)
	otel.SetMeterProvider(ret.meterProvider)
	return ret, nil
}

// Shutdown flushes pending telemetry, best effort.
func (t *Telemetry) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		log.Warn("tracer shutdown failed", log.ErrorField(err))
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		log.Warn("meter shutdown failed", log.ErrorField(err))
	}
}
