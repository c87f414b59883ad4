// Package vhtelemetry provides OpenTelemetry tracer/meter initialization,
// trimmed from the teacher's lib/otel package down to an in-process-only
// SDK (no OTLP exporter wiring): vhotplug has no deployment story for a
// remote collector, but the Tracer-for-subsystem/Meter-for-subsystem and
// uptime-gauge shape is kept identical to the teacher's.
package vhtelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry initialization options.
type Config struct {
	ServiceName string
	Version     string
}

// Provider holds initialized OTel providers local to this process.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	startTime      time.Time
}

// Init creates in-process tracer/meter providers and registers an uptime
// gauge. Returns a shutdown function to call on exit.
func Init(ctx context.Context, cfg Config) (*Provider, func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	p := &Provider{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		startTime:      time.Now(),
	}

	if err := p.registerSystemMetrics(cfg); err != nil {
		tracerProvider.Shutdown(ctx)
		meterProvider.Shutdown(ctx)
		return nil, nil, fmt.Errorf("register system metrics: %w", err)
	}

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	}

	return p, shutdown, nil
}

func (p *Provider) registerSystemMetrics(cfg Config) error {
	uptime, err := p.MeterProvider.Meter(cfg.ServiceName).Float64ObservableGauge(
		"vhotplug_uptime_seconds",
		metric.WithDescription("Daemon uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create uptime gauge: %w", err)
	}

	_, err = p.MeterProvider.Meter(cfg.ServiceName).RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveFloat64(uptime, time.Since(p.startTime).Seconds())
			return nil
		},
		uptime,
	)
	return err
}

// TracerFor returns a tracer scoped to subsystem (e.g. "orchestrator").
func (p *Provider) TracerFor(subsystem string) trace.Tracer {
	if p.TracerProvider != nil {
		return p.TracerProvider.Tracer(subsystem)
	}
	return otel.Tracer(subsystem)
}

// MeterFor returns a meter scoped to subsystem.
func (p *Provider) MeterFor(subsystem string) metric.Meter {
	if p.MeterProvider != nil {
		return p.MeterProvider.Meter(subsystem)
	}
	return otel.Meter(subsystem)
}

// Counters holds the orchestrator's attach/detach event counters.
type Counters struct {
	Attached metric.Int64Counter
	Detached metric.Int64Counter
	Denied   metric.Int64Counter
}

// NewCounters registers the orchestrator's attach/detach/deny counters
// against meter.
func NewCounters(meter metric.Meter) (*Counters, error) {
	attached, err := meter.Int64Counter("vhotplug_devices_attached_total",
		metric.WithDescription("Total successful device attach operations"))
	if err != nil {
		return nil, fmt.Errorf("create attached counter: %w", err)
	}
	detached, err := meter.Int64Counter("vhotplug_devices_detached_total",
		metric.WithDescription("Total successful device detach operations"))
	if err != nil {
		return nil, fmt.Errorf("create detached counter: %w", err)
	}
	denied, err := meter.Int64Counter("vhotplug_devices_denied_total",
		metric.WithDescription("Total devices denied or disabled by the rule engine"))
	if err != nil {
		return nil, fmt.Errorf("create denied counter: %w", err)
	}
	return &Counters{Attached: attached, Detached: detached, Denied: denied}, nil
}
