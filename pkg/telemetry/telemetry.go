// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry instrumentation for the cyfr
// server: an OTLP trace pipeline when an endpoint is configured, and a
// Prometheus-backed meter provider feeding the /metrics endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the telemetry settings resolved from the application config.
type Config struct {
	// Endpoint is the OTLP trace endpoint (host:port). Empty disables the
	// trace exporter; spans become no-ops.
	Endpoint string

	// ServiceName and ServiceVersion identify this process in exported
	// telemetry.
	ServiceName    string
	ServiceVersion string

	// SamplingRate is the trace sampling ratio in 0.0-1.0.
	SamplingRate float64

	// Insecure uses plain HTTP for the OTLP endpoint.
	Insecure bool

	// Headers are added to every OTLP export request.
	Headers map[string]string

	// EnablePrometheusMetricsPath wires the meter provider to a Prometheus
	// registry and exposes its handler.
	EnablePrometheusMetricsPath bool
}

// DefaultConfig returns the baseline telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "cyfrd",
		ServiceVersion: "dev",
		SamplingRate:   0.05,
	}
}

// Provider bundles the tracer and meter providers with their shutdown.
type Provider struct {
	config            Config
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	metrics           *Metrics
	shutdownFuncs     []func(context.Context) error
}

// NewProvider builds the providers, registers them as the OTEL globals,
// and installs the W3C trace-context propagator.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.SamplingRate < 0 || config.SamplingRate > 1 {
		return nil, fmt.Errorf("sampling rate %v must be within 0.0-1.0", config.SamplingRate)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	p := &Provider{config: config}

	p.tracerProvider, err = p.buildTracerProvider(ctx, config, res)
	if err != nil {
		return nil, err
	}
	p.meterProvider, err = p.buildMeterProvider(config, res)
	if err != nil {
		return nil, err
	}
	p.metrics, err = newMetrics(p.meterProvider.Meter("github.com/cyfrworks/cyfr"))
	if err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

func (p *Provider) buildTracerProvider(ctx context.Context, config Config, res *resource.Resource) (trace.TracerProvider, error) {
	if config.Endpoint == "" {
		return tracenoop.NewTracerProvider(), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
	)
	p.shutdownFuncs = append(p.shutdownFuncs, provider.Shutdown)
	return provider, nil
}

func (p *Provider) buildMeterProvider(config Config, res *resource.Resource) (metric.MeterProvider, error) {
	if !config.EnablePrometheusMetricsPath {
		return metricnoop.NewMeterProvider(), nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	p.shutdownFuncs = append(p.shutdownFuncs, provider.Shutdown)
	p.prometheusHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return provider, nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// Metrics returns the domain instruments.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// PrometheusHandler returns the /metrics handler, or nil when the metrics
// path is disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
