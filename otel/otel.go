// Package otel traces tool calls and exports the spans over OTLP.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	serviceName = "mcp-web-scraper"
	tracerName  = "scraper"
)

// ErrUnsupportedProto is returned for exporter protocols other than http.
var ErrUnsupportedProto = errors.New("unsupported protocol")

// ProviderOptions selects where and how many spans are exported.
type ProviderOptions struct {
	// Proto is the OTLP transport. Only http is supported.
	Proto    string
	Endpoint string
	Insecure bool
	// Headers are sent with every export request, e.g. for authentication.
	Headers map[string]string
	// SampleRatio is the fraction of root tool calls traced. Calls inside
	// a sampled navigation follow their parent.
	SampleRatio    float64
	ServiceVersion string
}

// Provider is the process wide tracer provider. Tracers created by
// NewTracer after the provider is set up export through it.
type Provider struct {
	trace.TracerProvider

	shutdown func(context.Context) error
}

// NewProvider sets up an OTLP exporter and registers the provider globally.
func NewProvider(ctx context.Context, opts ProviderOptions) (*Provider, error) {
	if !strings.EqualFold(opts.Proto, "http") {
		return nil, fmt.Errorf("exporter %q: %w", opts.Proto, ErrUnsupportedProto)
	}
	if opts.SampleRatio < 0 || opts.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio %v is not between 0 and 1", opts.SampleRatio)
	}

	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		httpOpts = append(httpOpts, otlptracehttp.WithHeaders(opts.Headers))
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(httpOpts...))
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(prov)

	return &Provider{TracerProvider: prov, shutdown: prov.Shutdown}, nil
}

// NewNoopProvider registers a provider that records nothing.
func NewNoopProvider() *Provider {
	prov := noop.NewTracerProvider()
	otel.SetTracerProvider(prov)

	return &Provider{TracerProvider: prov}
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
