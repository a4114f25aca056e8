package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing how this voxlink process is wired.
const (
	AttrAudioBackend = attribute.Key("voxlink.audio.backend")
	AttrVADEngine    = attribute.Key("voxlink.vad.engine")
	AttrEndpoints    = attribute.Key("voxlink.transport.endpoints")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "voxlink".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// InstanceID identifies this process. Empty generates a random one.
	InstanceID string

	// Attributes are added to the resource, typically built with
	// [AttrAudioBackend], [AttrVADEngine] and [AttrEndpoints].
	Attributes []attribute.KeyValue

	// SampleRatio is the fraction of new session traces that are sampled.
	// Values outside (0, 1) sample every trace.
	SampleRatio float64

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter

	// Registerer receives the Prometheus collectors. Nil uses
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Telemetry holds the providers installed by [InitProvider].
type Telemetry struct {
	Resource       *resource.Resource
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider

	closers []func(context.Context) error
}

// Shutdown flushes and closes the providers in reverse start order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// InitProvider builds the voxlink resource and installs, as the global OTel
// providers:
//
//   - a [sdkmetric.MeterProvider] whose Prometheus exporter registers on
//     cfg.Registerer, scraped through the admin /metrics endpoint;
//   - a [sdktrace.TracerProvider] sampling cfg.SampleRatio of session traces
//     and batching them to cfg.TraceExporter when one is set.
//
// If a later step fails, providers already started are shut down again.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	tel := &Telemetry{Resource: res}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	tel.MeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	tel.closers = append(tel.closers, tel.MeterProvider.Shutdown)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tel.TracerProvider = sdktrace.NewTracerProvider(tpOpts...)
	tel.closers = append(tel.closers, tel.TracerProvider.Shutdown)

	if err := ctx.Err(); err != nil {
		return nil, errors.Join(err, tel.Shutdown(context.Background()))
	}
	otel.SetMeterProvider(tel.MeterProvider)
	otel.SetTracerProvider(tel.TracerProvider)
	return tel, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxlink"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(cfg.InstanceID),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	attrs = append(attrs, cfg.Attributes...)

	// Schemaless so the merge never conflicts with the SDK's own schema URL.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// newSampler keeps the caller's sampling decision for child spans and applies
// ratio to new session roots.
func newSampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
