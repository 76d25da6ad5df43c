// Package telemetry configures OpenTelemetry providers for Floodgate.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coachpo/floodgate/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const exportInterval = 15 * time.Second

// Providers groups telemetry provider handles.
type Providers struct {
	MeterProvider apimetric.MeterProvider
}

// Init wires the global OpenTelemetry meter provider. An empty endpoint
// installs a no-op provider so instrumented code keeps working without a
// collector; otherwise metrics export over OTLP/HTTP.
func Init(ctx context.Context, cfg config.TelemetryConfig) (Providers, func(context.Context) error, error) {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "floodgate"
	}

	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		return installNoop(), func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return Providers{}, nil, err
	}
	mp, err := newMeterProvider(ctx, host, service, insecure)
	if err != nil {
		return Providers{}, nil, err
	}
	otel.SetMeterProvider(mp)
	return Providers{MeterProvider: mp}, mp.Shutdown, nil
}

func installNoop() Providers {
	providers := Providers{MeterProvider: noop.NewMeterProvider()}
	otel.SetMeterProvider(providers.MeterProvider)
	return providers
}

func newMeterProvider(ctx context.Context, host, service string, insecure bool) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)), nil
}

// parseEndpoint splits an OTLP endpoint into a host:port and a transport
// security flag. Bare host:port values parse without a URL host, so the raw
// string is used as is. Only an explicit https scheme selects TLS.
func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if parsed.Host == "" {
		return raw, true, nil
	}
	return parsed.Host, parsed.Scheme != "https", nil
}
