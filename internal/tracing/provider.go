// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing installs the process-wide OpenTelemetry tracer provider
// that internal/flow's controller spans ("flow.RunFlow", "flow.step") and
// any future instrumented call site export through.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls the installed tracer provider.
type Config struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// ServiceVersion is the build version, attached as a resource attribute.
	ServiceVersion string
	// SampleRate is the fraction of traces recorded (0.0-1.0). A span whose
	// "error" attribute is true is always sampled regardless of this rate.
	SampleRate float64
}

// Provider owns the installed sdktrace.TracerProvider for the lifetime of
// the process.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Install builds a tracer provider from cfg, registers it as the global
// provider via otel.SetTracerProvider so existing otel.Tracer(name) call
// sites start exporting real spans, and returns the Provider so the caller
// can Shutdown it on exit. Spans are written to stdout as line-delimited
// JSON; nothing in this module's configuration names an OTLP collector, so
// that is the only exporter wired.
func Install(cfg Config) (*Provider, error) {
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes any pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
