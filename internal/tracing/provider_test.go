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

package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInstallRegistersGlobalProvider(t *testing.T) {
	p, err := Install(Config{ServiceName: "car-test", ServiceVersion: "0.0.0-test", SampleRate: 1.0})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}()

	tracer := otel.Tracer("github.com/flowcar/car/internal/tracing/test")
	_, span := tracer.Start(context.Background(), "test.span")
	span.End()
}

func TestNewSamplerBoundaries(t *testing.T) {
	if _, ok := NewSampler(1.0).(interface{ Description() string }); !ok {
		t.Error("expected a sampler with a Description method at rate 1.0")
	}
	if s := NewSampler(1.0).Description(); s != "AlwaysOnSampler" {
		t.Errorf("rate 1.0 sampler description = %q, want AlwaysOnSampler", s)
	}
	if s := NewSampler(0.0).Description(); s == "" {
		t.Error("rate 0.0 sampler returned empty description")
	}
	if s := NewSampler(0.5).Description(); s == "" {
		t.Error("rate 0.5 sampler returned empty description")
	}
}
