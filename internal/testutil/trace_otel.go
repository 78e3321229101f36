// Copyright 2023 Google LLC
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

package testutil

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// SpanRecorder installs an in-memory OpenTelemetry tracer provider and
// records every span ended while it is installed. Create it with
// NewSpanRecorder and call Unregister when done.
type SpanRecorder struct {
	exporter *tracetest.InMemoryExporter
	tp       *sdktrace.TracerProvider
}

// NewSpanRecorder installs a SpanRecorder as the global tracer provider.
func NewSpanRecorder() *SpanRecorder {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return &SpanRecorder{exporter: exporter, tp: tp}
}

// Spans returns the recorded spans.
func (r *SpanRecorder) Spans() tracetest.SpanStubs {
	return r.exporter.GetSpans()
}

// SpanNames returns the names of the recorded spans, in the order they ended.
func (r *SpanRecorder) SpanNames() []string {
	var names []string
	for _, s := range r.exporter.GetSpans() {
		names = append(names, s.Name)
	}
	return names
}

// Unregister shuts down the tracer provider.
func (r *SpanRecorder) Unregister(ctx context.Context) {
	r.tp.Shutdown(ctx)
}
