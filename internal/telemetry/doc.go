// Package telemetry provides OpenTelemetry instrumentation for sentinel.
//
// # Overview
//
// Traces and metrics are exported over OTLP (grpc or http/protobuf) to a
// collector. Telemetry is off by default; when disabled or degraded, Tracer
// and Meter fall back to the global (no-op) providers so instrumented code
// never branches on whether telemetry is on.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, cfg)
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("sentinel/loop").Start(ctx, "loop.phase")
//	defer span.End()
//
// Packages record their own instruments with otel.Meter(instrumentationName),
// so installing the providers here is enough to export them.
//
// # Testing
//
// NewTestTelemetry installs an in-memory span recorder and a manual metric
// reader:
//
//	tt := telemetry.NewTestTelemetry()
//	defer tt.Restore()
//	... run code ...
//	tt.AssertSpanExists(t, "gates.cascade")
package telemetry
