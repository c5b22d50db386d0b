// Package telemetry provides OpenTelemetry instrumentation for researchd.
//
// It owns the global TracerProvider and MeterProvider and their OTLP
// exporters. Every service package acquires its tracer and meter through
// the otel globals, so a disabled or degraded telemetry setup silently
// produces no-ops instead of failing the daemon: runs are more important
// than their traces.
package telemetry
