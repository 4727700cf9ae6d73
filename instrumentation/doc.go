// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth relay: callback and delivery counters, wait duration histograms, a
// pending-waits gauge, and span helpers used by the coordinator and the HTTP
// ingress. When disabled it falls back to no-op providers with zero overhead.
package instrumentation
