// Package metrics exposes Prometheus metrics for the Gridbox runtime.
//
// Metrics cover device polling (cycle counts, error kinds, recoveries),
// event bus traffic and broker API usage. The HTTP handler is served by
// the main daemon when a metrics address is configured.
package metrics
