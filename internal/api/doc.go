// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz reports 503 unless
//     the pipeline is running.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for run counters, shard and frontier state.
//   - POST /v1/stop for a graceful drain and POST /v1/reseed to re-enqueue
//     seed pages.
//   - GET /v1/shards for checksum verification of sealed shards.
package api
