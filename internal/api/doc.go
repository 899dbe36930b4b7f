// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/status for per-year progress from the stored snapshot.
//   - POST /api/trigger to queue a planned or explicit-range run.
//   - GET /api/logs for the crawl log, newest first.
//   - GET /api/test?year=&seq= to fetch and parse one key synchronously.
package api
