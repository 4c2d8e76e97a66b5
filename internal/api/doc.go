// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - POST /api/crawl runs one crawl and returns its summary.
//   - GET /api/sessions/{session_id} and /api/sessions/{session_id}/pages read results.
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
package api
