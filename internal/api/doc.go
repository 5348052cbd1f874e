// Package api hosts the HTTP server, middleware, and REST handlers for the
// fetch service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/{single,target,batch} for job submission, gated by the
//     access governor as downloads.
//   - GET /v1/jobs and /v1/jobs/{job_id} for progress polling.
//   - /v1/admin/... for access statistics and storage governance, behind the
//     API key when auth is enabled.
package api
