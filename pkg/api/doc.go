/*
Package api serves the local HTTP surface of the daemon.

Besides the liveness and readiness probes and the prometheus /metrics
endpoint, the /v1 routes expose the orchestrator's stores: task
submission, listing and cancellation, schedule management, lock and
session listings, workflow transitions, and a composite /v1/status used
by the CLI. Bodies are the pkg/types values encoded as JSON; errors map
the internal taxonomy onto HTTP status codes.

The server binds its listener synchronously in Start so a port conflict
surfaces as a startup error, and shuts down gracefully.
*/
package api
