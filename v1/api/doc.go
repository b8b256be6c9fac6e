// Package api exposes the lock coordinator over HTTP.
//
//	GET /                       service banner
//	GET /lock/{repo}            acquire (bearer token, ?timeout_seconds=&max_hold_seconds=)
//	GET /unlock/{repo}?pid=     release (bearer token)
//	GET /status/{repo}          Unknown, Locked or Stale
//	GET /list                   repositories
//	GET /events                 lock events over SSE, or WebSocket on upgrade
//	GET /metrics                Prometheus metrics
//
// A failed acquisition answers 423 Locked so clients can back off and retry.
package api
