// Package gateway orchestrates the deskbridge server components.
//
// # Overview
//
// The Gateway owns the mapping backend, the cached mapping store, the
// duplicate suppressor, the routing worker pool and the message router. It
// runs the Matrix bridge next to an HTTP server that receives helpdesk
// webhooks.
//
// # HTTP Endpoints
//
//   - POST /webhooks/freshchat - Freshchat events (RSA-SHA256 signed)
//   - POST /webhooks/zendesk - Zendesk events (HMAC-SHA256 signed)
//   - GET /webhooks/{platform}/health - Webhook endpoint status
//   - GET /health - Liveness check
//   - GET /ready - Readiness check (pings the store)
//
// When auth.jwt_secret is set the admin API is also mounted:
//
//   - GET /api/mappings - List mappings (platform, user, active, limit)
//   - GET /api/mappings/{platform}/{id} - Get a mapping by client conversation id
//   - POST /api/mappings/{platform}/{id}/resolve - Mark resolved (admin)
//   - POST /api/mappings/{platform}/{id}/reopen - Mark unresolved (admin)
//   - POST /api/mappings/{platform}/{id}/invalidate - Drop the cached entry (admin)
//   - GET /api/stats - Cache, dedupe, pool and active mapping counts
//
// Webhooks are acknowledged as soon as the event is queued. A full queue
// answers 503 so the platform redelivers later.
//
// # Listeners
//
// The HTTP server listens on server.http_addr, or on a Tailscale node when
// tailscale.enabled is set. With tailscale.funnel the node serves public
// HTTPS on :443, which is what helpdesk webhooks need.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// Shutdown stops the HTTP server, drains the pool, then closes the
// Tailscale node, the crypto store, Redis and the mapping backend.
package gateway
