// ABOUTME: Inbound helpdesk webhook endpoints
// ABOUTME: Verifies signatures, parses events and hands them to the worker pool without blocking

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/store"
)

func (g *Gateway) registerWebhookRoutes(mux *http.ServeMux) {
	for p, hook := range g.webhooks {
		mux.HandleFunc("POST /webhooks/"+string(p), g.handleWebhook(hook))
	}
	mux.HandleFunc("GET /webhooks/{platform}/health", g.handleWebhookHealth)
}

// handleWebhook acknowledges quickly: the platform retries on slow or failed
// responses, so routing happens on the pool after the 200 is written.
func (g *Gateway) handleWebhook(hook platform.Webhook) http.HandlerFunc {
	logger := g.logger.With("platform", string(hook.Platform()))

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.config.Server.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				sendJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			sendJSONError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		if hook.SecretConfigured() {
			if err := hook.Verify(body, r.Header.Get(hook.SignatureHeader())); err != nil {
				logger.Warn("rejected webhook", "error", err, "remote", r.RemoteAddr)
				sendJSONError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
		}

		evt, err := hook.Parse(body)
		if err != nil {
			logger.Warn("unparseable webhook", "error", err)
			sendJSONError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if evt == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		ev := *evt
		timeout := g.config.Router.TaskTimeout
		accepted := g.pool.TrySubmit(func(ctx context.Context) {
			g.routeEvent(ctx, ev, timeout)
		})
		if !accepted {
			logger.Warn("routing queue full, asking platform to retry", "event_id", ev.EventID)
			sendJSONError(w, http.StatusServiceUnavailable, "busy")
			return
		}

		logger.Debug("webhook accepted", "event_id", ev.EventID, "kind", string(ev.Kind))
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

func (g *Gateway) routeEvent(ctx context.Context, ev platform.Event, timeout time.Duration) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	outcome := g.router.HandlePlatformEvent(ctx, ev)
	g.logger.Debug("platform event routed",
		"platform", string(ev.Platform),
		"event_id", ev.EventID,
		"outcome", string(outcome),
	)
}

func (g *Gateway) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	p, err := store.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	hook, ok := g.webhooks[p]
	if !ok {
		sendJSONError(w, http.StatusNotFound, "platform not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platform":               string(p),
		"status":                 "ok",
		"signature_verification": hook.SecretConfigured(),
	})
}
