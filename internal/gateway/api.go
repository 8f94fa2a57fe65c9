// ABOUTME: Admin HTTP API for inspecting and correcting conversation mappings
// ABOUTME: Bearer JWT protected; write operations require the admin role

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/deskbridge/internal/auth"
	"github.com/2389/deskbridge/internal/dispatch"
	"github.com/2389/deskbridge/internal/mapping"
	"github.com/2389/deskbridge/internal/store"
)

// maxListLimit caps page size on GET /api/mappings
const maxListLimit = 1000

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	if g.verifier == nil {
		return
	}
	authn := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireAdminHTTP()(h))
	}

	mux.Handle("GET /api/mappings", authn(http.HandlerFunc(g.handleListMappings)))
	mux.Handle("GET /api/mappings/{platform}/{id}", authn(http.HandlerFunc(g.handleGetMapping)))
	mux.Handle("POST /api/mappings/{platform}/{id}/resolve", admin(g.handleSetResolved(true)))
	mux.Handle("POST /api/mappings/{platform}/{id}/reopen", admin(g.handleSetResolved(false)))
	mux.Handle("POST /api/mappings/{platform}/{id}/invalidate", admin(g.handleInvalidate))
	mux.Handle("GET /api/stats", authn(http.HandlerFunc(g.handleStats)))
}

// mappingResponse is the JSON form of a mapping
type mappingResponse struct {
	ID                        string          `json:"id"`
	ClientConversationID      string          `json:"client_conversation_id"`
	ClientUserID              string          `json:"client_user_id"`
	ReplyTarget               json.RawMessage `json:"reply_target,omitempty"`
	Platform                  string          `json:"platform"`
	PlatformConversationID    string          `json:"platform_conversation_id"`
	PlatformConversationAltID string          `json:"platform_conversation_alt_id,omitempty"`
	PlatformUserID            string          `json:"platform_user_id"`
	IsResolved                bool            `json:"is_resolved"`
	GreetingSent              bool            `json:"greeting_sent"`
	TenantID                  string          `json:"tenant_id,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

func toMappingResponse(m store.Mapping) mappingResponse {
	return mappingResponse{
		ID:                        m.ID,
		ClientConversationID:      m.ClientConversationID,
		ClientUserID:              m.ClientUserID,
		ReplyTarget:               m.ReplyTarget,
		Platform:                  string(m.Platform),
		PlatformConversationID:    m.PlatformConversationID,
		PlatformConversationAltID: m.PlatformConversationAltID,
		PlatformUserID:            m.PlatformUserID,
		IsResolved:                m.IsResolved,
		GreetingSent:              m.GreetingSent,
		TenantID:                  m.TenantID,
		CreatedAt:                 m.CreatedAt,
		UpdatedAt:                 m.UpdatedAt,
	}
}

// statsResponse is returned by GET /api/stats
type statsResponse struct {
	Cache          mapping.CacheStats `json:"cache"`
	Dedupe         map[string]int     `json:"dedupe"`
	Dispatch       dispatch.Stats     `json:"dispatch"`
	ActiveMappings map[string]int     `json:"active_mappings"`
}

func (g *Gateway) handleListMappings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{ClientUserID: q.Get("user")}

	if v := q.Get("platform"); v != "" {
		p, err := store.ParsePlatform(v)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Platform = p
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		opts.ActiveOnly = active
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxListLimit {
			sendJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		opts.Limit = limit
	}

	mappings, err := g.mappings.List(r.Context(), opts)
	if err != nil {
		g.logger.Error("failed to list mappings", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list mappings")
		return
	}

	out := make([]mappingResponse, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, toMappingResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": out})
}

// lookupMapping resolves the {platform}/{id} path, writing the error response itself.
func (g *Gateway) lookupMapping(w http.ResponseWriter, r *http.Request) (store.Mapping, bool) {
	p, err := store.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return store.Mapping{}, false
	}
	m, found, err := g.mappings.GetByClientID(r.Context(), r.PathValue("id"), p)
	if err != nil {
		g.logger.Error("failed to get mapping", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to get mapping")
		return store.Mapping{}, false
	}
	if !found {
		sendJSONError(w, http.StatusNotFound, "mapping not found")
		return store.Mapping{}, false
	}
	return m, true
}

func (g *Gateway) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	m, ok := g.lookupMapping(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toMappingResponse(m))
}

// handleSetResolved closes or reopens a mapping by hand, for conversations
// whose resolution webhook never arrived.
func (g *Gateway) handleSetResolved(resolved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := g.lookupMapping(w, r)
		if !ok {
			return
		}

		platformID := m.PlatformConversationID
		if platformID == "" {
			platformID = m.PlatformConversationAltID
		}
		if platformID == "" {
			sendJSONError(w, http.StatusConflict, "mapping has no platform conversation id")
			return
		}

		if err := g.mappings.MarkResolved(r.Context(), platformID, m.Platform, resolved); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				sendJSONError(w, http.StatusNotFound, "mapping not found")
				return
			}
			g.logger.Error("failed to update mapping", "error", err)
			sendJSONError(w, http.StatusInternalServerError, "failed to update mapping")
			return
		}

		subject := ""
		if authCtx := auth.FromContext(r.Context()); authCtx != nil {
			subject = authCtx.Subject
		}
		g.logger.Info("mapping updated via admin API",
			"client_conversation_id", m.ClientConversationID,
			"platform", string(m.Platform),
			"resolved", resolved,
			"by", subject,
		)

		m.IsResolved = resolved
		writeJSON(w, http.StatusOK, toMappingResponse(m))
	}
}

func (g *Gateway) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	p, err := store.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.mappings.InvalidateCache(r.PathValue("id"), p)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	active := make(map[string]int, len(g.platforms))
	for _, p := range g.platforms {
		n, err := g.mappings.CountActive(r.Context(), p)
		if err != nil {
			g.logger.Error("failed to count active mappings", "platform", string(p), "error", err)
			sendJSONError(w, http.StatusInternalServerError, "failed to count mappings")
			return
		}
		active[string(p)] = n
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Cache:          g.mappings.CacheStats(),
		Dedupe:         g.dedupe.Stats(),
		Dispatch:       g.pool.Stats(),
		ActiveMappings: active,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response with the given status code and message.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
