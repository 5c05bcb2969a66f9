package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/profiles/internal/profile"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds what the local HTTP API needs.
type AppDeps struct {
	Store   *profile.Store
	Token   string
	Hub     *Hub         // optional; /ws is not served when nil
	Metrics http.Handler // optional; /metrics is not served when nil
	Logger  *slog.Logger
}

// CreateProfileRequest is the body of POST /profiles/me.
type CreateProfileRequest struct {
	Nickname string            `json:"nickname"`
	Fields   map[string]string `json:"fields"`
}

// NewAppHandler returns the local HTTP API. Everything except /health and
// /metrics requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/config", handleGetConfig(deps))
		r.Get("/profiles", handleListProfiles(deps)) // ?refresh=true, ?agents=a,b
		r.Get("/profiles/me", handleGetMyProfile(deps))
		r.Post("/profiles/me", handleCreateProfile(deps))
		r.Get("/profiles/search", handleSearchProfiles(deps))
		r.Get("/profiles/{agentID}", handleGetProfile(deps))
		if deps.Hub != nil {
			r.Method(http.MethodGet, "/ws", deps.Hub)
		}
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":   "ok",
			"agent_id": deps.Store.SelfAgentID(),
			"version":  deps.Store.Version(),
		}
		if deps.Hub != nil {
			body["ws_clients"] = deps.Hub.Count()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleGetConfig(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Store.Config())
	}
}

func handleListProfiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if raw := r.URL.Query().Get("agents"); raw != "" {
			handleAgentsProfiles(w, r, deps, splitAgentIDs(raw))
			return
		}
		if wantRefresh(r) {
			if err := deps.Store.FetchAllProfiles(r.Context()); err != nil {
				storeError(w, deps.Logger, "fetching profiles", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, nonNil(deps.Store.KnownProfiles()))
	}
}

// handleAgentsProfiles answers GET /profiles?agents=a,b. Agents without a
// profile are left out of the response.
func handleAgentsProfiles(w http.ResponseWriter, r *http.Request, deps AppDeps, agentIDs []string) {
	if len(agentIDs) == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "agents must list at least one agent id")
		return
	}

	profiles, err := lookupProfiles(r.Context(), deps.Store, agentIDs, wantRefresh(r))
	if err != nil {
		storeError(w, deps.Logger, "fetching agent profiles", err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

// lookupProfiles returns the profiles of agentIDs in request order, fetching
// the uncached ones (or all of them when refresh is set) in one batch.
func lookupProfiles(ctx context.Context, store *profile.Store, agentIDs []string, refresh bool) ([]profile.AgentProfile, error) {
	missing := agentIDs
	if !refresh {
		missing = nil
		for _, id := range agentIDs {
			if _, ok := store.ProfileOf(id); !ok {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) > 0 {
		if err := store.FetchAgentsProfiles(ctx, missing); err != nil {
			return nil, err
		}
	}
	return cachedProfiles(store, agentIDs), nil
}

// splitAgentIDs parses a comma-separated id list.
func splitAgentIDs(raw string) []string {
	return cleanAgentIDs(strings.Split(raw, ","))
}

// cleanAgentIDs trims ids and drops blanks and duplicates, keeping order.
func cleanAgentIDs(in []string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// cachedProfiles returns the cached profiles of agentIDs in request order.
func cachedProfiles(store *profile.Store, agentIDs []string) []profile.AgentProfile {
	out := make([]profile.AgentProfile, 0, len(agentIDs))
	for _, id := range agentIDs {
		if p, ok := store.ProfileOf(id); ok {
			out = append(out, profile.AgentProfile{AgentID: id, Profile: p})
		}
	}
	return out
}

func handleGetMyProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if wantRefresh(r) {
			if err := deps.Store.FetchMyProfile(r.Context()); err != nil {
				storeError(w, deps.Logger, "fetching my profile", err)
				return
			}
		}
		p, ok := deps.Store.MyProfile()
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no profile for this agent yet")
			return
		}
		writeJSON(w, http.StatusOK, profile.AgentProfile{AgentID: deps.Store.SelfAgentID(), Profile: p})
	}
}

func handleCreateProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		p := profile.Profile{Nickname: req.Nickname, Fields: req.Fields}
		if err := profile.Validate(p, deps.Store.Config()); err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.CreateProfile(r.Context(), p); err != nil {
			storeError(w, deps.Logger, "creating profile", err)
			return
		}

		mine, _ := deps.Store.MyProfile()
		writeJSON(w, http.StatusCreated, profile.AgentProfile{AgentID: deps.Store.SelfAgentID(), Profile: mine})
	}
}

func handleSearchProfiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prefix is required")
			return
		}
		results, err := deps.Store.SearchProfiles(r.Context(), prefix)
		if err != nil {
			storeError(w, deps.Logger, "searching profiles", err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(results))
	}
}

// handleGetProfile serves from the cache and asks the backend only on a miss.
func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "agentID")

		p, ok := deps.Store.ProfileOf(agentID)
		if !ok {
			if err := deps.Store.FetchAgentProfile(r.Context(), agentID); err != nil {
				storeError(w, deps.Logger, "fetching agent profile", err)
				return
			}
			p, ok = deps.Store.ProfileOf(agentID)
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no profile for agent %s", agentID)
			return
		}
		writeJSON(w, http.StatusOK, profile.AgentProfile{AgentID: agentID, Profile: p})
	}
}

func wantRefresh(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return err == nil && v
}

func nonNil(in []profile.AgentProfile) []profile.AgentProfile {
	if in == nil {
		return []profile.AgentProfile{}
	}
	return in
}

// storeError maps a store failure to a response: backend rejections become
// 422, everything else 502.
func storeError(w http.ResponseWriter, logger *slog.Logger, action string, err error) {
	if profile.IsValidation(err) {
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%s: %v", action, err)
		return
	}
	logger.Warn("profile service call failed", "action", action, "error", err)
	httpError(w, http.StatusBadGateway, "api_error", "%s: %v", action, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
