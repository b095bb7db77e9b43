// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/mcpany/gateway/pkg/apierr"
	"github.com/mcpany/gateway/pkg/mcp"
	"github.com/mcpany/gateway/pkg/pipeline"
	"github.com/mcpany/gateway/pkg/registry"
	"github.com/mcpany/gateway/pkg/streaming"
	"github.com/mcpany/gateway/pkg/upstream"
)

// registerAPIRoutes wires spec.md §6's external surface onto mux using Go
// 1.22's method+pattern ServeMux routing (spec_full §6, no third-party
// router appears anywhere in the retrieved pack).
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", s.handleSurface(upstream.KindChatCompletions, false))
	mux.HandleFunc("POST /v1/messages", s.handleSurface(upstream.KindMessages, false))
	mux.HandleFunc("POST /v1/responses", s.handleSurface(upstream.KindResponses, true))
	mux.HandleFunc("POST /v1/interactions", s.handleSurface(upstream.KindInteractions, true))
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/realtime/client_secrets", s.handleRealtimeClientSecrets)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// requestIdentity extracts the tenant/session/request identity a request
// carries. Authentication itself is out of scope (spec.md Non-goals): the
// gateway trusts whatever the caller supplies and generates a request id
// when none is given, since every downstream audit/approval record needs
// one to key on.
func requestIdentity(r *http.Request) (tenantID, sessionID, requestID string) {
	tenantID = r.Header.Get("X-Tenant-Id")
	sessionID = r.Header.Get("X-Session-Id")
	requestID = r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return tenantID, sessionID, requestID
}

// handleSurface returns the POST handler for one of the four inference
// surfaces (spec.md §6). toolLoopEligible selects whether a stream=true
// request is driven through the MCP streaming tool loop (Responses,
// Interactions) or forwarded frame-for-frame (Chat Completions, Messages);
// see streaming.Loop.Run's doc comment for why the split exists.
func (s *Server) handleSurface(kind upstream.RequestKind, toolLoopEligible bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			apierr.WriteJSON(w, apierr.InvalidRequest("reading request body: "+err.Error()))
			return
		}

		tenantID, sessionID, requestID := requestIdentity(r)
		req, apiErr := pipeline.Validate(kind, body, r.Header.Get("Authorization"), tenantID, sessionID, requestID)
		if apiErr != nil {
			apierr.WriteJSON(w, apiErr)
			return
		}

		worker, apiErr := s.Pipeline.SelectWorker(req)
		if apiErr != nil {
			apierr.WriteJSON(w, apiErr)
			return
		}

		if !req.Stream {
			s.handleNonStream(w, r, req, worker)
			return
		}

		if toolLoopEligible {
			execCtx := mcp.ExecContext{TenantID: tenantID, SessionID: sessionID, RequestID: requestID}
			if apiErr := s.Loop.Run(r.Context(), req, worker, execCtx, w); apiErr != nil {
				apierr.WriteJSON(w, apiErr)
			}
			return
		}

		upResp, handle, apiErr := s.Pipeline.BeginStream(r.Context(), req, worker)
		if apiErr != nil {
			apierr.WriteJSON(w, apiErr)
			return
		}
		if apiErr := streaming.Passthrough(upResp.Body, handle, w); apiErr != nil {
			apierr.WriteJSON(w, apiErr)
		}
	}
}

func (s *Server) handleNonStream(w http.ResponseWriter, r *http.Request, req *pipeline.Request, worker *registry.Worker) {
	result, apiErr := s.Pipeline.Execute(r.Context(), req, worker)
	if apiErr != nil && result == nil {
		apierr.WriteJSON(w, apiErr)
		return
	}
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

// modelEntry is the JSON projection of one served model (GET /v1/models).
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	var models []string
	for _, wk := range s.Registry.GetWorkersFiltered(registry.Filter{}) {
		for _, m := range wk.Config().Models {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}
	}
	sort.Strings(models)

	entries := make([]modelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, modelEntry{ID: m, Object: "model"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": entries})
}

// handleRealtimeClientSecrets proxies POST /v1/realtime/client_secrets to
// the worker serving session.model, without the chat-message validation
// the other four surfaces require — the request body shape is
// realtime-session-specific, not a messages array. spec.md names this
// endpoint but not its selection/proxy semantics; those are grounded on
// original_source's create_client_secret handler at
// model_gateway/src/routers/openai/realtime/rest.rs.
func (s *Server) handleRealtimeClientSecrets(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		apierr.WriteJSON(w, apierr.InvalidRequest("reading request body: "+err.Error()))
		return
	}

	model, ok := sessionModel(body)
	if !ok {
		apierr.WriteJSON(w, apierr.InvalidRequest("session.model is required"))
		return
	}

	req := &pipeline.Request{
		Kind:          upstream.KindRealtimeClientSecrets,
		Model:         model,
		RawBody:       body,
		Authorization: r.Header.Get("Authorization"),
	}

	worker, apiErr := s.Pipeline.SelectWorker(req)
	if apiErr != nil {
		apierr.WriteJSON(w, apiErr)
		return
	}

	s.handleNonStream(w, r, req, worker)
}

func sessionModel(body []byte) (string, bool) {
	var parsed struct {
		Session struct {
			Model string `json:"model"`
		} `json:"session"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false
	}
	if parsed.Session.Model == "" {
		return "", false
	}
	return parsed.Session.Model, true
}

// handleHealth answers the liveness probe spec.md §6 lists: the process is
// up and its registry is reachable. It reports the registered worker count
// rather than aggregating per-worker health, since the gateway itself can
// be live with zero or all-unhealthy workers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"workers": s.Registry.Len(),
	})
}
