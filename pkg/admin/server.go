// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package admin implements the gateway's operator-facing surface (spec.md
// §6, spec_full §6.A): worker registration/removal over the live
// registry, and a stub for the out-of-scope mesh/cluster gossip surface.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/mcpany/gateway/pkg/apierr"
	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/registry"
)

// Server answers the admin HTTP surface over a live worker registry. It
// holds no state of its own beyond the registry reference — registration
// and removal are the registry's own operations (spec.md §4.3).
type Server struct {
	Registry *registry.Registry
}

// NewServer builds an admin server over reg.
func NewServer(reg *registry.Registry) *Server {
	return &Server{Registry: reg}
}

// workerView is the JSON projection of a worker returned by the listing
// and registration endpoints. It deliberately omits APIKey, matching the
// pipeline's own convention of never echoing worker credentials back out
// over an external-facing surface.
type workerView struct {
	URL         string            `json:"url"`
	DisplayName string            `json:"display_name,omitempty"`
	Provider    config.Provider   `json:"provider"`
	Runtime     config.Runtime    `json:"runtime"`
	Models      []string          `json:"models,omitempty"`
	Priority    int               `json:"priority"`
	Cost        float64           `json:"cost"`
	Labels      map[string]string `json:"labels,omitempty"`
	Healthy     bool              `json:"healthy"`
	Load        int64             `json:"load"`
}

func toView(w *registry.Worker) workerView {
	cfg := w.Config()
	return workerView{
		URL:         w.URL(),
		DisplayName: w.DisplayName(),
		Provider:    w.Provider(),
		Runtime:     w.Runtime(),
		Models:      cfg.Models,
		Priority:    w.Priority(),
		Cost:        w.Cost(),
		Labels:      w.Labels(),
		Healthy:     w.Healthy(),
		Load:        w.Load(),
	}
}

// RegisterRoutes wires the admin surface onto mux using Go 1.22's
// method+pattern ServeMux routing (spec_full §6, no third-party router).
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /workers", s.handleListWorkers)
	mux.HandleFunc("POST /workers", s.handleRegisterWorker)
	mux.HandleFunc("DELETE /workers/{url...}", s.handleRemoveWorker)
	mux.HandleFunc("/mesh/", s.handleMeshStub)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.Registry.GetWorkersFiltered(registry.Filter{})
	views := make([]workerView, 0, len(workers))
	for _, wk := range workers {
		views = append(views, toView(wk))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var cfg config.WorkerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		apierr.WriteJSON(w, apierr.InvalidRequest("malformed worker config: "+err.Error()))
		return
	}
	if cfg.URL == "" {
		apierr.WriteJSON(w, apierr.InvalidRequest("worker url is required"))
		return
	}
	worker := s.Registry.Register(cfg)
	writeJSON(w, http.StatusCreated, toView(worker))
}

func (s *Server) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	url := r.PathValue("url")
	if url == "" {
		apierr.WriteJSON(w, apierr.InvalidRequest("worker url is required"))
		return
	}
	if _, ok := s.Registry.GetByURL(url); !ok {
		apierr.WriteJSON(w, apierr.New(http.StatusNotFound, apierr.TypeInvalidRequest, "worker_not_found", "no worker registered at "+url))
		return
	}
	s.Registry.Remove(url)
	w.WriteHeader(http.StatusNoContent)
}

// handleMeshStub answers every /mesh/* route with 501: cluster gossip and
// multi-node registry replication are explicitly out of scope (spec.md
// §1, spec_full Non-goals).
func (s *Server) handleMeshStub(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, apierr.New(http.StatusNotImplemented, apierr.TypeInvalidRequest, "not_implemented", "mesh/cluster operations are not implemented"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
