// Package treehttp exposes the tree service over HTTP. Routing follows a
// single ServeHTTP switch over the /api/v1/forests space:
//
//	POST   /api/v1/forests                     create a forest
//	GET    /api/v1/forests                     list forests
//	GET    /api/v1/forests/{id}/tree           render every tree of the forest
//	POST   /api/v1/forests/{id}/edits          interpret and apply a UI edit
//	GET    /api/v1/forests/{id}/nodes/{nid}    render one subtree
//	DELETE /api/v1/forests/{id}/nodes/{nid}    delete a subtree
//	POST   /api/v1/forests/{id}/export         snapshot the forest to blob storage
//
// The acting user is read from the X-Canopy-Actor header.
package treehttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"canopy/internal/core"
	"canopy/pkg/domain"
)

// ActorHeader carries the identity the authorization port is consulted with.
const ActorHeader = "X-Canopy-Actor"

// Handler provides HTTP access to forests and their trees.
type Handler struct {
	Service *core.Service
}

// NewHandler constructs a tree HTTP handler.
func NewHandler(svc *core.Service) *Handler {
	return &Handler{Service: svc}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "tree service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "/api/v1/forests" {
		switch r.Method {
		case http.MethodPost:
			h.handleCreateForest(w, r)
		case http.MethodGet:
			h.handleListForests(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if !strings.HasPrefix(path, "/api/v1/forests/") {
		http.NotFound(w, r)
		return
	}
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/forests/"), "/")
	forestID := segments[0]
	if forestID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(segments) == 2 && segments[1] == "tree" && r.Method == http.MethodGet:
		h.handleRenderForest(w, r, forestID)
	case len(segments) == 2 && segments[1] == "edits" && r.Method == http.MethodPost:
		h.handleEdit(w, r, forestID)
	case len(segments) == 2 && segments[1] == "export" && r.Method == http.MethodPost:
		h.handleExport(w, r, forestID)
	case len(segments) == 3 && segments[1] == "nodes" && segments[2] != "":
		nodeID := segments[2]
		switch r.Method {
		case http.MethodGet:
			h.handleRenderSubtree(w, r, forestID, nodeID)
		case http.MethodDelete:
			h.handleDeleteSubtree(w, r, forestID, nodeID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		http.NotFound(w, r)
	}
}

type createForestRequest struct {
	Name     string `json:"name"`
	OwnerRef string `json:"owner_ref,omitempty"`
}

func (h *Handler) handleCreateForest(w http.ResponseWriter, r *http.Request) {
	var req createForestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid forest payload")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "forest name required")
		return
	}
	forest, err := h.Service.CreateForest(r.Context(), actor(r), domain.Forest{
		Name:     req.Name,
		OwnerRef: req.OwnerRef,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"forest": forest})
}

func (h *Handler) handleListForests(w http.ResponseWriter, r *http.Request) {
	forests, err := h.Service.ListForests(r.Context(), actor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forests": forests})
}

func (h *Handler) handleRenderForest(w http.ResponseWriter, r *http.Request, forestID string) {
	trees, err := h.Service.RenderForest(r.Context(), actor(r), forestID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trees": trees})
}

func (h *Handler) handleRenderSubtree(w http.ResponseWriter, r *http.Request, forestID, nodeID string) {
	tree, err := h.Service.RenderSubtree(r.Context(), actor(r), forestID, nodeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": tree})
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request, forestID string) {
	var req core.EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid edit payload")
		return
	}
	result, err := h.Service.HandleEdit(r.Context(), actor(r), forestID, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDeleteSubtree(w http.ResponseWriter, r *http.Request, forestID, nodeID string) {
	removed, err := h.Service.DeleteSubtree(r.Context(), actor(r), forestID, nodeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, forestID string) {
	key, err := h.Service.ExportForest(r.Context(), actor(r), forestID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"key": key})
}

func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "store busy, retry later")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
