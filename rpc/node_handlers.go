package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gridmesh/gateway/middleware"
	"gridmesh/protocol"
	"gridmesh/registry"
	"gridmesh/workspace"
)

func (s *Server) handleMyNodes(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	views := s.reg.VisibleTo(s.dir.IDsForUser(userID))
	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

func (s *Server) handleClaimNode(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	nodeID := chi.URLParam(r, "id")
	if err := s.reg.Claim(nodeID, userID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("node claimed", "node_id", nodeID, "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]any{"ownerId": userID})
}

type nodeWorkspacesRequest struct {
	WorkspaceIDs []string `json:"workspace_ids"`
}

func (s *Server) handleNodeWorkspaces(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var req nodeWorkspacesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	// A node only becomes visible in workspaces its owner belongs to.
	for _, wsID := range req.WorkspaceIDs {
		if !s.dir.IsMember(wsID, userID) {
			writeError(w, workspace.ErrNotMember)
			return
		}
	}
	if err := s.reg.SetWorkspaces(chi.URLParam(r, "id"), userID, req.WorkspaceIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type nodeLimitsRequest struct {
	CPUCores       *int  `json:"cpuCores,omitempty"`
	RAMPercent     *int  `json:"ramPercent,omitempty"`
	StorageGB      *int  `json:"storageGb,omitempty"`
	GPUVRAMPercent []int `json:"gpuVramPercent,omitempty"`
}

func (s *Server) handleNodeLimits(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	nodeID := chi.URLParam(r, "id")
	var req nodeLimitsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	view, err := s.reg.Get(nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if view.OwnerUserID != userID {
		writeError(w, registry.ErrNotOwner)
		return
	}
	frame := protocol.UpdateLimitsFrame{
		Type:           protocol.TypeUpdateLimits,
		CPUCores:       req.CPUCores,
		RAMPercent:     req.RAMPercent,
		StorageGB:      req.StorageGB,
		GPUVRAMPercent: req.GPUVRAMPercent,
	}
	if err := s.reg.UpdateLimits(nodeID, frame); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleWorkspaceNodes(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	wsID := chi.URLParam(r, "id")
	if !s.dir.IsMember(wsID, userID) {
		writeError(w, workspace.ErrNotMember)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.reg.ListForWorkspace(wsID)})
}
