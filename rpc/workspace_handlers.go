package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gridmesh/gateway/middleware"
)

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var req createWorkspaceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ws, err := s.dir.Create(req.Name, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": s.dir.ListForUser(userID)})
}

type joinWorkspaceRequest struct {
	InviteCode string `json:"inviteCode"`
}

func (s *Server) handleJoinWorkspace(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var req joinWorkspaceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.InviteCode == "" {
		writeBadRequest(w, "inviteCode is required")
		return
	}
	ws, err := s.dir.Join(req.InviteCode, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	ws, err := s.dir.Get(chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleLeaveWorkspace(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	if err := s.dir.Leave(chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	if err := s.dir.Delete(chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRegenerateInvite(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	ws, err := s.dir.RegenerateInviteCode(chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}
