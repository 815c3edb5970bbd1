package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gridmesh/capability"
	"gridmesh/gateway/middleware"
	"gridmesh/scheduler"
	"gridmesh/workspace"
)

type submitJobRequest struct {
	Requirements capability.Requirements `json:"requirements"`
	Payload      json.RawMessage         `json:"payload"`
	WorkspaceID  string                  `json:"workspace_id,omitempty"`
}

type payloadEnvelope struct {
	Type string `json:"type"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var req submitJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var env payloadEnvelope
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &env); err != nil {
			writeBadRequest(w, "payload must be a JSON object with a type field")
			return
		}
	}
	if env.Type == "" {
		writeBadRequest(w, "payload.type is required")
		return
	}
	if req.WorkspaceID != "" && !s.dir.IsMember(req.WorkspaceID, userID) {
		writeError(w, workspace.ErrNotMember)
		return
	}

	user, err := s.users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	account, err := s.pay.GetOrCreateAccount(user.Wallet, "")
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.queue.Submit(userID, scheduler.SubmitRequest{
		Requirements: req.Requirements,
		PayloadType:  env.Type,
		Payload:      req.Payload,
		AccountID:    account.ID,
		WorkspaceID:  req.WorkspaceID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	jobs := s.queue.ListByClient(userID)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	job, err := s.queue.Get(chi.URLParam(r, "id"))
	if err != nil || job.ClientID != userID {
		writeError(w, scheduler.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	jobID := chi.URLParam(r, "id")
	job, err := s.queue.Get(jobID)
	if err != nil || job.ClientID != userID {
		writeError(w, scheduler.ErrJobNotFound)
		return
	}
	if err := s.queue.Cancel(jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
