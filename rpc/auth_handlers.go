package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gridmesh/gateway/middleware"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Key      string `json:"key"`
}

type sessionResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	user, err := s.users.Create(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	// The user's ledger account exists from signup so a first deposit has a
	// target.
	if _, err := s.pay.GetOrCreateAccount(user.Wallet, ""); err != nil {
		writeError(w, err)
		return
	}
	token, err := s.sessions.Issue(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("user signed up", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

// handleLogin exchanges either a username/password pair or an API key for a
// session token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var (
		user *User
		err  error
	)
	if req.Key != "" {
		user, err = s.users.AuthenticateKey(r.Context(), req.Key)
	} else {
		user, err = s.users.Authenticate(r.Context(), req.Username, req.Password)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.sessions.Issue(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	user, err := s.users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Key management is admin-only. The plaintext key appears in the mint
// response and nowhere else.
func (s *Server) handleAdminCreateKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	plaintext, key, err := s.users.CreateAPIKey(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("api key minted", "user_id", userID, "key_id", key.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":        plaintext,
		"id":         key.ID,
		"created_at": key.CreatedAt,
	})
}

func (s *Server) handleAdminListKeys(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := s.users.Get(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	keys, err := s.users.ListAPIKeys(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleAdminRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	if err := s.users.RevokeAPIKey(r.Context(), keyID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("api key revoked", "key_id", keyID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
