package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type createAccountRequest struct {
	WalletAddress string `json:"wallet_address"`
	Currency      string `json:"currency,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.WalletAddress == "" {
		writeBadRequest(w, "wallet_address is required")
		return
	}
	account, err := s.pay.GetOrCreateAccount(req.WalletAddress, req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.pay.Account(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type amountRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.AmountCents <= 0 {
		writeBadRequest(w, "amount_cents must be positive")
		return
	}
	deposit, err := s.pay.RequestDeposit(chi.URLParam(r, "id"), req.AmountCents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deposit)
}

func (s *Server) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	deposit, err := s.pay.ConfirmDeposit(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("deposit confirmed", "deposit_id", deposit.ID, "amount_cents", deposit.AmountCents)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.AmountCents <= 0 {
		writeBadRequest(w, "amount_cents must be positive")
		return
	}
	withdrawal, err := s.pay.RequestWithdraw(chi.URLParam(r, "id"), req.AmountCents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, withdrawal)
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	account, err := s.pay.TestCredit(chi.URLParam(r, "id"), req.AmountCents)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Warn("admin credit applied", "account_id", account.ID, "amount_cents", req.AmountCents)
	writeJSON(w, http.StatusOK, account)
}
