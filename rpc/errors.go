package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"gridmesh/payments"
	"gridmesh/registry"
	"gridmesh/scheduler"
	"gridmesh/workspace"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError maps domain sentinels onto the API status table and emits the
// JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, payments.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		message = "insufficient funds"
	case errors.Is(err, scheduler.ErrInvalidRequest):
		status = http.StatusBadRequest
		message = "invalid request"
	case errors.Is(err, scheduler.ErrQueueFull):
		status = http.StatusServiceUnavailable
		message = "queue full"
	case errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, registry.ErrNodeNotFound),
		errors.Is(err, payments.ErrAccountNotFound),
		errors.Is(err, payments.ErrDepositNotFound),
		errors.Is(err, workspace.ErrWorkspaceNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrAPIKeyNotFound):
		status = http.StatusNotFound
		message = "not found"
	case errors.Is(err, registry.ErrAlreadyOwned):
		status = http.StatusConflict
		message = "already owned"
	case errors.Is(err, registry.ErrNotOwner),
		errors.Is(err, workspace.ErrNotMember),
		errors.Is(err, workspace.ErrForbidden),
		errors.Is(err, workspace.ErrOwnerCannotLeave):
		status = http.StatusForbidden
		message = "forbidden"
	case errors.Is(err, ErrBadCredentials):
		status = http.StatusUnauthorized
		message = "bad credentials"
	case errors.Is(err, ErrUsernameTaken):
		status = http.StatusConflict
		message = "username taken"
	}

	body := errorBody{Error: message}
	if status != http.StatusInternalServerError && err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, details string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request", Details: details})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
