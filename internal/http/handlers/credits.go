package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// Credits reports the caller's current token balance.
func (a *App) Credits(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.Logger.Error().Err(err).Str("owner_id", userID).Msg("balance lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load balance")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"tokens_remaining": balance.TokensRemaining,
		"tokens_used":      balance.TokensUsed,
	})
}

type topUpRequest struct {
	OwnerID string `json:"owner_id"`
	Amount  int64  `json:"amount"`
}

// CreditsTopUp is the payment collaborator's callback: it credits tokens
// after a verified purchase. It authenticates with the shared webhook secret
// instead of a user token.
func (a *App) CreditsTopUp(w http.ResponseWriter, r *http.Request) {
	if a.PaymentSecret == "" ||
		subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Payment-Secret")), []byte(a.PaymentSecret)) != 1 {
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid payment secret")
		return
	}
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.OwnerID == "" || req.Amount <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "owner_id and positive amount required")
		return
	}
	balance, err := a.Ledger.TopUp(r.Context(), req.OwnerID, req.Amount)
	if err != nil {
		a.Logger.Error().Err(err).Str("owner_id", req.OwnerID).Msg("top up failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to credit tokens")
		return
	}
	a.Logger.Info().Str("owner_id", req.OwnerID).Int64("amount", req.Amount).Msg("tokens credited")
	a.json(w, http.StatusOK, map[string]any{
		"tokens_remaining": balance.TokensRemaining,
		"tokens_used":      balance.TokensUsed,
	})
}
