package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/infra/credentials"

	"github.com/go-chi/chi/v5"
)

type setKeyRequest struct {
	Key string `json:"key"`
}

// KeysSet stores the caller's own gateway key for the byok backend path.
// Responses never echo the key back.
func (a *App) KeysSet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	provider := chi.URLParam(r, "provider")
	if provider != credentials.ProviderGemini {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported provider")
		return
	}
	var req setKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "key required")
		return
	}
	if err := a.Keys.SetKey(r.Context(), userID, provider, req.Key, nil); err != nil {
		a.Logger.Error().Err(err).Str("owner_id", userID).Msg("store gateway key failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to store key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KeysList reports which providers the caller has keys for.
func (a *App) KeysList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	infos, err := a.Keys.Providers(r.Context(), userID)
	if err != nil {
		a.Logger.Error().Err(err).Str("owner_id", userID).Msg("list gateway keys failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list keys")
		return
	}
	if infos == nil {
		infos = []credentials.KeyInfo{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": infos})
}
