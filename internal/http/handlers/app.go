package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/infra/credentials"
	"server/internal/middleware"
	"server/internal/service"

	"github.com/rs/zerolog"
)

// App bundles the handler dependencies.
type App struct {
	Enqueue       *service.Enqueuer
	Status        *service.StatusService
	Ledger        service.Ledger
	Keys          *credentials.Store
	PaymentSecret string
	Logger        zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{"error": errCode, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// Short human-readable messages for client-facing rejections, keyed by the
// stable code and the request locale.
var localizedMessages = map[string]map[string]string{
	service.RejectInvalidInstruction: {
		"en": "instruction is missing or too long",
		"id": "instruksi kosong atau terlalu panjang",
	},
	service.RejectImageTooLarge: {
		"en": "an image exceeds the 4 MiB limit",
		"id": "ukuran gambar melebihi batas 4 MiB",
	},
	service.RejectUnsupportedBackend: {
		"en": "unsupported backend selector",
		"id": "backend tidak didukung",
	},
	service.RejectNoKeyConfigured: {
		"en": "no gateway key configured for this account",
		"id": "belum ada kunci gateway untuk akun ini",
	},
	service.RejectInsufficientTokens: {
		"en": "token balance too low for this job",
		"id": "saldo token tidak cukup untuk pekerjaan ini",
	},
}

func (a *App) message(r *http.Request, code, fallback string) string {
	locale := middleware.LocaleFromContext(r.Context())
	if byLocale, ok := localizedMessages[code]; ok {
		if msg, ok := byLocale[locale]; ok {
			return msg
		}
		if msg, ok := byLocale["en"]; ok {
			return msg
		}
	}
	return fallback
}
