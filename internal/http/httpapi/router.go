package httpapi

import (
	"net/http"
	"time"

	"server/internal/http/handlers"
	appmw "server/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Options carries everything the router wires beyond the handlers themselves.
type Options struct {
	JWTSecret       string
	RateLimitPerMin int
	AllowedOrigins  []string
	DefaultLocale   string
	CountryLookup   appmw.CountryLookup
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RealIP,
		middleware.Recoverer,
		appmw.RequestID,
		appmw.Logger(opts.Logger),
		appmw.CORS(opts.AllowedOrigins),
		appmw.I18N(opts.DefaultLocale, opts.CountryLookup),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(appmw.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	// Payment collaborator callback; authenticated by shared secret, not a
	// user token.
	r.Post("/v1/credits/topup", app.CreditsTopUp)

	r.Group(func(r chi.Router) {
		r.Use(appmw.AuthJWT(opts.JWTSecret))

		r.Post("/v1/images/edits", app.ImagesEdit)
		r.Get("/v1/jobs/{job_id}", app.JobStatus)
		r.Get("/v1/credits", app.Credits)
		r.Get("/v1/keys", app.KeysList)
		r.Put("/v1/keys/{provider}", app.KeysSet)
	})

	return r
}
