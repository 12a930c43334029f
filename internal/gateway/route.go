package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"server/internal/gateway/genai"

	"github.com/rs/zerolog"
)

// Variant names one backend path. The selector prefix picks the variant once
// at the enqueue boundary; the rest of the pipeline carries the typed route.
type Variant string

const (
	VariantHosted   Variant = "hosted"
	VariantPlatform Variant = "platform"
	VariantDirect   Variant = "direct"
	VariantUserKey  Variant = "byok"
)

// Route is a parsed backend selector: which variant to dispatch through and
// the backend-qualified model to ask for.
type Route struct {
	Variant Variant
	Model   string
}

// BilledByUser reports whether this route runs on the caller's own key and
// therefore never touches the token ledger.
func (r Route) BilledByUser() bool { return r.Variant == VariantUserKey }

// ErrUnknownBackend rejects selectors whose prefix maps to no variant.
var ErrUnknownBackend = errors.New("gateway: unknown backend selector")

// ParseSelector resolves a backend selector like "openrouter/google/model",
// "platform/model", "google/model" or "byok/model" into a typed route. Bare
// "gemini-*" model names take the direct path, matching how older clients
// submit.
func ParseSelector(selector string) (Route, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return Route{}, ErrUnknownBackend
	}
	prefix, rest, found := strings.Cut(selector, "/")
	if !found {
		if strings.HasPrefix(prefix, "gemini-") {
			return Route{Variant: VariantDirect, Model: prefix}, nil
		}
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownBackend, selector)
	}
	if rest == "" {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownBackend, selector)
	}
	switch prefix {
	case "openrouter":
		return Route{Variant: VariantHosted, Model: rest}, nil
	case "platform":
		return Route{Variant: VariantPlatform, Model: rest}, nil
	case "google", "gemini":
		return Route{Variant: VariantDirect, Model: rest}, nil
	case "byok":
		return Route{Variant: VariantUserKey, Model: rest}, nil
	default:
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownBackend, selector)
	}
}

// Config carries every credential and endpoint the registry needs, injected
// once at construction.
type Config struct {
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	GeminiAPIKey      string
	GeminiBaseURL     string
	HTTPClient        *http.Client
	Logger            *zerolog.Logger
}

// Registry owns one constructed dispatcher per variant and mints per-call
// dispatchers for the user-key path.
type Registry struct {
	hosted   *HostedGateway
	platform *GenAIGateway
	direct   *GenAIGateway

	geminiBaseURL string
	httpClient    *http.Client
	logger        *zerolog.Logger
}

// NewRegistry constructs whichever variants the configuration supports.
// Missing credentials disable a variant rather than failing startup; the
// registry reports the gap when a job actually routes there.
func NewRegistry(cfg Config) *Registry {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	r := &Registry{
		geminiBaseURL: cfg.GeminiBaseURL,
		httpClient:    httpClient,
		logger:        cfg.Logger,
	}

	if cfg.OpenRouterAPIKey != "" {
		hosted, err := NewHostedGateway(HostedOptions{
			APIKey:     cfg.OpenRouterAPIKey,
			BaseURL:    cfg.OpenRouterBaseURL,
			HTTPClient: httpClient,
			Logger:     cfg.Logger,
		})
		if err == nil {
			r.hosted = hosted
		}
	}

	if platformClient, err := genai.NewPlatformClient(httpClient, cfg.Logger); err == nil {
		r.platform = NewGenAIGateway("platform", platformClient)
	} else if cfg.Logger != nil {
		cfg.Logger.Warn().Err(err).Msg("gateway: platform variant disabled")
	}

	if cfg.GeminiAPIKey != "" {
		directClient, err := genai.NewClient(genai.Options{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			HTTPClient: httpClient,
			Logger:     cfg.Logger,
		})
		if err == nil {
			r.direct = NewGenAIGateway("direct", directClient)
		}
	}

	return r
}

// Dispatcher returns the dispatcher for a route. For the user-key variant the
// caller's stored key is required and a fresh dispatcher is built around it.
func (r *Registry) Dispatcher(route Route, userKey string) (Dispatcher, error) {
	switch route.Variant {
	case VariantHosted:
		if r.hosted == nil {
			return nil, errors.New("gateway: hosted variant not configured")
		}
		return r.hosted, nil
	case VariantPlatform:
		if r.platform == nil {
			return nil, errors.New("gateway: platform variant not configured")
		}
		return r.platform, nil
	case VariantDirect:
		if r.direct == nil {
			return nil, errors.New("gateway: direct variant not configured")
		}
		return r.direct, nil
	case VariantUserKey:
		if userKey == "" {
			return nil, errors.New("gateway: user key required")
		}
		client, err := genai.NewClient(genai.Options{
			APIKey:     userKey,
			BaseURL:    r.geminiBaseURL,
			HTTPClient: r.httpClient,
			Logger:     r.logger,
		})
		if err != nil {
			return nil, err
		}
		return NewGenAIGateway("byok", client), nil
	default:
		return nil, fmt.Errorf("%w: variant %q", ErrUnknownBackend, route.Variant)
	}
}
