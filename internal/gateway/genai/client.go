package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how the client is configured. Credentials are resolved
// once at construction; the client never reads the environment at call time.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client is a small facade over the generative-language "parts" API so that
// dispatchers can focus on translating normalized requests. Two gateway
// variants share it: the direct keyed path and the platform path, which only
// differ in where the credential comes from.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zerolog.Logger
}

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// NewClient builds a client from explicit options.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("genai: api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

// NewPlatformClient discovers credentials injected by the hosting platform
// (GOOGLE_API_KEY, falling back to GEMINI_API_KEY) instead of taking them as
// options. Discovery happens here, once, so the rest of the pipeline stays
// substitutable in tests.
func NewPlatformClient(httpClient *http.Client, logger *zerolog.Logger) (*Client, error) {
	key := os.Getenv("GOOGLE_API_KEY")
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		return nil, errors.New("genai: no platform credential available")
	}
	return NewClient(Options{
		APIKey:     key,
		BaseURL:    os.Getenv("GOOGLE_GENAI_ENDPOINT"),
		HTTPClient: httpClient,
		Logger:     logger,
	})
}

// Part mirrors the wire "parts" element: either text or inline data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ImagePart builds an inline-data part from raw bytes.
func ImagePart(mime string, data []byte) Part {
	return Part{InlineData: &InlineData{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

// GenerationConfig carries rendering options on the request.
type GenerationConfig struct {
	ResponseModalities []string     `json:"responseModalities,omitempty"`
	ImageConfig        *ImageConfig `json:"imageConfig,omitempty"`
}

type ImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []Part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *UsageMetadata `json:"usageMetadata"`
	Error         *apiError      `json:"error"`
}

// UsageMetadata is the token accounting block as the API reports it.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Result is the parsed outcome of one GenerateContent call.
type Result struct {
	Parts       []Part
	BlockReason string
	Usage       UsageMetadata
}

// UpstreamError carries the raw status and message for the caller to
// classify; the client itself stays taxonomy-agnostic.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("genai: upstream status %d: %s", e.StatusCode, e.Message)
}

// GenerateContent performs one generateContent call against the given model.
func (c *Client) GenerateContent(ctx context.Context, model string, parts []Part, cfg *GenerationConfig) (*Result, error) {
	payload := generateContentRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: cfg,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("genai: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("genai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("genai: call model %s: %w", model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("genai: read response: %w", err)
	}

	var decoded generateContentResponse
	if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("genai: decode response: %w", err)
	}

	if resp.StatusCode >= 300 {
		message := ""
		if decoded.Error != nil {
			message = decoded.Error.Message
		}
		if c.logger != nil {
			c.logger.Warn().Int("status", resp.StatusCode).Str("model", model).Msg("genai: upstream error")
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: message}
	}

	result := &Result{}
	if decoded.PromptFeedback != nil {
		result.BlockReason = decoded.PromptFeedback.BlockReason
	}
	if decoded.UsageMetadata != nil {
		result.Usage = *decoded.UsageMetadata
	}
	if len(decoded.Candidates) > 0 {
		result.Parts = decoded.Candidates[0].Content.Parts
	}
	return result, nil
}

// DecodeInline returns the raw bytes of an inline-data part.
func DecodeInline(d *InlineData) ([]byte, error) {
	if d == nil {
		return nil, errors.New("genai: no inline data")
	}
	return base64.StdEncoding.DecodeString(d.Data)
}
