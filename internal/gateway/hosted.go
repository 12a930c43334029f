package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HostedGateway dispatches through the hosted multi-model gateway, which
// speaks the OpenAI chat-completions format. Generation options ride in a
// generation_config.image_config side channel and result images come back
// inside the message's images array.
type HostedGateway struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zerolog.Logger
}

// HostedOptions configures the hosted gateway.
type HostedOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

func NewHostedGateway(opts HostedOptions) (*HostedGateway, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("hosted gateway: api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HostedGateway{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

func (g *HostedGateway) Name() string { return "hosted" }

type hostedContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *hostedImageURL `json:"image_url,omitempty"`
}

type hostedImageURL struct {
	URL string `json:"url"`
}

type hostedMessage struct {
	Role    string              `json:"role"`
	Content []hostedContentPart `json:"content"`
}

type hostedImageConfig struct {
	ImageSize   string `json:"image_size,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type hostedGenerationConfig struct {
	ImageConfig hostedImageConfig `json:"image_config"`
}

type hostedChatRequest struct {
	Model            string                  `json:"model"`
	Messages         []hostedMessage         `json:"messages"`
	Modalities       []string                `json:"modalities,omitempty"`
	GenerationConfig *hostedGenerationConfig `json:"generation_config,omitempty"`
}

type hostedChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Images  []struct {
				Type     string         `json:"type"`
				ImageURL hostedImageURL `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Dispatch performs a single chat-completions call and normalizes the result.
func (g *HostedGateway) Dispatch(ctx context.Context, req Request) (*Response, error) {
	content := make([]hostedContentPart, 0, 1+len(req.Images)+len(req.ReferenceImages))
	content = append(content, hostedContentPart{Type: "text", Text: req.Instruction})
	for _, img := range req.Images {
		content = append(content, hostedContentPart{Type: "image_url", ImageURL: &hostedImageURL{URL: dataURL(img)}})
	}
	for _, img := range req.ReferenceImages {
		content = append(content, hostedContentPart{Type: "image_url", ImageURL: &hostedImageURL{URL: dataURL(img)}})
	}

	payload := hostedChatRequest{
		Model:      req.Model,
		Messages:   []hostedMessage{{Role: "user", Content: content}},
		Modalities: []string{"image", "text"},
	}
	if req.ImageSize != "" || req.AspectRatio != "" {
		payload.GenerationConfig = &hostedGenerationConfig{
			ImageConfig: hostedImageConfig{ImageSize: req.ImageSize, AspectRatio: req.AspectRatio},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("hosted gateway: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("hosted gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Code: CodeTimeout, Message: "backend timed out", Retryable: true}
		}
		return nil, Classify(0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("hosted gateway: read response: %w", err)
	}

	var decoded hostedChatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("hosted gateway: decode response: %w", err)
	}

	if resp.StatusCode >= 300 || decoded.Error != nil {
		message := ""
		if decoded.Error != nil {
			message = decoded.Error.Message
		}
		if g.logger != nil {
			g.logger.Warn().Int("status", resp.StatusCode).Str("model", req.Model).Msg("hosted gateway: upstream error")
		}
		return nil, Classify(resp.StatusCode, message)
	}

	out := &Response{}
	if decoded.Usage != nil {
		out.Usage = Usage{
			Prompt:     decoded.Usage.PromptTokens,
			Completion: decoded.Usage.CompletionTokens,
			Total:      decoded.Usage.PromptTokens + decoded.Usage.CompletionTokens,
		}
		if decoded.Usage.TotalTokens > 0 {
			out.Usage.Total = decoded.Usage.TotalTokens
		}
	}
	if len(decoded.Choices) > 0 {
		msg := decoded.Choices[0].Message
		out.Text = msg.Content
		for _, img := range msg.Images {
			if img.ImageURL.URL != "" {
				out.Images = append(out.Images, img.ImageURL.URL)
			}
		}
	}
	return out, nil
}

func dataURL(img ImagePart) string {
	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

var _ Dispatcher = (*HostedGateway)(nil)
