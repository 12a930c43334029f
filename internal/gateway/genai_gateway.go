package gateway

import (
	"context"
	"errors"
	"fmt"

	"server/internal/gateway/genai"
)

// GenAIGateway dispatches through the native "parts" API via the genai
// facade. Three variants share this translation and differ only in where the
// client's credential came from: server configuration (direct), the hosting
// platform (platform), or the calling user's stored key (byok).
type GenAIGateway struct {
	name   string
	client *genai.Client
}

func NewGenAIGateway(name string, client *genai.Client) *GenAIGateway {
	return &GenAIGateway{name: name, client: client}
}

func (g *GenAIGateway) Name() string { return g.name }

// Dispatch performs one generateContent call and normalizes the result.
func (g *GenAIGateway) Dispatch(ctx context.Context, req Request) (*Response, error) {
	parts := make([]genai.Part, 0, 1+len(req.Images)+len(req.ReferenceImages))
	parts = append(parts, genai.TextPart(req.Instruction))
	for _, img := range req.Images {
		parts = append(parts, genai.ImagePart(img.MIME, img.Data))
	}
	for _, img := range req.ReferenceImages {
		parts = append(parts, genai.ImagePart(img.MIME, img.Data))
	}

	cfg := &genai.GenerationConfig{ResponseModalities: []string{"IMAGE", "TEXT"}}
	if req.ImageSize != "" || req.AspectRatio != "" {
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: req.AspectRatio, ImageSize: req.ImageSize}
	}

	result, err := g.client.GenerateContent(ctx, req.Model, parts, cfg)
	if err != nil {
		var upstream *genai.UpstreamError
		if errors.As(err, &upstream) {
			return nil, Classify(upstream.StatusCode, upstream.Message)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Code: CodeTimeout, Message: "backend timed out", Retryable: true}
		}
		return nil, Classify(0, err.Error())
	}

	if result.BlockReason != "" {
		return nil, Classify(0, "blocked: "+result.BlockReason)
	}

	out := &Response{
		Usage: Usage{
			Prompt:     result.Usage.PromptTokenCount,
			Completion: result.Usage.CandidatesTokenCount,
			Total:      result.Usage.TotalTokenCount,
		},
	}
	if out.Usage.Total == 0 {
		out.Usage.Total = out.Usage.Prompt + out.Usage.Completion
	}
	for _, part := range result.Parts {
		switch {
		case part.InlineData != nil:
			mime := part.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			out.Images = append(out.Images, fmt.Sprintf("data:%s;base64,%s", mime, part.InlineData.Data))
		case part.Text != "":
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += part.Text
		}
	}
	return out, nil
}

var _ Dispatcher = (*GenAIGateway)(nil)
