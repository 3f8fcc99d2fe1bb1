package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// DefaultGeminiModel balances speed and vision capability.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.30
	geminiOutputPricePerMillion = 2.50
)

// GeminiService uses Google's Gemini API as the vision service.
type GeminiService struct {
	client *genai.Client
	model  string
}

// GeminiOpts configures a GeminiService.
type GeminiOpts struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

// NewGeminiService creates a Gemini-backed vision service.
func NewGeminiService(ctx context.Context, opts GeminiOpts) (*GeminiService, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gemini API key is empty")
	}
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiService{client: client, model: model}, nil
}

// Model returns the model name used for requests.
func (g *GeminiService) Model() string {
	return g.model
}

// Generate sends the image followed by the instruction and asks for JSON
// matching req.Schema.
func (g *GeminiService) Generate(ctx context.Context, req VisionRequest) (*VisionResponse, error) {
	parts := []*genai.Part{
		{InlineData: &genai.Blob{Data: req.Image, MIMEType: req.MIMEType}},
		genai.NewPartFromText(req.Instruction),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   req.Schema,
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, &ServiceError{Cause: fmt.Errorf("failed to generate content: %w", err)}
	}

	resp := &VisionResponse{Model: g.model}
	if len(result.Candidates) > 0 && result.Candidates[0].Content != nil && len(result.Candidates[0].Content.Parts) > 0 {
		resp.Text = result.Text()
	}

	if result.UsageMetadata != nil {
		resp.Usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		resp.Usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		resp.Usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		resp.Usage.CostUSD = calculateGeminiCost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	log.Debug().
		Str("model", g.model).
		Int("imageBytes", len(req.Image)).
		Str("mimeType", req.MIMEType).
		Int("responseLength", len(resp.Text)).
		Msg("gemini vision response")

	return resp, nil
}

func calculateGeminiCost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * geminiInputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * geminiOutputPricePerMillion
	return inputCost + outputCost
}
