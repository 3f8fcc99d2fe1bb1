package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Mode selects the instruction template sent to the vision model.
type Mode string

const (
	// ModeCM counts individuals roughly 2-3 cm in size.
	ModeCM Mode = "2-3cm"
	// ModeMM counts millimeter-scale micro-individuals.
	ModeMM Mode = "micro"
)

// ParseMode parses a user-supplied mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "2-3cm", "cm", "cm_scale", "coarse":
		return ModeCM, nil
	case "micro", "mm", "mm_scale", "<1cm":
		return ModeMM, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// DetectedItem is a single counted individual. Box is [ymin, xmin, ymax, xmax]
// normalized to [0,1] as returned by the model; it is not validated.
type DetectedItem struct {
	ID    int        `json:"id"`
	Label string     `json:"label,omitempty"`
	Box   [4]float64 `json:"box_2d"`
}

// AnalysisResult is the decoded response of one successful analysis.
type AnalysisResult struct {
	Count                 int            `json:"count"`
	EstimatedSizeCategory string         `json:"estimatedSizeCategory,omitempty"`
	Items                 []DetectedItem `json:"items"`
	Usage                 Usage          `json:"usage"`
}

// EncodedImage is a compressed raster buffer. Data may be a data URI.
type EncodedImage struct {
	Data     []byte
	MIMEType string
}

// Analyzer counts individuals in an image.
type Analyzer interface {
	Analyze(ctx context.Context, img EncodedImage, mode Mode) (*AnalysisResult, error)
}

// VisionRequest is what gets sent to the vision service.
type VisionRequest struct {
	Image       []byte
	MIMEType    string
	Instruction string
	Schema      *genai.Schema
}

// VisionResponse is the raw model output.
type VisionResponse struct {
	Text  string
	Model string
	Usage Usage
}

// VisionService is the external vision-language model. Implementations must
// return the model's text verbatim; decoding happens in the Analyzer.
type VisionService interface {
	Generate(ctx context.Context, req VisionRequest) (*VisionResponse, error)
}
