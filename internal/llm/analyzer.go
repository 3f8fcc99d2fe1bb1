package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/raine/biocount/internal/capture"
	"github.com/rs/zerolog/log"
)

// VisionAnalyzer implements Analyzer on top of a VisionService. It holds no
// mutable state, so concurrent calls are independent.
type VisionAnalyzer struct {
	service VisionService
}

// NewAnalyzer creates an analyzer backed by the given vision service.
func NewAnalyzer(service VisionService) *VisionAnalyzer {
	return &VisionAnalyzer{service: service}
}

// Analyze sends the image and the mode's instruction to the vision service
// and decodes the structured response. It never retries.
func (a *VisionAnalyzer) Analyze(ctx context.Context, img EncodedImage, mode Mode) (*AnalysisResult, error) {
	data, mimeType, err := stripDataURI(img.Data, img.MIMEType)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no image provided")
	}

	resp, err := a.service.Generate(ctx, VisionRequest{
		Image:       data,
		MIMEType:    mimeType,
		Instruction: Instruction(mode),
		Schema:      ResponseSchema(),
	})
	if err != nil {
		var se *ServiceError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &ServiceError{Cause: err}
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, ErrEmptyResponse
	}

	result, err := ParseAnalysisResult(resp.Text)
	if err != nil {
		return nil, err
	}
	result.Usage = resp.Usage

	log.Info().
		Str("model", resp.Model).
		Str("mode", string(mode)).
		Int("count", result.Count).
		Int("items", len(result.Items)).
		Int64("inputTokens", resp.Usage.InputTokens).
		Int64("outputTokens", resp.Usage.OutputTokens).
		Float64("costUSD", resp.Usage.CostUSD).
		Msg("analysis llm call")

	return result, nil
}

// stripDataURI removes a "data:image/...;base64," prefix and decodes the
// payload. The MIME type from the prefix overrides the declared one.
func stripDataURI(data []byte, mimeType string) ([]byte, string, error) {
	raw, uriMIME, err := capture.SplitDataURI(data)
	if err != nil {
		return nil, "", err
	}
	if uriMIME != "" {
		mimeType = uriMIME
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return raw, mimeType, nil
}

// extractJSONObject extracts a JSON object from text that may contain markdown
// code blocks or other formatting.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return text[start : end+1], nil
}

type wireItem struct {
	ID    *json.RawMessage `json:"id"`
	Label *string          `json:"label"`
	Box   *json.RawMessage `json:"box_2d"`
}

type wireResult struct {
	Count                 *json.RawMessage `json:"count"`
	EstimatedSizeCategory *string          `json:"estimatedSizeCategory"`
	Items                 *[]wireItem      `json:"items"`
}

// ParseAnalysisResult decodes the model's JSON text. Integral floats and
// numeric strings are accepted for integer fields; anything else that breaks
// the schema is a DecodeError. Box values are not range-checked.
func ParseAnalysisResult(text string) (*AnalysisResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyResponse
	}

	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, &DecodeError{Response: text, Cause: err}
	}

	var wire wireResult
	if err := json.Unmarshal([]byte(jsonStr), &wire); err != nil {
		return nil, &DecodeError{Response: text, Cause: err}
	}

	fail := func(format string, a ...any) error {
		return &DecodeError{Response: text, Cause: fmt.Errorf(format, a...)}
	}

	if wire.Count == nil {
		return nil, fail("missing required field count")
	}
	count, err := coerceInt(*wire.Count)
	if err != nil {
		return nil, fail("count: %w", err)
	}
	if count < 0 {
		return nil, fail("count must not be negative, got %d", count)
	}
	if wire.Items == nil {
		return nil, fail("missing required field items")
	}

	result := &AnalysisResult{
		Count: count,
		Items: make([]DetectedItem, 0, len(*wire.Items)),
	}
	if wire.EstimatedSizeCategory != nil {
		result.EstimatedSizeCategory = strings.TrimSpace(*wire.EstimatedSizeCategory)
	}

	for i, w := range *wire.Items {
		if w.ID == nil {
			return nil, fail("items[%d]: missing required field id", i)
		}
		id, err := coerceInt(*w.ID)
		if err != nil {
			return nil, fail("items[%d].id: %w", i, err)
		}
		if w.Box == nil {
			return nil, fail("items[%d]: missing required field box_2d", i)
		}
		box, err := coerceBox(*w.Box)
		if err != nil {
			return nil, fail("items[%d].box_2d: %w", i, err)
		}

		item := DetectedItem{ID: id, Box: box}
		if w.Label != nil {
			item.Label = strings.TrimSpace(*w.Label)
		}
		result.Items = append(result.Items, item)
	}

	return result, nil
}

func coerceInt(raw json.RawMessage) (int, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}

	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected integer, got %s", string(raw))
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("expected integer, got %v", f)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("integer out of range: %v", f)
	}
	return int(f), nil
}

func coerceBox(raw json.RawMessage) ([4]float64, error) {
	var box [4]float64
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		return box, fmt.Errorf("expected array of 4 numbers: %w", err)
	}
	if len(values) != 4 {
		return box, fmt.Errorf("expected 4 numbers, got %d", len(values))
	}
	for i, v := range values {
		switch t := v.(type) {
		case float64:
			box[i] = t
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return box, fmt.Errorf("element %d is not a number: %q", i, t)
			}
			box[i] = f
		default:
			return box, fmt.Errorf("element %d is not a number", i)
		}
	}
	return box, nil
}
