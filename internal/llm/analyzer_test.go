package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// stubService records requests and replies with a fixed response.
type stubService struct {
	mu       sync.Mutex
	requests []VisionRequest
	text     string
	err      error
	delay    time.Duration
}

func (s *stubService) Generate(ctx context.Context, req VisionRequest) (*VisionResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &VisionResponse{Text: s.text, Model: "stub", Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}, nil
}

func (s *stubService) lastRequest() VisionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

const threeItems = `{"count": 3, "items": [
	{"id": 1, "box_2d": [0.1, 0.1, 0.3, 0.3]},
	{"id": 2, "box_2d": [0.4, 0.4, 0.6, 0.6]},
	{"id": 3, "box_2d": [0, 0, 1, 1]}
]}`

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}

func TestAnalyze_ModesProduceDifferentInstructions(t *testing.T) {
	svc := &stubService{text: threeItems}
	a := NewAnalyzer(svc)

	_, err := a.Analyze(context.Background(), EncodedImage{Data: jpegBytes, MIMEType: "image/jpeg"}, ModeCM)
	require.NoError(t, err)
	cm := svc.lastRequest().Instruction

	_, err = a.Analyze(context.Background(), EncodedImage{Data: jpegBytes, MIMEType: "image/jpeg"}, ModeMM)
	require.NoError(t, err)
	mm := svc.lastRequest().Instruction

	assert.NotEqual(t, cm, mm)
	assert.Contains(t, cm, "2-3cm")
	assert.Contains(t, cm, "Ignore very tiny specks")
	assert.Contains(t, mm, "millimeter scale")
	assert.Contains(t, mm, "Be precise with small details")
	assert.NotContains(t, cm, "\t")
}

func TestAnalyze_DecodesResult(t *testing.T) {
	svc := &stubService{text: threeItems}
	result, err := NewAnalyzer(svc).Analyze(context.Background(), EncodedImage{Data: jpegBytes}, ModeCM)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Count)
	require.Len(t, result.Items, 3)
	assert.Equal(t, DetectedItem{ID: 1, Box: [4]float64{0.1, 0.1, 0.3, 0.3}}, result.Items[0])
	assert.Equal(t, DetectedItem{ID: 3, Box: [4]float64{0, 0, 1, 1}}, result.Items[2])
	assert.Equal(t, int64(15), result.Usage.TotalTokens)
}

func TestAnalyze_StripsDataURIPrefix(t *testing.T) {
	svc := &stubService{text: threeItems}
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(jpegBytes)

	_, err := NewAnalyzer(svc).Analyze(context.Background(), EncodedImage{Data: []byte(uri), MIMEType: "image/jpeg"}, ModeCM)
	require.NoError(t, err)

	req := svc.lastRequest()
	assert.Equal(t, jpegBytes, req.Image)
	assert.Equal(t, "image/png", req.MIMEType)
}

func TestAnalyze_DeclaresSchema(t *testing.T) {
	svc := &stubService{text: threeItems}
	_, err := NewAnalyzer(svc).Analyze(context.Background(), EncodedImage{Data: jpegBytes}, ModeCM)
	require.NoError(t, err)

	schema := svc.lastRequest().Schema
	require.NotNil(t, schema)
	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.ElementsMatch(t, []string{"count", "items"}, schema.Required)
	assert.Equal(t, genai.TypeInteger, schema.Properties["count"].Type)
	assert.Equal(t, genai.TypeString, schema.Properties["estimatedSizeCategory"].Type)

	item := schema.Properties["items"].Items
	assert.ElementsMatch(t, []string{"id", "box_2d"}, item.Required)
	assert.Equal(t, genai.TypeInteger, item.Properties["id"].Type)
	assert.Equal(t, genai.TypeString, item.Properties["label"].Type)
	assert.Equal(t, genai.TypeNumber, item.Properties["box_2d"].Items.Type)
}

func TestAnalyze_EmptyResponse(t *testing.T) {
	for _, text := range []string{"", "   \n"} {
		svc := &stubService{text: text}
		result, err := NewAnalyzer(svc).Analyze(context.Background(), EncodedImage{Data: jpegBytes}, ModeCM)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrEmptyResponse)
	}
}

func TestAnalyze_ServiceError(t *testing.T) {
	cause := errors.New("503 unavailable")
	svc := &stubService{err: cause}
	_, err := NewAnalyzer(svc).Analyze(context.Background(), EncodedImage{Data: jpegBytes}, ModeCM)

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, cause)
}

func TestAnalyze_DecodeError(t *testing.T) {
	svc := &stubService{text: "I could not find anything"}
	_, err := NewAnalyzer(svc).Analyze(context.Background(), EncodedImage{Data: jpegBytes}, ModeCM)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "I could not find anything", de.Response)
}

func TestAnalyze_NoImage(t *testing.T) {
	svc := &stubService{text: threeItems}
	_, err := NewAnalyzer(svc).Analyze(context.Background(), EncodedImage{}, ModeCM)
	assert.Error(t, err)
	assert.Empty(t, svc.requests)
}

func TestAnalyze_ConcurrentCallsAreIndependent(t *testing.T) {
	svc := &stubService{text: threeItems, delay: 10 * time.Millisecond}
	a := NewAnalyzer(svc)

	var wg sync.WaitGroup
	results := make([]*AnalysisResult, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Analyze(context.Background(), EncodedImage{Data: jpegBytes}, ModeMM)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 3, results[i].Count)
	}
	assert.Len(t, svc.requests, 8)

	// Results are not shared between calls.
	results[0].Items[0].ID = 99
	assert.Equal(t, 1, results[1].Items[0].ID)
}

func TestParseAnalysisResult(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *AnalysisResult
		wantErr bool
	}{
		{
			name: "full response",
			text: `{"count": 1, "estimatedSizeCategory": " ~2.5cm shrimp ", "items": [{"id": 7, "label": "Shrimp", "box_2d": [0.2, 0.1, 0.4, 0.3]}]}`,
			want: &AnalysisResult{
				Count:                 1,
				EstimatedSizeCategory: "~2.5cm shrimp",
				Items:                 []DetectedItem{{ID: 7, Label: "Shrimp", Box: [4]float64{0.2, 0.1, 0.4, 0.3}}},
			},
		},
		{
			name: "markdown fenced",
			text: "```json\n{\"count\": 0, \"items\": []}\n```",
			want: &AnalysisResult{Count: 0, Items: []DetectedItem{}},
		},
		{
			name: "coerces integral floats and numeric strings",
			text: `{"count": 2.0, "items": [{"id": "1", "box_2d": [0, 0, "0.5", 0.5]}, {"id": 2.0, "box_2d": [0, 0, 1, 1]}]}`,
			want: &AnalysisResult{
				Count: 2,
				Items: []DetectedItem{
					{ID: 1, Box: [4]float64{0, 0, 0.5, 0.5}},
					{ID: 2, Box: [4]float64{0, 0, 1, 1}},
				},
			},
		},
		{
			name: "out of range boxes pass through untouched",
			text: `{"count": 1, "items": [{"id": 1, "box_2d": [0.5, 0.1, 0.2, 1.4]}]}`,
			want: &AnalysisResult{Count: 1, Items: []DetectedItem{{ID: 1, Box: [4]float64{0.5, 0.1, 0.2, 1.4}}}},
		},
		{name: "malformed json", text: `{"count": 3, "items": [`, wantErr: true},
		{name: "missing count", text: `{"items": []}`, wantErr: true},
		{name: "missing items", text: `{"count": 1}`, wantErr: true},
		{name: "negative count", text: `{"count": -1, "items": []}`, wantErr: true},
		{name: "fractional id", text: `{"count": 1, "items": [{"id": 1.5, "box_2d": [0, 0, 1, 1]}]}`, wantErr: true},
		{name: "missing id", text: `{"count": 1, "items": [{"box_2d": [0, 0, 1, 1]}]}`, wantErr: true},
		{name: "short box", text: `{"count": 1, "items": [{"id": 1, "box_2d": [0, 0, 1]}]}`, wantErr: true},
		{name: "non numeric box", text: `{"count": 1, "items": [{"id": 1, "box_2d": [0, 0, "x", 1]}]}`, wantErr: true},
		{name: "missing box", text: `{"count": 1, "items": [{"id": 1}]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnalysisResult(tt.text)
			if tt.wantErr {
				var de *DecodeError
				assert.ErrorAs(t, err, &de, fmt.Sprintf("text: %s", tt.text))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"2-3cm", "CM", " coarse "} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, ModeCM, m)
	}
	for _, s := range []string{"micro", "mm", "<1cm"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, ModeMM, m)
	}
	_, err := ParseMode("huge")
	assert.Error(t, err)
}

func TestDecodeError_TruncatesOnRuneBoundary(t *testing.T) {
	// "a" shifts every two-byte rune so byte 200 falls inside one.
	err := &DecodeError{Response: "a" + strings.Repeat("é", 150), Cause: errors.New("bad")}
	msg := err.Error()
	assert.True(t, utf8.ValidString(msg))
	assert.Contains(t, msg, "(response: a"+strings.Repeat("é", 99)+"...)")
}
