package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/config"
	"github.com/raine/biocount/internal/llm"
	"github.com/raine/biocount/internal/overlay"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <image-path> [2-3cm|micro] [output-path]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  GEMINI_API_KEY - Required\n")
		fmt.Fprintf(os.Stderr, "  GEMINI_MODEL   - Optional (default %s)\n", llm.DefaultGeminiModel)
		os.Exit(1)
	}

	imagePath := os.Args[1]
	mode := llm.ModeCM
	if len(os.Args) >= 3 {
		m, err := llm.ParseMode(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v (use 2-3cm or micro)\n", err)
			os.Exit(1)
		}
		mode = m
	}
	outPath := annotatedPath(imagePath)
	if len(os.Args) >= 4 {
		outPath = os.Args[3]
	}

	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}
	frame, _, err := capture.DecodeFrame(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode image: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AnalysisTimeout)
	defer cancel()

	img, err := captureStill(ctx, frame, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to capture: %v\n", err)
		os.Exit(1)
	}

	gemini, err := llm.NewGeminiService(ctx, llm.GeminiOpts{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating Gemini service: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	result, err := llm.NewAnalyzer(gemini).Analyze(ctx, llm.EncodedImage{Data: img.Data, MIMEType: img.MIMEType}, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error analyzing image: %v\n", err)
		os.Exit(1)
	}
	printResult(result, mode, time.Since(start))

	decoded, err := img.Decode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode capture: %v\n", err)
		os.Exit(1)
	}
	annotated, err := overlay.EncodeJPEG(overlay.Render(decoded, result), cfg.JPEGQuality)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, annotated, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", outPath, err)
		os.Exit(1)
	}
	fmt.Printf("Annotated:   %s\n", outPath)
}

// captureStill runs the image through the same capture path as the service:
// a JPEG at the frame's own resolution.
func captureStill(ctx context.Context, frame image.Image, cfg *config.Config) (*capture.CapturedImage, error) {
	cam, err := capture.Activate(ctx, capture.Still{Image: frame}, cfg.Constraints(), capture.WithJPEGQuality(cfg.JPEGQuality))
	if err != nil {
		return nil, err
	}
	defer cam.Close()
	return cam.Capture(ctx)
}

func printResult(result *llm.AnalysisResult, mode llm.Mode, elapsed time.Duration) {
	fmt.Printf("Mode:        %s\n", mode)
	fmt.Printf("Count:       %d\n", result.Count)
	if result.EstimatedSizeCategory != "" {
		fmt.Printf("Size:        %s\n", result.EstimatedSizeCategory)
	}
	for _, item := range result.Items {
		label := item.Label
		if label == "" {
			label = "-"
		}
		fmt.Printf("  #%-3d %-20s [%.3f %.3f %.3f %.3f]\n", item.ID, label, item.Box[0], item.Box[1], item.Box[2], item.Box[3])
	}
	fmt.Println()
	fmt.Printf("Tokens:      %d in / %d out / %d total\n",
		result.Usage.InputTokens, result.Usage.OutputTokens, result.Usage.TotalTokens)
	fmt.Printf("Cost:        $%.6f\n", result.Usage.CostUSD)
	fmt.Printf("Elapsed:     %s\n", elapsed.Round(time.Millisecond))
}

func annotatedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".annotated.jpg"
}
