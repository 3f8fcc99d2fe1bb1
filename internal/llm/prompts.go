package llm

import (
	"strings"

	"github.com/lithammer/dedent"
	"google.golang.org/genai"
)

const cmScalePrompt = `
	Analyze this image effectively.
	Task: Identify and count all distinct biological individuals or objects that appear to be roughly 2-3cm in size relative to the frame.
	Action:
	1. Draw a bounding box around each individual.
	2. Assign a unique ID to each.
	3. Count the total number.
	Ignore very tiny specks or background noise. Focus on the main subjects.
	Bounding boxes are [ymin, xmin, ymax, xmax] normalized to 0-1.`

const mmScalePrompt = `
	Analyze this image effectively.
	Task: Identify and count all distinct micro-individuals or small objects (millimeter scale).
	Action:
	1. Draw a bounding box around each small individual.
	2. Assign a unique ID to each.
	3. Count the total number.
	Be precise with small details.
	Bounding boxes are [ymin, xmin, ymax, xmax] normalized to 0-1.`

// Instruction returns the prompt for the given mode.
func Instruction(mode Mode) string {
	text := cmScalePrompt
	if mode == ModeMM {
		text = mmScalePrompt
	}
	return strings.TrimSpace(dedent.Dedent(text))
}

// ResponseSchema is the structured-output schema declared to the model.
func ResponseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"count": {
				Type:        genai.TypeInteger,
				Description: "Total number of individuals counted",
			},
			"estimatedSizeCategory": {
				Type:        genai.TypeString,
				Description: "A brief description of the size category detected",
			},
			"items": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"id": {
							Type:        genai.TypeInteger,
							Description: "Sequential ID number",
						},
						"label": {
							Type:        genai.TypeString,
							Description: "Short label, e.g., 'Fish', 'Shrimp', 'Object'",
						},
						"box_2d": {
							Type:        genai.TypeArray,
							Items:       &genai.Schema{Type: genai.TypeNumber},
							Description: "Bounding box coordinates [ymin, xmin, ymax, xmax] normalized 0-1",
						},
					},
					Required:         []string{"id", "box_2d"},
					PropertyOrdering: []string{"id", "label", "box_2d"},
				},
			},
		},
		Required:         []string{"count", "items"},
		PropertyOrdering: []string{"count", "estimatedSizeCategory", "items"},
	}
}
