package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.5-flash"

const systemPrompt = `Return bounding boxes as a JSON array of objects with "box_2d" and "label".
box_2d is [ymin, xmin, ymax, xmax] normalized to 0-1000.
Never return masks.
If an object is present multiple times, give each object a unique label
according to its distinct characteristics (action, colors, size, position, etc..).`

// Gemini detects elements with a Gemini vision model.
type Gemini struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

var _ Detector = (*Gemini)(nil)

func NewGemini(ctx context.Context, apiKey, model string, logger zerolog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, model: model, logger: logger.With().Str("comp", "vision").Logger()}, nil
}

func (g *Gemini) Detect(ctx context.Context, image []byte, mimeType, prompt string) ([]Detection, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	full := systemPrompt
	if p := strings.TrimSpace(prompt); p != "" {
		full += "\n\nAdditional context: " + p
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(full),
			genai.NewPartFromBytes(image, mimeType),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature:    genai.Ptr[float32](0.5),
		CandidateCount: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	dets := ParseDetections(text)
	g.logger.Debug().Str("model", g.model).Int("detections", len(dets)).Msg("vision reply parsed")
	return dets, nil
}
