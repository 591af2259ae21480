package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
)

const transcribePrompt = `Transcribe all text printed on this receipt exactly as it appears, line by line.
Do not summarize, translate or add commentary. Return plain text only.`

// Gemini transcribes receipts with a Gemini vision model.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
	logger *slog.Logger
}

func NewGemini(ctx context.Context, apiKey, modelName string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	return &Gemini{client: client, model: model, name: modelName, logger: logger}, nil
}

func (g *Gemini) Name() string { return EngineGemini }

func (g *Gemini) Recognize(ctx context.Context, image []byte, mimeType string) (string, float64, error) {
	// genai.ImageData expects just the format suffix (e.g. "png")
	format := strings.TrimPrefix(constants.NormalizeMIME(mimeType), "image/")
	if format == "" || strings.Contains(format, "/") {
		format = "png"
	}
	resp, err := g.model.GenerateContent(ctx, genai.ImageData(format, image), genai.Text(transcribePrompt))
	if err != nil {
		return "", 0, fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", 0, fmt.Errorf("no response from gemini")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	// the model does not score transcriptions
	return b.String(), 0, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}
