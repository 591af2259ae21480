// Package provider selects the extraction model backend from configuration.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm/gemini"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm/openai"
)

const (
	OpenAI = "openai"
	Gemini = "gemini"
)

// New returns the llm.Provider named by cfg.Provider.
func New(ctx context.Context, cfg common.LLMConfig, logger *slog.Logger) (llm.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case OpenAI, "":
		return openai.NewClient(openai.ConfigFrom(cfg), logger), nil
	case Gemini:
		c, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// NewEngine builds the provider and wraps it in an extraction engine.
func NewEngine(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*llm.Engine, error) {
	p, err := New(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	return llm.NewEngine(p, llm.EngineConfigFrom(cfg.LLM, cfg.Validation), logger), nil
}
