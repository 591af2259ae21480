package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm"
)

const DefaultModel = "gemini-2.5-flash"

// Config for the Gemini extraction provider.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// Client implements llm.Provider on the Gemini API.
type Client struct {
	cfg    Config
	client *genai.Client
	logger *slog.Logger
}

func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{cfg: cfg, client: client, logger: common.OrDefault(logger)}, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	start := time.Now()

	parts := []*genai.Part{{Text: req.User}}
	if len(req.Image) > 0 {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: req.MIMEType, Data: req.Image}})
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	gc := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(c.cfg.Temperature),
		ResponseMIMEType: "application/json",
	}
	if req.System != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, gc)
	if err != nil {
		c.logger.Warn("llm.gemini.generate_error",
			"model", c.cfg.Model, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return "", classify(err)
	}

	text := strings.TrimSpace(resp.Text())
	c.logger.Debug("llm.gemini.response",
		"model", c.cfg.Model, "bytes", len(text), "elapsed_ms", time.Since(start).Milliseconds())
	if text == "" {
		return "", common.NewTransientError("empty response from gemini", nil)
	}
	return text, nil
}

// classify marks rate limits, server errors and network failures as
// transient; other API errors (bad request, auth) are left permanent.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if llm.RetryableStatus(apiErr.Code) {
			return common.NewTransientError("gemini unavailable", err)
		}
		return fmt.Errorf("gemini: %w", err)
	}
	return common.NewTransientError("gemini request failed", err)
}
