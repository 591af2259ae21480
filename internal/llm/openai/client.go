package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm"
)

type chatCompletion struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Model() string { return c.cfg.Model }

// Generate implements llm.Provider using chat/completions in JSON mode. The
// receipt image, when present, is attached as a data URL.
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	user := []map[string]any{{"type": "text", "text": req.User}}
	if len(req.Image) > 0 {
		mt := req.MIMEType
		if mt == "" {
			mt = "image/png"
		}
		user = append(user, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url":    "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(req.Image),
				"detail": "high",
			},
		})
	}

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": req.System},
			{"role": "user", "content": user},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	raw, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.logger)
	if err != nil {
		return "", err
	}

	var cc chatCompletion
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Warn("llm.openai.decode_error", "error", err, "raw_bytes", len(raw))
		return "", common.NewTransientError("decode openai response", err)
	}
	if len(cc.Choices) == 0 {
		return "", common.NewTransientError("no choices in openai response", nil)
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	if content == "" {
		return "", common.NewTransientError(
			fmt.Sprintf("empty openai answer (finish_reason=%s)", cc.Choices[0].FinishReason), nil)
	}
	return content, nil
}
