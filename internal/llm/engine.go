package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

var tracer = otel.Tracer("github.com/joseph-ayodele/receipts-pipeline/internal/llm")

// Heuristic confidences used when the model does not report a score.
const (
	ConfidenceSeenInText = 0.8
	ConfidenceDefault    = 0.5
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 8 * time.Second
)

// EngineConfig bounds the calls an Engine makes per extraction.
type EngineConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	CallTimeout       time.Duration
	AllowedCategories []string
	DefaultCurrency   string
}

// EngineConfigFrom maps service configuration onto an EngineConfig.
func EngineConfigFrom(l common.LLMConfig, v common.ValidationConfig) EngineConfig {
	return EngineConfig{
		MaxAttempts:       l.MaxAttempts,
		BackoffBase:       l.BackoffBase,
		BackoffMax:        l.BackoffMax,
		CallTimeout:       l.Timeout,
		AllowedCategories: constants.AsStringSlice(),
		DefaultCurrency:   v.DefaultCurrency,
	}
}

// Engine turns a receipt image plus OCR hint text into a structurally valid
// candidate. Transient provider failures are retried with exponential backoff;
// invalid output gets one repair re-prompt. Anything else ends in a permanent
// extraction_failed error.
type Engine struct {
	provider Provider
	cfg      EngineConfig
	schema   map[string]any
	system   string
	logger   *slog.Logger
}

func NewEngine(provider Provider, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	// categories are only suggested to the model; the normalizer maps free-form
	// labels onto them, so the schema leaves the field open
	system := BuildSystemPrompt(PromptOptions{
		AllowedCategories: cfg.AllowedCategories,
		DefaultCurrency:   cfg.DefaultCurrency,
	})
	return &Engine{
		provider: provider,
		cfg:      cfg,
		schema:   BuildReceiptJSONSchema(nil),
		system:   system,
		logger:   common.OrDefault(logger),
	}
}

// ModelVersion identifies the provider and model behind this engine.
func (e *Engine) ModelVersion() string {
	return e.provider.Name() + "/" + e.provider.Model()
}

func (e *Engine) ExtractFields(ctx context.Context, image []byte, mimeType, hintText string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "llm.extract_fields")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", e.provider.Name()),
		attribute.String("llm.model", e.provider.Model()),
	)

	start := time.Now()
	user := BuildUserPrompt(hintText, e.schema)
	req := Request{System: e.system, User: user, Image: image, MIMEType: mimeType, Schema: e.schema}
	res := &Result{ModelVersion: e.ModelVersion()}

	text, err := e.generate(ctx, req, res)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	cand, raw, dropped, verr := e.parse(text)
	if verr != nil {
		e.logger.Warn("llm.extract.invalid_output",
			"model", res.ModelVersion, "error", verr, "bytes", len(text))
		res.Repaired = true
		req.User = BuildRepairPrompt(user, text, verr)
		if text, err = e.generate(ctx, req, res); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if cand, raw, dropped, verr = e.parse(text); verr != nil {
			e.logger.Error("llm.extract.repair_failed",
				"model", res.ModelVersion, "error", verr, "calls", res.Calls)
			span.RecordError(verr)
			return nil, common.NewPermanentError(constants.ErrorDetailExtractionFailed,
				fmt.Errorf("invalid output after repair: %w", verr))
		}
	}

	cand.Confidence = NormalizeConfidence(cand, hintText)
	res.Candidate = cand
	res.Raw = raw
	res.Dropped = dropped

	e.logger.Info("llm.extract.ok",
		"model", res.ModelVersion,
		"calls", res.Calls,
		"repaired", res.Repaired,
		"vendor", cand.Vendor,
		"total", cand.TotalAmount,
		"currency", cand.Currency,
		"line_items", len(cand.LineItems),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// generate calls the provider, retrying transient failures up to MaxAttempts.
func (e *Engine) generate(ctx context.Context, req Request, res *Result) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := common.Backoff(e.cfg.BackoffBase, e.cfg.BackoffMax, attempt-1)
			e.logger.Warn("llm.extract.retry",
				"model", res.ModelVersion, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", lastErr)
			if err := common.Sleep(ctx, delay); err != nil {
				return "", common.NewTransientError("extraction interrupted", err)
			}
		}

		res.Calls++
		callCtx, cancel := common.WithTimeout(ctx, e.cfg.CallTimeout)
		text, err := e.provider.Generate(callCtx, req)
		cancel()
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", common.NewTransientError("extraction interrupted", ctx.Err())
		}
		if !isTransient(err) {
			e.logger.Error("llm.extract.provider_error", "model", res.ModelVersion, "error", err)
			return "", common.NewPermanentError(constants.ErrorDetailExtractionFailed, err)
		}
		lastErr = err
	}
	e.logger.Error("llm.extract.retries_exhausted",
		"model", res.ModelVersion, "attempts", e.cfg.MaxAttempts, "error", lastErr)
	return "", common.NewPermanentError(constants.ErrorDetailExtractionFailed,
		fmt.Errorf("retries exhausted after %d attempts: %w", e.cfg.MaxAttempts, lastErr))
}

// parse cleans, validates and decodes a model answer. Strict validation is
// tried first; a sanitized copy is accepted when only optional noise was wrong.
func (e *Engine) parse(text string) (entity.Candidate, json.RawMessage, []string, error) {
	clean := []byte(CleanModelJSON(text))
	if !json.Valid(clean) {
		return entity.Candidate{}, nil, nil, errors.New("output is not valid JSON")
	}

	var dropped []string
	if err := ValidateJSONAgainstSchema(e.schema, clean); err != nil {
		sanitized, d, sErr := SanitizeOptionalFields(clean)
		if sErr != nil {
			return entity.Candidate{}, nil, nil, err
		}
		if vErr := ValidateJSONAgainstSchema(e.schema, sanitized); vErr != nil {
			return entity.Candidate{}, nil, nil, vErr
		}
		e.logger.Warn("llm.extract.lenient_sanitize_applied", "dropped", d)
		clean, dropped = sanitized, d
	}

	var cand entity.Candidate
	if err := json.Unmarshal(clean, &cand); err != nil {
		return entity.Candidate{}, nil, nil, fmt.Errorf("decode candidate: %w", err)
	}
	return cand, json.RawMessage(clean), dropped, nil
}

func isTransient(err error) bool {
	return common.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// NormalizeConfidence rescales model scores to [0,1] (a map with any value
// above 1 is read as percentages), keeps only fields the candidate actually
// carries and fills missing scores heuristically from the OCR hint.
func NormalizeConfidence(c entity.Candidate, hintText string) map[string]float64 {
	scale := 1.0
	for _, v := range c.Confidence {
		if v > 1 {
			scale = 100
			break
		}
	}

	hint := strings.ToLower(hintText)
	out := make(map[string]float64)
	for _, field := range entity.CandidateFields() {
		value := c.Value(field)
		if field == entity.FieldLineItems {
			if len(c.LineItems) == 0 {
				continue
			}
		} else if value == "" {
			continue
		}

		if v, ok := c.Confidence[field]; ok {
			out[field] = Clamp01(v / scale)
			continue
		}
		out[field] = ConfidenceDefault
		if value != "" && hint != "" && strings.Contains(hint, strings.ToLower(value)) {
			out[field] = ConfidenceSeenInText
		}
	}
	return out
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
