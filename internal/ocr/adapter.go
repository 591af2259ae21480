package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

var tracer = otel.Tracer("github.com/joseph-ayodele/receipts-pipeline/internal/ocr")

// Adapter bounds an Engine with a per-call timeout and never fails: on
// timeout or engine error it yields ("", 0).
type Adapter struct {
	engine  Engine
	timeout time.Duration
	logger  *slog.Logger
}

func NewAdapter(engine Engine, timeout time.Duration, logger *slog.Logger) *Adapter {
	if engine == nil {
		engine = None{}
	}
	return &Adapter{engine: engine, timeout: timeout, logger: common.OrDefault(logger)}
}

func (a *Adapter) Engine() string { return a.engine.Name() }

type recognized struct {
	text string
	conf float64
	err  error
}

// ExtractText returns normalized text and a confidence in [0,1].
func (a *Adapter) ExtractText(ctx context.Context, image []byte, mimeType string) (string, float64) {
	ctx, span := tracer.Start(ctx, "ocr.extract_text")
	defer span.End()
	span.SetAttributes(attribute.String("ocr.engine", a.engine.Name()))

	ctx, cancel := common.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan recognized, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- recognized{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		text, conf, err := a.engine.Recognize(ctx, image, mimeType)
		done <- recognized{text: text, conf: conf, err: err}
	}()

	var res recognized
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	elapsed := time.Since(start).Milliseconds()
	if res.err != nil {
		a.logger.Warn("ocr.extract.failed", "engine", a.engine.Name(), "elapsed_ms", elapsed, "error", res.err)
		span.RecordError(res.err)
		return "", 0
	}

	text := Normalize(res.text)
	if text == "" {
		return "", 0
	}
	conf := blend(clamp01(res.conf), HeuristicConfidence(text))
	a.logger.Debug("ocr.extract.ok", "engine", a.engine.Name(), "elapsed_ms", elapsed, "chars", len(text), "confidence", conf)
	return text, conf
}
