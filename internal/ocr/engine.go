// Package ocr turns a preprocessed receipt image into text and a confidence
// score through interchangeable engines.
package ocr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

// Engine names accepted by NewEngine.
const (
	EngineTesseract = "tesseract"
	EngineGemini    = "gemini"
	EngineNone      = "none"
)

// Engine recognizes text in an image. Confidence is in [0,1]; engines that
// cannot score their output return 0.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte, mimeType string) (text string, confidence float64, err error)
}

// Closer is implemented by engines holding client connections.
type Closer interface {
	Close() error
}

// NewEngine builds the engine named in cfg.
func NewEngine(ctx context.Context, cfg common.OCRConfig, logger *slog.Logger) (Engine, error) {
	logger = common.OrDefault(logger)
	switch cfg.Engine {
	case EngineTesseract, "":
		return NewTesseract(TesseractConfig{
			Binary:      cfg.TesseractPath,
			Lang:        cfg.Lang,
			TessdataDir: cfg.TessdataDir,
		}, nil, logger), nil
	case EngineGemini:
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	case EngineNone:
		return None{}, nil
	default:
		return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown OCR engine %q", cfg.Engine), common.ErrInvalidInput)
	}
}

// None is the engine used when OCR is disabled.
type None struct{}

func (None) Name() string { return EngineNone }

func (None) Recognize(context.Context, []byte, string) (string, float64, error) {
	return "", 0, nil
}
