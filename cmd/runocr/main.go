package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/pipeline"
)

func main() {
	fs := ff.NewFlagSet("runocr")
	var (
		engine  = fs.StringLong("engine", "", "OCR engine: tesseract, gemini or none (overrides OCR_ENGINE)")
		timeout = fs.DurationLong("timeout", 2*time.Minute, "overall timeout")
		raw     = fs.BoolLong("raw", "skip preprocessing and OCR the file as is")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("RUNOCR")); err != nil || len(fs.GetArgs()) != 1 {
		fmt.Fprintf(os.Stderr, "usage: runocr [flags] <file>\n\n%s\n", ffhelp.Flags(fs))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(2)
	}
	path := fs.GetArgs()[0]

	_ = common.LoadEnvFiles()
	cfg := common.LoadConfig()
	if *engine != "" {
		cfg.OCR.Engine = *engine
	}
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, path, *raw, logger); err != nil {
		logger.Error("runocr.failed", "path", path, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, path string, raw bool, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType, ok := constants.MIMEForExt(filepath.Ext(path))
	if !ok {
		mimeType = constants.SniffMIME(data)
	}

	p, err := pipeline.Build(ctx, cfg, logger, pipeline.WithOCR())
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	var (
		text string
		conf float64
	)
	start := time.Now()
	if raw {
		text, conf = p.OCR.ExtractText(ctx, data, mimeType)
	} else {
		res := p.RecognizeFile(ctx, data, mimeType)
		text, conf = res.OCRText, res.OCRConfidence
		if len(res.Degraded) > 0 {
			logger.Warn("runocr.preprocess.degraded", "steps", res.Degraded)
		}
	}
	logger.Info("runocr.ok",
		"engine", p.OCR.Engine(),
		"mime", mimeType,
		"chars", len(text),
		"confidence", fmt.Sprintf("%.3f", conf),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	fmt.Println(text)
	return nil
}
