package main

import (
	"context"
	"encoding/json"
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
	fs := ff.NewFlagSet("llm")
	var (
		provider = fs.StringLong("provider", "", "model provider: openai or gemini (overrides LLM_PROVIDER)")
		model    = fs.StringLong("model", "", "model name (overrides LLM_MODEL)")
		times    = fs.IntLong("times", 1, "run the extraction this many times to compare answers")
		timeout  = fs.DurationLong("timeout", 5*time.Minute, "overall timeout")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("LLM_CLI")); err != nil || len(fs.GetArgs()) != 1 {
		fmt.Fprintf(os.Stderr, "usage: llm [flags] <file>\n\n%s\n", ffhelp.Flags(fs))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(2)
	}
	path := fs.GetArgs()[0]

	_ = common.LoadEnvFiles()
	cfg := common.LoadConfig()
	if *provider != "" {
		cfg.LLM.Provider = *provider
	}
	if *model != "" {
		cfg.LLM.Model = *model
	}
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, path, max(*times, 1), logger); err != nil {
		logger.Error("llm.cli.failed", "path", path, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, path string, times int, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType, ok := constants.MIMEForExt(filepath.Ext(path))
	if !ok {
		mimeType = constants.SniffMIME(data)
	}

	p, err := pipeline.Build(ctx, cfg, logger, pipeline.WithExtraction())
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	failures := 0
	for i := 1; i <= times; i++ {
		res, err := p.ExtractFile(ctx, data, mimeType)
		if err != nil {
			failures++
			logger.Error("llm.cli.run_failed", "run", i, "error", err)
			continue
		}
		if len(res.Failures) > 0 {
			failures++
		}
		logger.Info("llm.cli.run_ok", "run", i, "calls", res.ModelCalls, "repaired", res.Repaired,
			"elapsed_ms", res.Elapsed.Milliseconds())
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if failures == times {
		return fmt.Errorf("all %d runs failed", times)
	}
	return nil
}
