package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/utils"
)

// maxStderrLog caps how much tesseract stderr reaches the log.
const maxStderrLog = 8 << 10

// Runner executes the OCR binary and returns its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.logger.Warn("ocr.tesseract.exec_failed",
			"binary", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
			"stderr", utils.Truncate(errb.String(), maxStderrLog))
	} else {
		r.logger.Debug("ocr.tesseract.exec_ok",
			"binary", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"stdout_bytes", out.Len())
	}
	return out.Bytes(), errb.Bytes(), err
}

type TesseractConfig struct {
	Binary      string // binary name or absolute path; if empty -> "tesseract"
	Lang        string // default "eng"
	TessdataDir string
	PSM         int // default 6, a uniform block of text
	OEM         int // default 3, whatever engine is available
}

// Tesseract runs the tesseract CLI in TSV mode and rebuilds the text from the
// word rows, so text and confidence come from one invocation.
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
	logger *slog.Logger
}

func NewTesseract(cfg TesseractConfig, runner Runner, logger *slog.Logger) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	if cfg.PSM <= 0 {
		cfg.PSM = 6
	}
	if cfg.OEM <= 0 {
		cfg.OEM = 3
	}
	logger = common.OrDefault(logger)
	if runner == nil {
		runner = execRunner{logger: logger}
	}
	return &Tesseract{cfg: cfg, runner: runner, logger: logger}
}

func (t *Tesseract) Name() string { return EngineTesseract }

func (t *Tesseract) Recognize(ctx context.Context, image []byte, _ string) (string, float64, error) {
	f, err := os.CreateTemp("", "receipt-ocr-*.png")
	if err != nil {
		return "", 0, fmt.Errorf("tesseract: temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(image); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("tesseract: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("tesseract: close temp file: %w", err)
	}

	args := []string{f.Name(), "stdout", "-l", t.cfg.Lang,
		"--oem", strconv.Itoa(t.cfg.OEM), "--psm", strconv.Itoa(t.cfg.PSM)}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		return "", 0, fmt.Errorf("tesseract: %w: %s", err, utils.Truncate(string(errb), 512))
	}
	text, conf := ParseTSV(string(out))
	return reBoxNoise.ReplaceAllString(text, ""), conf, nil
}

// ParseTSV rebuilds line-broken text from tesseract TSV output and returns the
// mean word confidence scaled to [0,1].
func ParseTSV(tsv string) (string, float64) {
	var (
		b        strings.Builder
		sum, n   float64
		lastLine = ""
	)
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue // header
		}
		cols := strings.Split(strings.TrimRight(ln, "\r"), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue // word rows only
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		lineKey := cols[1] + "." + cols[2] + "." + cols[3] + "." + cols[4]
		switch {
		case b.Len() == 0:
		case lineKey != lastLine:
			b.WriteByte('\n')
		default:
			b.WriteByte(' ')
		}
		lastLine = lineKey
		b.WriteString(word)

		if c, err := strconv.ParseFloat(cols[10], 64); err == nil && c >= 0 {
			sum += c
			n++
		}
	}
	if n == 0 {
		return b.String(), 0
	}
	return b.String(), clamp01(sum / n / 100)
}
