package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/normalize"
	"github.com/joseph-ayodele/receipts-pipeline/internal/preprocess"
)

// FileResult is the outcome of running the extraction stages over one file
// outside the queue.
type FileResult struct {
	Preprocess    *preprocess.Result `json:"-"`
	Degraded      []string           `json:"degraded,omitempty"`
	OCRText       string             `json:"ocr_text"`
	OCRConfidence float64            `json:"ocr_confidence"`
	ModelVersion  string             `json:"model_version,omitempty"`
	ModelCalls    int                `json:"model_calls,omitempty"`
	Repaired      bool               `json:"repaired,omitempty"`
	Candidate     *entity.Candidate  `json:"candidate,omitempty"`
	Extraction    *entity.Extraction `json:"extraction,omitempty"`
	Failures      []string           `json:"validation_failures,omitempty"`
	Elapsed       time.Duration      `json:"elapsed_ns"`
}

// RecognizeFile preprocesses data and runs OCR only.
func (p *Pipeline) RecognizeFile(ctx context.Context, data []byte, mimeType string) *FileResult {
	start := time.Now()
	img := p.Preprocess.Process(data, mimeType)
	text, conf := p.OCR.ExtractText(ctx, img.Data, img.MIMEType)
	p.Logger.Info("pipeline.ocr.ok",
		"engine", p.OCR.Engine(),
		"degraded", img.Degraded,
		"chars", len(text),
		"confidence", conf,
	)
	return &FileResult{
		Preprocess:    img,
		Degraded:      img.Degraded,
		OCRText:       text,
		OCRConfidence: conf,
		Elapsed:       time.Since(start),
	}
}

// ExtractFile runs every stage a worker runs, without persistence. A
// validation failure is reported in Failures, not as an error; permanent
// extraction failures are returned as errors.
func (p *Pipeline) ExtractFile(ctx context.Context, data []byte, mimeType string) (*FileResult, error) {
	start := time.Now()
	res := p.RecognizeFile(ctx, data, mimeType)

	out, err := p.Extractor.ExtractFields(ctx, res.Preprocess.Data, res.Preprocess.MIMEType, res.OCRText)
	if err != nil {
		return res, err
	}
	res.ModelVersion, res.ModelCalls, res.Repaired = out.ModelVersion, out.Calls, out.Repaired
	res.Candidate = &out.Candidate

	ext, err := p.Normalizer.Normalize(out.Candidate)
	var failure *normalize.Failure
	switch {
	case errors.As(err, &failure):
		res.Failures = failure.Reasons
	case err != nil:
		return res, err
	default:
		ext.ModelVersion = out.ModelVersion
		ext.OCRText = res.OCRText
		res.Extraction = ext
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
