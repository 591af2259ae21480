// Package preprocess normalizes receipt images before OCR and extraction.
// Every stage is best effort: a stage that fails or is not confident leaves
// the image unchanged and is reported in Result.Degraded.
package preprocess

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

// Stage names reported in Result.Degraded.
const (
	StageDecode   = "decode"
	StageDeskew   = "deskew"
	StageDenoise  = "denoise"
	StageCrop     = "crop"
	StageContrast = "contrast"
	StageEncode   = "encode"
)

type Options struct {
	SkipDeskew   bool
	SkipDenoise  bool
	SkipCrop     bool
	SkipContrast bool

	MaxSkewDegrees float64 // search range for deskew, both directions
	SkewStep       float64
	DenoiseSigma   float64
	CropMargin     float64 // fraction of the content box added on each side
	MinContentArea float64 // crops smaller than this fraction of the image are rejected
	MaxDimension   int     // larger inputs are downscaled first; 0 disables
}

func DefaultOptions() Options {
	return Options{
		MaxSkewDegrees: 10,
		SkewStep:       0.5,
		DenoiseSigma:   0.6,
		CropMargin:     0.02,
		MinContentArea: 0.05,
		MaxDimension:   3000,
	}
}

// Result is the normalized image plus quality flags.
type Result struct {
	Data     []byte // PNG, or the original bytes when decoding failed
	MIMEType string
	Width    int
	Height   int
	Degraded []string
	SkewDeg  float64
}

// IsDegraded reports whether stage was passed through.
func (r *Result) IsDegraded(stage string) bool {
	for _, s := range r.Degraded {
		if s == stage {
			return true
		}
	}
	return false
}

type Preprocessor struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Preprocessor {
	return &Preprocessor{opts: opts, logger: common.OrDefault(logger)}
}

// stageFunc returns the transformed image and whether it is confident in it.
type stageFunc func(img image.Image) (image.Image, bool, error)

// Process runs decode and the four stages. It never fails: undecodable input
// comes back unchanged with StageDecode degraded.
func (p *Preprocessor) Process(data []byte, mimeType string) *Result {
	res := &Result{Data: data, MIMEType: constants.NormalizeMIME(mimeType)}

	src, err := Decode(data, mimeType)
	if err != nil {
		p.logger.Warn("preprocess.decode.failed", "mime", mimeType, "error", err)
		res.Degraded = append(res.Degraded, StageDecode)
		return res
	}

	var img image.Image = imaging.Grayscale(src)
	if p.opts.MaxDimension > 0 {
		b := img.Bounds()
		if b.Dx() > p.opts.MaxDimension || b.Dy() > p.opts.MaxDimension {
			img = imaging.Fit(img, p.opts.MaxDimension, p.opts.MaxDimension, imaging.Lanczos)
		}
	}

	stages := []struct {
		name string
		skip bool
		fn   stageFunc
	}{
		{StageDeskew, p.opts.SkipDeskew, func(in image.Image) (image.Image, bool, error) {
			out, angle, ok := p.deskew(in)
			res.SkewDeg = angle
			return out, ok, nil
		}},
		{StageDenoise, p.opts.SkipDenoise, p.denoise},
		{StageCrop, p.opts.SkipCrop, p.crop},
		{StageContrast, p.opts.SkipContrast, p.contrast},
	}
	for _, st := range stages {
		if st.skip {
			continue
		}
		out, ok, err := runStage(st.fn, img)
		if err != nil || !ok {
			p.logger.Debug("preprocess.stage.degraded", "stage", st.name, "error", err)
			res.Degraded = append(res.Degraded, st.name)
			continue
		}
		img = out
	}

	encoded, err := EncodePNG(img)
	if err != nil {
		p.logger.Warn("preprocess.encode.failed", "error", err)
		res.Degraded = append(res.Degraded, StageEncode)
		return res
	}
	b := img.Bounds()
	res.Data, res.MIMEType = encoded, constants.MIMEPNG
	res.Width, res.Height = b.Dx(), b.Dy()
	return res
}

func runStage(fn stageFunc, in image.Image) (out image.Image, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, ok, err = in, false, fmt.Errorf("stage panic: %v", r)
		}
	}()
	return fn(in)
}
