package preprocess

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

const (
	skewSampleWidth = 600
	minInkFraction  = 0.002
	// the best angle must beat the unrotated profile by this factor
	minSkewGain = 1.05
)

// deskew estimates the text angle with a projection profile: the rotation
// that maximizes the variance of row ink counts aligns text lines with rows.
func (p *Preprocessor) deskew(img image.Image) (image.Image, float64, bool) {
	angle, ok := EstimateSkew(img, p.opts.MaxSkewDegrees, p.opts.SkewStep)
	if !ok {
		return img, 0, false
	}
	if math.Abs(angle) < p.opts.SkewStep/2 {
		return img, 0, true
	}
	return imaging.Rotate(img, angle, color.White), angle, true
}

// EstimateSkew returns the rotation in degrees (counter-clockwise, as taken by
// imaging.Rotate) that straightens img, and false when the estimate is not
// trustworthy.
func EstimateSkew(img image.Image, maxDeg, step float64) (float64, bool) {
	if step <= 0 || maxDeg <= 0 {
		return 0, false
	}
	small := imaging.Fit(img, skewSampleWidth, skewSampleWidth, imaging.Box)
	threshold := otsu(imaging.Histogram(small))
	if inkFraction(small, threshold) < minInkFraction {
		return 0, false
	}

	base := profileScore(small, threshold)
	best, bestScore := 0.0, base
	for a := -maxDeg; a <= maxDeg+1e-9; a += step {
		if math.Abs(a) < 1e-9 {
			continue
		}
		score := profileScore(imaging.Rotate(small, a, color.White), threshold)
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	if best == 0 {
		return 0, true
	}
	if base > 0 && bestScore/base < minSkewGain {
		return 0, false
	}
	return best, true
}

// profileScore is the variance of per-row ink counts.
func profileScore(img image.Image, threshold uint8) float64 {
	b := img.Bounds()
	rows := make([]float64, 0, b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		n := 0.0
		for x := b.Min.X; x < b.Max.X; x++ {
			if luma(img.At(x, y)) < threshold {
				n++
			}
		}
		rows = append(rows, n)
	}
	return variance(rows)
}

func (p *Preprocessor) denoise(img image.Image) (image.Image, bool, error) {
	b := img.Bounds()
	if b.Dx() < 3 || b.Dy() < 3 || p.opts.DenoiseSigma <= 0 {
		return img, false, nil
	}
	return imaging.Blur(img, p.opts.DenoiseSigma), true, nil
}

// crop trims to the bounding box of dark pixels plus a margin.
func (p *Preprocessor) crop(img image.Image) (image.Image, bool, error) {
	threshold := otsu(imaging.Histogram(img))
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if luma(img.At(x, y)) < threshold {
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
			}
		}
	}
	if maxX < minX || maxY < minY {
		return img, false, nil
	}
	mx := int(float64(maxX-minX+1) * p.opts.CropMargin)
	my := int(float64(maxY-minY+1) * p.opts.CropMargin)
	rect := image.Rect(minX-mx, minY-my, maxX+mx+1, maxY+my+1).Intersect(b)

	area := float64(rect.Dx()*rect.Dy()) / float64(b.Dx()*b.Dy())
	if area < p.opts.MinContentArea {
		return img, false, nil
	}
	if rect.Eq(b) {
		return img, true, nil
	}
	return imaging.Crop(img, rect), true, nil
}

// contrast stretches the 1st..99th luminance percentiles to full range.
func (p *Preprocessor) contrast(img image.Image) (image.Image, bool, error) {
	hist := imaging.Histogram(img)
	lo, hi := percentile(hist, 0.01), percentile(hist, 0.99)
	if hi-lo < 8 {
		return img, false, nil
	}
	scale := 255.0 / float64(hi-lo)
	stretch := func(v uint8) uint8 {
		f := (float64(v) - float64(lo)) * scale
		return uint8(math.Max(0, math.Min(255, math.Round(f))))
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: stretch(c.R), G: stretch(c.G), B: stretch(c.B), A: c.A}
	}), true, nil
}

func luma(c color.Color) uint8 {
	return color.GrayModel.Convert(c).(color.Gray).Y
}

func inkFraction(img image.Image, threshold uint8) float64 {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if luma(img.At(x, y)) < threshold {
				n++
			}
		}
	}
	return float64(n) / float64(total)
}

// otsu picks the threshold maximizing between-class variance of a normalized
// histogram. A flat histogram yields 0, which classifies nothing as ink.
func otsu(hist [256]float64) uint8 {
	var sumAll float64
	for i, h := range hist {
		sumAll += float64(i) * h
	}
	var (
		wB, sumB, best float64
		threshold      int
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := 1 - wB
		if wF <= 1e-12 {
			break
		}
		sumB += float64(t) * hist[t]
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best, threshold = between, t+1
		}
	}
	if threshold > 255 {
		threshold = 255
	}
	return uint8(threshold)
}

func percentile(hist [256]float64, q float64) int {
	acc := 0.0
	for i, h := range hist {
		acc += h
		if acc >= q {
			return i
		}
	}
	return 255
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}
