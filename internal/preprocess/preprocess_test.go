package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
)

// receiptLike draws dark "text lines" made of word blocks on a white page,
// inset from the edges.
func receiptLike(w, h int) *image.NRGBA {
	img := imaging.New(w, h, color.White)
	for y := 40; y+8 < h-40; y += 22 {
		for x := 40; x+30 < w-40; x += 42 {
			for dy := 0; dy < 8; dy++ {
				for dx := 0; dx < 30; dx++ {
					img.Set(x+dx, y+dy, color.Black)
				}
			}
		}
	}
	return img
}

func encode(img image.Image) []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Preprocessor", func() {
	var p *Preprocessor

	BeforeEach(func() {
		p = New(DefaultOptions(), nil)
	})

	It("passes undecodable input through untouched", func() {
		data := []byte("definitely not an image")
		res := p.Process(data, constants.MIMEJPEG)
		Expect(res.Data).To(Equal(data))
		Expect(res.MIMEType).To(Equal(constants.MIMEJPEG))
		Expect(res.Degraded).To(ConsistOf(StageDecode))
	})

	It("flags stages it cannot be confident about on a blank page", func() {
		res := p.Process(encode(imaging.New(200, 300, color.White)), constants.MIMEPNG)
		Expect(res.MIMEType).To(Equal(constants.MIMEPNG))
		Expect(res.Degraded).To(ConsistOf(StageDeskew, StageCrop, StageContrast))

		_, err := png.Decode(bytes.NewReader(res.Data))
		Expect(err).NotTo(HaveOccurred())
	})

	It("crops to the printed area", func() {
		res := p.Process(encode(receiptLike(400, 500)), constants.MIMEPNG)
		Expect(res.Degraded).To(BeEmpty())
		Expect(res.Width).To(BeNumerically("<", 400))
		Expect(res.Height).To(BeNumerically("<", 500))
	})

	It("honours skipped stages", func() {
		opts := DefaultOptions()
		opts.SkipCrop = true
		opts.SkipDeskew = true
		res := New(opts, nil).Process(encode(receiptLike(400, 500)), constants.MIMEPNG)
		Expect(res.Degraded).To(BeEmpty())
		Expect(res.Width).To(Equal(400))
		Expect(res.Height).To(Equal(500))
	})

	It("straightens a rotated page", func() {
		skewed := imaging.Rotate(receiptLike(500, 400), 4, color.White)
		res := p.Process(encode(skewed), constants.MIMEPNG)
		Expect(res.IsDegraded(StageDeskew)).To(BeFalse())
		Expect(math.Abs(res.SkewDeg)).To(BeNumerically("~", 4, 1))
	})
})

var _ = Describe("EstimateSkew", func() {
	It("reports no rotation for straight text", func() {
		angle, ok := EstimateSkew(receiptLike(500, 400), 10, 0.5)
		Expect(ok).To(BeTrue())
		Expect(angle).To(BeZero())
	})

	It("refuses to guess on an empty page", func() {
		_, ok := EstimateSkew(imaging.New(100, 100, color.White), 10, 0.5)
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("otsu", func() {
	It("separates a two-tone histogram", func() {
		var hist [256]float64
		hist[20], hist[230] = 0.3, 0.7
		t := otsu(hist)
		Expect(t).To(BeNumerically(">", 20))
		Expect(t).To(BeNumerically("<=", 230))
	})
})
