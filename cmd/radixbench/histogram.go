package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/gogpu/gpusort/radix"
)

const (
	histogramBins   = 64
	histogramWidth  = 800
	histogramHeight = 400
	marginTop       = 36
	marginBottom    = 24
	marginSide      = 16
	labelSize       = 14
)

var (
	background = color.RGBA{0x20, 0x22, 0x28, 0xff}
	barColor   = color.RGBA{0x4c, 0x9a, 0xff, 0xff}
	labelColor = image.NewUniform(color.RGBA{0xe0, 0xe0, 0xe0, 0xff})
)

// histogram counts sorted keys per equal-width key range.
type histogram struct {
	bins    []int
	keyBits int
}

// newHistogram buckets records by the top bits of their keyBits-wide key.
// records must be sorted; buckets are then filled in order.
func newHistogram(records []radix.Record, keyBits, bins int) *histogram {
	h := &histogram{bins: make([]int, bins), keyBits: keyBits}
	span := uint64(keyMask(keyBits)) + 1
	for _, r := range records {
		b := uint64(r.Key) * uint64(bins) / span
		h.bins[b]++
	}
	return h
}

func (h *histogram) peak() int {
	m := 0
	for _, c := range h.bins {
		m = max(m, c)
	}
	return m
}

// render draws one bar per bin with a title above and the key range below.
func (h *histogram) render(title string) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, histogramWidth, histogramHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	plotW := histogramWidth - 2*marginSide
	plotH := histogramHeight - marginTop - marginBottom
	peak := h.peak()
	barW := plotW / len(h.bins)
	for i, c := range h.bins {
		if peak == 0 || c == 0 {
			continue
		}
		height := max(c*plotH/peak, 1)
		x0 := marginSide + i*barW
		r := image.Rect(x0, marginTop+plotH-height, x0+max(barW-1, 1), marginTop+plotH)
		draw.Draw(img, r, image.NewUniform(barColor), image.Point{}, draw.Src)
	}

	face, err := labelFace()
	if err != nil {
		return nil, err
	}
	defer face.Close()

	d := font.Drawer{Dst: img, Src: labelColor, Face: face}
	d.Dot = fixed.P(marginSide, marginTop-12)
	d.DrawString(fmt.Sprintf("%s, peak %d", title, peak))

	d.Dot = fixed.P(marginSide, histogramHeight-6)
	d.DrawString("0")
	last := fmt.Sprintf("%#x", keyMask(h.keyBits))
	d.Dot = fixed.P(histogramWidth-marginSide-d.MeasureString(last).Round(), histogramHeight-6)
	d.DrawString(last)
	return img, nil
}

func (h *histogram) writePNG(path, title string) error {
	img, err := h.render(title)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func labelFace() (font.Face, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse label font: %w", err)
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    labelSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}
