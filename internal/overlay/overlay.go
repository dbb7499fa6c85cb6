// Package overlay renders a Grad-CAM heatmap onto the original image
// through the jet colormap.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/osteovision/koa-api/internal/gradcam"
)

// DefaultAlpha matches the original application's blend strength.
const DefaultAlpha = 0.4

// ErrInvalidAlpha reports a blend factor outside [0,1].
var ErrInvalidAlpha = errors.New("blend alpha out of range")

// jetLUT is the 256-entry blue→cyan→yellow→red lookup table, generated
// once from the standard piecewise-linear jet formula.
var jetLUT = makeJetLUT()

func makeJetLUT() [256][3]uint8 {
	var lut [256][3]uint8
	for i := 0; i < 256; i++ {
		x := float64(i) / 255
		lut[i] = [3]uint8{
			jetChannel(4*x - 3),
			jetChannel(4*x - 2),
			jetChannel(4*x - 1),
		}
	}
	return lut
}

// jetChannel is the tent function clamp(1.5 - |d|) each jet color
// channel follows at its own offset.
func jetChannel(d float64) uint8 {
	if d < 0 {
		d = -d
	}
	v := 1.5 - d
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint8(v*255 + 0.5)
}

// Jet returns the colormap entry for an 8-bit intensity level.
func Jet(level uint8) (r, g, b uint8) {
	e := jetLUT[level]
	return e[0], e[1], e[2]
}

// Render maps the heatmap through the jet colormap at its native
// resolution, upscales both the colorized map and the raw intensities
// to the original image's resolution with bilinear interpolation (the
// same policy preprocessing uses) and blends the color on top. The
// contribution at each pixel is weighted by that pixel's interpolated
// intensity, so regions the explainer found irrelevant stay untouched
// at any alpha.
func Render(orig image.Image, hm *gradcam.Heatmap, alpha float64) (image.Image, error) {
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: %g (valid range 0..1)", ErrInvalidAlpha, alpha)
	}
	if hm.Width <= 0 || hm.Height <= 0 || len(hm.Data) != hm.Width*hm.Height {
		return nil, fmt.Errorf("malformed heatmap: %dx%d with %d values", hm.Width, hm.Height, len(hm.Data))
	}

	colorized := image.NewRGBA(image.Rect(0, 0, hm.Width, hm.Height))
	intensity := image.NewGray(image.Rect(0, 0, hm.Width, hm.Height))
	for y := 0; y < hm.Height; y++ {
		for x := 0; x < hm.Width; x++ {
			level := uint8(clamp01(hm.At(x, y))*255 + 0.5)
			rgb := jetLUT[level]
			colorized.SetRGBA(x, y, color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
			intensity.SetGray(x, y, color.Gray{Y: level})
		}
	}

	bounds := orig.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	scaledColor := resize.Resize(uint(w), uint(h), colorized, resize.Bilinear)
	scaledIntensity := resize.Resize(uint(w), uint(h), intensity, resize.Bilinear)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			or, og, ob, _ := orig.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			hr, hg, hb, _ := scaledColor.At(x, y).RGBA()
			level, _, _, _ := scaledIntensity.At(x, y).RGBA()

			weight := alpha * float64(level) / 65535
			out.SetRGBA(x, y, color.RGBA{
				R: blend(or, hr, weight),
				G: blend(og, hg, weight),
				B: blend(ob, hb, weight),
				A: 255,
			})
		}
	}
	return out, nil
}

// blend adds the weighted heatmap channel to the original channel and
// clamps on conversion back to 8 bits. Inputs are 16-bit color values.
func blend(orig, heat uint32, weight float64) uint8 {
	v := float64(orig)/257 + weight*float64(heat)/257
	if v > 255 {
		v = 255
	}
	return uint8(v + 0.5)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
