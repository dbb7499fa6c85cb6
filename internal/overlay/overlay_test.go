package overlay

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/osteovision/koa-api/internal/gradcam"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func uniformHeatmap(w, h int, v float32) *gradcam.Heatmap {
	data := make([]float32, w*h)
	for i := range data {
		data[i] = v
	}
	return &gradcam.Heatmap{Data: data, Width: w, Height: h}
}

func TestRenderAlphaZeroIsIdentity(t *testing.T) {
	orig := solidImage(32, 24, color.RGBA{90, 120, 30, 255})
	orig.SetRGBA(5, 5, color.RGBA{200, 10, 10, 255})

	out, err := Render(orig, uniformHeatmap(8, 8, 0.7), 0)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			if out.At(x, y) != color.RGBAModel.Convert(orig.At(x, y)) {
				t.Fatalf("pixel (%d,%d) changed at alpha=0: %v vs %v", x, y, out.At(x, y), orig.At(x, y))
			}
		}
	}
}

func TestRenderZeroHeatmapLeavesPixelsUnchanged(t *testing.T) {
	orig := solidImage(16, 16, color.RGBA{40, 80, 160, 255})
	out, err := Render(orig, uniformHeatmap(4, 4, 0), 1)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if out.At(x, y) != orig.At(x, y) {
				t.Fatalf("pixel (%d,%d) changed under all-zero heatmap: %v vs %v", x, y, out.At(x, y), orig.At(x, y))
			}
		}
	}
}

func TestRenderSaturatedHeatmapShiftsTowardColormap(t *testing.T) {
	orig := solidImage(8, 8, color.RGBA{0, 0, 0, 255})
	out, err := Render(orig, uniformHeatmap(8, 8, 1), 1)
	if err != nil {
		t.Fatal(err)
	}

	jr, jg, jb := Jet(255)
	r, g, b, _ := out.At(4, 4).RGBA()
	if diff(uint8(r>>8), jr) > 2 || diff(uint8(g>>8), jg) > 2 || diff(uint8(b>>8), jb) > 2 {
		t.Fatalf("saturated pixel on black should match colormap color (%d,%d,%d), got (%d,%d,%d)",
			jr, jg, jb, r>>8, g>>8, b>>8)
	}
	if uint8(r>>8) <= uint8(b>>8) {
		t.Fatal("saturated overlay should be red-dominant")
	}
}

func diff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func TestRenderClampsBlownHighlights(t *testing.T) {
	orig := solidImage(8, 8, color.RGBA{250, 250, 250, 255})
	out, err := Render(orig, uniformHeatmap(8, 8, 1), 1)
	if err != nil {
		t.Fatal(err)
	}
	r, _, _, _ := out.At(2, 2).RGBA()
	if uint8(r>>8) != 255 {
		t.Fatalf("expected red channel clamped to 255, got %d", r>>8)
	}
}

func TestRenderInvalidAlpha(t *testing.T) {
	orig := solidImage(4, 4, color.RGBA{0, 0, 0, 255})
	for _, alpha := range []float64{-0.1, 1.5, 2} {
		_, err := Render(orig, uniformHeatmap(2, 2, 0.5), alpha)
		if !errors.Is(err, ErrInvalidAlpha) {
			t.Fatalf("alpha %g: expected ErrInvalidAlpha, got %v", alpha, err)
		}
	}
}

func TestRenderUpscalesToOriginalResolution(t *testing.T) {
	orig := solidImage(100, 60, color.RGBA{10, 10, 10, 255})
	out, err := Render(orig, uniformHeatmap(7, 7, 0.5), DefaultAlpha)
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds().Dx() != 100 || out.Bounds().Dy() != 60 {
		t.Fatalf("output bounds %v, want 100x60", out.Bounds())
	}
}

func TestJetOrdering(t *testing.T) {
	// Low intensities are blue-dominant, high intensities red-dominant.
	r0, _, b0 := Jet(0)
	if b0 <= r0 {
		t.Fatalf("jet(0) should be blue-dominant, got r=%d b=%d", r0, b0)
	}
	r255, _, b255 := Jet(255)
	if r255 <= b255 {
		t.Fatalf("jet(255) should be red-dominant, got r=%d b=%d", r255, b255)
	}
	// Mid-range passes through a green/yellow band.
	_, g128, _ := Jet(128)
	if g128 < 200 {
		t.Fatalf("jet(128) should be strongly green, got g=%d", g128)
	}
}
