package preprocess

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uniformImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestImageShape(t *testing.T) {
	sizes := [][2]int{{224, 224}, {640, 480}, {100, 300}, {17, 2000}}
	for _, s := range sizes {
		raw := encodePNG(t, uniformImage(s[0], s[1], color.RGBA{10, 200, 90, 255}))
		tensor, orig, err := Image(raw)
		if err != nil {
			t.Fatalf("Image failed for %dx%d: %v", s[0], s[1], err)
		}
		if tensor.Shape != [4]int{1, 3, InputSize, InputSize} {
			t.Fatalf("unexpected shape %v for %dx%d input", tensor.Shape, s[0], s[1])
		}
		if len(tensor.Data) != 3*InputSize*InputSize {
			t.Fatalf("unexpected data length %d", len(tensor.Data))
		}
		if orig.Bounds().Dx() != s[0] || orig.Bounds().Dy() != s[1] {
			t.Fatalf("original image bounds changed: %v", orig.Bounds())
		}
	}
}

func TestImageNormalizationRange(t *testing.T) {
	raw := encodePNG(t, uniformImage(320, 240, color.RGBA{255, 0, 128, 255}))
	tensor, _, err := Image(raw)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range tensor.Data {
		if v < -1 || v > 1 {
			t.Fatalf("value %f at index %d outside [-1,1]", v, i)
		}
	}
}

func TestImageMidGrayMapsNearZero(t *testing.T) {
	raw := encodePNG(t, uniformImage(50, 50, color.RGBA{128, 128, 128, 255}))
	tensor, _, err := Image(raw)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range tensor.Data {
		if v < -0.02 || v > 0.02 {
			t.Fatalf("mid-gray should normalize near zero, got %f at index %d", v, i)
		}
	}
}

func TestImageDecodeError(t *testing.T) {
	_, _, err := Image([]byte("definitely not an image"))
	if err == nil {
		t.Fatal("expected DecodeError for garbage input")
	}
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
}
