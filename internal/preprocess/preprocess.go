package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// InputSize is the spatial resolution the backbone was trained on.
const InputSize = 224

const channels = 3

// DecodeError reports an uploaded image that could not be decoded.
// It is scoped to a single request; the caller should prompt for a
// new upload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Tensor is a batched NCHW float32 tensor ready for inference.
type Tensor struct {
	Data  []float32
	Shape [4]int // batch, channels, height, width
}

// Image decodes raw PNG/JPEG bytes, resizes to InputSize×InputSize
// with bilinear interpolation and applies the backbone's [-1,1]
// normalization (v/127.5 - 1). The decoded original is returned
// alongside the tensor so the caller can render overlays at native
// resolution. The source aspect ratio is not preserved; the model was
// trained on squashed 224×224 inputs.
func Image(imageBytes []byte) (*Tensor, image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, nil, &DecodeError{Err: err}
	}

	resized := resize.Resize(InputSize, InputSize, img, resize.Bilinear)

	data := make([]float32, channels*InputSize*InputSize)
	plane := InputSize * InputSize
	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()

			// RGBA returns 16-bit values; scale to 0..255 then
			// into the training range [-1,1].
			idx := y*InputSize + x
			data[idx] = float32(r>>8)/127.5 - 1
			data[plane+idx] = float32(g>>8)/127.5 - 1
			data[2*plane+idx] = float32(b>>8)/127.5 - 1
		}
	}

	return &Tensor{
		Data:  data,
		Shape: [4]int{1, channels, InputSize, InputSize},
	}, img, nil
}
