// Package gradcam implements the Grad-CAM reduction: turning the last
// convolutional activation and the gradient of a class score with
// respect to it into a normalized spatial heatmap.
package gradcam

import "fmt"

// Heatmap is a single-channel saliency map at the feature map's
// spatial resolution. Values lie in [0,1].
type Heatmap struct {
	Data   []float32
	Width  int
	Height int
}

// At returns the intensity at (x, y).
func (h *Heatmap) At(x, y int) float32 {
	return h.Data[y*h.Width+x]
}

// PooledGradients averages a CHW gradient tensor over its two spatial
// axes, yielding one importance weight per channel.
func PooledGradients(grads []float32, channels, height, width int) ([]float32, error) {
	plane := height * width
	if len(grads) != channels*plane {
		return nil, fmt.Errorf("gradient length %d does not match %dx%dx%d", len(grads), channels, height, width)
	}
	pooled := make([]float32, channels)
	for c := 0; c < channels; c++ {
		var sum float32
		for i := c * plane; i < (c+1)*plane; i++ {
			sum += grads[i]
		}
		pooled[c] = sum / float32(plane)
	}
	return pooled, nil
}

// Combine forms the weighted sum of the CHW activation channels using
// the pooled-gradient weights, clips negative contributions to zero
// and normalizes by the maximum. An all-zero weighted sum (degenerate
// activations or gradients) yields an all-zero map rather than a
// division by zero.
func Combine(activations, pooled []float32, channels, height, width int) (*Heatmap, error) {
	plane := height * width
	if len(activations) != channels*plane {
		return nil, fmt.Errorf("activation length %d does not match %dx%dx%d", len(activations), channels, height, width)
	}
	if len(pooled) != channels {
		return nil, fmt.Errorf("pooled gradient length %d does not match %d channels", len(pooled), channels)
	}

	data := make([]float32, plane)
	var max float32
	for i := 0; i < plane; i++ {
		var v float32
		for c := 0; c < channels; c++ {
			v += activations[c*plane+i] * pooled[c]
		}
		if v < 0 {
			v = 0
		}
		data[i] = v
		if v > max {
			max = v
		}
	}

	if max > 0 {
		for i := range data {
			data[i] /= max
		}
	}

	return &Heatmap{Data: data, Width: width, Height: height}, nil
}
