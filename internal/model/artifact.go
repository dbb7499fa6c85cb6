package model

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Artifact layout (little-endian): magic "OVM1", version, input size,
// input channels, class count, conv block count, then per block the
// output channel count, kernel size, conv weights (out×in×k×k) and
// bias (out), and finally the dense weights (channels×classes) and
// bias (classes). Each block is conv → ReLU → 2×2 max-pool; the last
// block's output is the feature map Grad-CAM taps.
var artifactMagic = [4]byte{'O', 'V', 'M', '1'}

const artifactVersion = 1

// Limits on header fields so a garbled file fails cleanly instead of
// triggering a huge allocation.
const (
	maxBlocks     = 16
	maxChannels   = 4096
	maxKernelSize = 11
	maxClasses    = 64
)

// LoadError reports a model artifact that could not be read or parsed.
// It is fatal for the session: no inference can proceed without a
// loaded model.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ConvBlock holds the weights of one conv → ReLU → max-pool block.
type ConvBlock struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Weights     []float32
	Bias        []float32
}

// Weights is the deserialized model artifact.
type Weights struct {
	InputSize  int
	InChannels int
	NumClasses int
	Blocks     []ConvBlock
	DenseW     []float32
	DenseB     []float32
}

// Encode serializes weights in the artifact layout. It is the inverse
// of Load, used by tooling that packages trained weights for serving.
func Encode(w *Weights, out io.Writer) error {
	if _, err := out.Write(artifactMagic[:]); err != nil {
		return fmt.Errorf("writing magic: %w", err)
	}
	header := []uint32{
		artifactVersion,
		uint32(w.InputSize),
		uint32(w.InChannels),
		uint32(w.NumClasses),
		uint32(len(w.Blocks)),
	}
	for _, v := range header {
		if err := binary.Write(out, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	for i, blk := range w.Blocks {
		if err := binary.Write(out, binary.LittleEndian, uint32(blk.OutChannels)); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if err := binary.Write(out, binary.LittleEndian, uint32(blk.KernelSize)); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if err := binary.Write(out, binary.LittleEndian, blk.Weights); err != nil {
			return fmt.Errorf("block %d: writing conv weights: %w", i, err)
		}
		if err := binary.Write(out, binary.LittleEndian, blk.Bias); err != nil {
			return fmt.Errorf("block %d: writing conv bias: %w", i, err)
		}
	}
	if err := binary.Write(out, binary.LittleEndian, w.DenseW); err != nil {
		return fmt.Errorf("writing dense weights: %w", err)
	}
	if err := binary.Write(out, binary.LittleEndian, w.DenseB); err != nil {
		return fmt.Errorf("writing dense bias: %w", err)
	}
	return nil
}

// Load reads and validates a model artifact from disk.
func Load(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	w, err := readWeights(f)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return w, nil
}

func readWeights(r io.Reader) (*Weights, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if magic != artifactMagic {
		return nil, fmt.Errorf("bad magic %q, not an OVM model", magic)
	}

	var version, inputSize, inChannels, numClasses, numBlocks uint32
	for _, field := range []struct {
		name string
		dst  *uint32
	}{
		{"version", &version},
		{"input size", &inputSize},
		{"input channels", &inChannels},
		{"class count", &numClasses},
		{"block count", &numBlocks},
	} {
		if err := binary.Read(r, binary.LittleEndian, field.dst); err != nil {
			return nil, fmt.Errorf("reading %s: %w", field.name, err)
		}
	}

	if version != artifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", version)
	}
	if inputSize == 0 || inputSize > 4096 {
		return nil, fmt.Errorf("implausible input size %d", inputSize)
	}
	if inChannels == 0 || inChannels > maxChannels {
		return nil, fmt.Errorf("implausible input channel count %d", inChannels)
	}
	if numClasses == 0 || numClasses > maxClasses {
		return nil, fmt.Errorf("implausible class count %d", numClasses)
	}
	if numBlocks > maxBlocks {
		return nil, fmt.Errorf("implausible block count %d", numBlocks)
	}

	w := &Weights{
		InputSize:  int(inputSize),
		InChannels: int(inChannels),
		NumClasses: int(numClasses),
	}

	in := w.InChannels
	for i := 0; i < int(numBlocks); i++ {
		var outChannels, kernelSize uint32
		if err := binary.Read(r, binary.LittleEndian, &outChannels); err != nil {
			return nil, fmt.Errorf("block %d: reading output channels: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &kernelSize); err != nil {
			return nil, fmt.Errorf("block %d: reading kernel size: %w", i, err)
		}
		if outChannels == 0 || outChannels > maxChannels {
			return nil, fmt.Errorf("block %d: implausible output channel count %d", i, outChannels)
		}
		if kernelSize == 0 || kernelSize > maxKernelSize || kernelSize%2 == 0 {
			return nil, fmt.Errorf("block %d: unsupported kernel size %d", i, kernelSize)
		}

		blk := ConvBlock{
			InChannels:  in,
			OutChannels: int(outChannels),
			KernelSize:  int(kernelSize),
			Weights:     make([]float32, int(outChannels)*in*int(kernelSize)*int(kernelSize)),
			Bias:        make([]float32, outChannels),
		}
		if err := binary.Read(r, binary.LittleEndian, blk.Weights); err != nil {
			return nil, fmt.Errorf("block %d: reading conv weights: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, blk.Bias); err != nil {
			return nil, fmt.Errorf("block %d: reading conv bias: %w", i, err)
		}
		w.Blocks = append(w.Blocks, blk)
		in = blk.OutChannels
	}

	w.DenseW = make([]float32, in*w.NumClasses)
	w.DenseB = make([]float32, w.NumClasses)
	if err := binary.Read(r, binary.LittleEndian, w.DenseW); err != nil {
		return nil, fmt.Errorf("reading dense weights: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, w.DenseB); err != nil {
		return nil, fmt.Errorf("reading dense bias: %w", err)
	}

	return w, nil
}
