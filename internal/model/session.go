package model

import (
	"errors"
	"fmt"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/osteovision/koa-api/internal/gradcam"
	"github.com/osteovision/koa-api/internal/preprocess"
)

// ClassNames is the Kellgren-Lawrence label space of the classifier,
// aligned by index with the probability vector.
var ClassNames = []string{
	"KL-GRADE 0",
	"KL-GRADE 1",
	"KL-GRADE 2",
	"KL-GRADE 3",
	"KL-GRADE 4",
}

// ErrInvalidClass reports a Grad-CAM target class outside the model's
// label space.
var ErrInvalidClass = errors.New("target class index out of range")

// ConfigurationError reports a structurally valid artifact that the
// explainer cannot work with, detected at session construction.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("model incompatible with Grad-CAM: %s", e.Reason)
}

// Session wraps a loaded model as two gorgonia expression graphs
// split at the last spatial feature map: a feature graph (image in,
// feature map out) and a head graph (feature map in, probabilities
// and class score out). The split makes the feature map an input node
// of the head graph, which is where gorgonia can differentiate the
// class score with respect to it. The session is constructed once at
// startup and reused for every request; runs serialize on an internal
// mutex since both graphs' input nodes are rebound per call.
type Session struct {
	mu sync.Mutex

	features *gorgonia.ExprGraph
	head     *gorgonia.ExprGraph
	featVM   gorgonia.VM
	headVM   gorgonia.VM

	input  *gorgonia.Node // feature graph: image tensor
	tap    *gorgonia.Node // head graph: captured feature map
	target *gorgonia.Node // head graph: one-hot class selector

	convVal  gorgonia.Value
	probsVal gorgonia.Value
	gradVal  gorgonia.Value

	inputSize  int
	inChannels int
	numClasses int

	// Spatial dims and channel count of the tapped feature map.
	tapChannels int
	tapHeight   int
	tapWidth    int
}

// NewSession loads the artifact at path and compiles it into a
// runnable graph. Incompatibility with the explainer (no conv blocks
// to tap, label space mismatch, input downsampled away) surfaces here
// as ConfigurationError rather than on the first request.
func NewSession(path string) (*Session, error) {
	w, err := Load(path)
	if err != nil {
		return nil, err
	}
	return newSession(w)
}

func newSession(w *Weights) (*Session, error) {
	if len(w.Blocks) == 0 {
		return nil, &ConfigurationError{Reason: "artifact has no convolutional blocks, nothing to tap"}
	}
	if w.NumClasses != len(ClassNames) {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("artifact has %d classes, expected %d KL grades", w.NumClasses, len(ClassNames))}
	}

	size := w.InputSize
	for i := range w.Blocks {
		size /= 2
		if size < 1 {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("block %d pools the feature map below 1x1", i)}
		}
	}

	s := &Session{
		inputSize:   w.InputSize,
		inChannels:  w.InChannels,
		numClasses:  w.NumClasses,
		tapChannels: w.Blocks[len(w.Blocks)-1].OutChannels,
		tapHeight:   size,
		tapWidth:    size,
	}

	// Feature graph: image through the conv stack, ending at the tap.
	fg := gorgonia.NewGraph()
	s.features = fg
	s.input = gorgonia.NewTensor(fg, tensor.Float32, 4,
		gorgonia.WithShape(1, w.InChannels, w.InputSize, w.InputSize),
		gorgonia.WithName("input"))

	x := s.input
	for i, blk := range w.Blocks {
		k := blk.KernelSize
		filter := gorgonia.NewTensor(fg, tensor.Float32, 4,
			gorgonia.WithShape(blk.OutChannels, blk.InChannels, k, k),
			gorgonia.WithName(fmt.Sprintf("conv%d_w", i)),
			gorgonia.WithValue(tensor.New(
				tensor.WithShape(blk.OutChannels, blk.InChannels, k, k),
				tensor.WithBacking(blk.Weights))))
		bias := gorgonia.NewTensor(fg, tensor.Float32, 4,
			gorgonia.WithShape(1, blk.OutChannels, 1, 1),
			gorgonia.WithName(fmt.Sprintf("conv%d_b", i)),
			gorgonia.WithValue(tensor.New(
				tensor.WithShape(1, blk.OutChannels, 1, 1),
				tensor.WithBacking(blk.Bias))))

		conv, err := gorgonia.Conv2d(x, filter, tensor.Shape{k, k},
			[]int{k / 2, k / 2}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, fmt.Errorf("building conv block %d: %w", i, err)
		}
		biased, err := gorgonia.BroadcastAdd(conv, bias, nil, []byte{0, 2, 3})
		if err != nil {
			return nil, fmt.Errorf("building conv block %d bias: %w", i, err)
		}
		act, err := gorgonia.Rectify(biased)
		if err != nil {
			return nil, fmt.Errorf("building conv block %d activation: %w", i, err)
		}
		pooled, err := gorgonia.MaxPool2D(act, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
		if err != nil {
			return nil, fmt.Errorf("building conv block %d pool: %w", i, err)
		}
		x = pooled
	}

	// x is now the last spatial feature map, the Grad-CAM seam.
	gorgonia.Read(x, &s.convVal)

	// Head graph: the captured feature map is an input node here, so
	// the class score can be differentiated with respect to it.
	hg := gorgonia.NewGraph()
	s.head = hg
	s.tap = gorgonia.NewTensor(hg, tensor.Float32, 4,
		gorgonia.WithShape(1, s.tapChannels, s.tapHeight, s.tapWidth),
		gorgonia.WithName("tap"))
	s.target = gorgonia.NewMatrix(hg, tensor.Float32,
		gorgonia.WithShape(1, w.NumClasses),
		gorgonia.WithName("target"))

	// Global average pooling: reduce the spatial axes, leaving (1, C).
	flat, err := gorgonia.Mean(s.tap, 2, 3)
	if err != nil {
		return nil, fmt.Errorf("building global average pool: %w", err)
	}

	denseW := gorgonia.NewMatrix(hg, tensor.Float32,
		gorgonia.WithShape(s.tapChannels, w.NumClasses),
		gorgonia.WithName("dense_w"),
		gorgonia.WithValue(tensor.New(
			tensor.WithShape(s.tapChannels, w.NumClasses),
			tensor.WithBacking(w.DenseW))))
	denseB := gorgonia.NewMatrix(hg, tensor.Float32,
		gorgonia.WithShape(1, w.NumClasses),
		gorgonia.WithName("dense_b"),
		gorgonia.WithValue(tensor.New(
			tensor.WithShape(1, w.NumClasses),
			tensor.WithBacking(w.DenseB))))

	logits, err := gorgonia.Mul(flat, denseW)
	if err != nil {
		return nil, fmt.Errorf("building dense layer: %w", err)
	}
	logits, err = gorgonia.Add(logits, denseB)
	if err != nil {
		return nil, fmt.Errorf("building dense bias: %w", err)
	}
	probs, err := gorgonia.SoftMax(logits, 1)
	if err != nil {
		return nil, fmt.Errorf("building softmax: %w", err)
	}

	// Scalar score of the target class, selected by a one-hot input so
	// the graph stays static across requests.
	selected, err := gorgonia.HadamardProd(probs, s.target)
	if err != nil {
		return nil, fmt.Errorf("building class selection: %w", err)
	}
	score, err := gorgonia.Sum(selected)
	if err != nil {
		return nil, fmt.Errorf("building class score: %w", err)
	}

	grads, err := gorgonia.Grad(score, s.tap)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("gradient of class score w.r.t. feature map unavailable: %v", err)}
	}

	gorgonia.Read(probs, &s.probsVal)
	gorgonia.Read(grads[0], &s.gradVal)

	s.featVM = gorgonia.NewTapeMachine(fg)
	s.headVM = gorgonia.NewTapeMachine(hg)
	return s, nil
}

// NumClasses returns the size of the model's label space.
func (s *Session) NumClasses() int { return s.numClasses }

// HeatmapSize returns the spatial dims of the tapped feature map.
func (s *Session) HeatmapSize() (height, width int) {
	return s.tapHeight, s.tapWidth
}

// Close releases the underlying virtual machines.
func (s *Session) Close() {
	if s.featVM != nil {
		s.featVM.Close()
	}
	if s.headVM != nil {
		s.headVM.Close()
	}
}

func (s *Session) checkInput(t *preprocess.Tensor) error {
	want := [4]int{1, s.inChannels, s.inputSize, s.inputSize}
	if t.Shape != want {
		return fmt.Errorf("input tensor shape %v does not match model input %v", t.Shape, want)
	}
	if len(t.Data) != s.inChannels*s.inputSize*s.inputSize {
		return fmt.Errorf("input tensor length %d does not match shape %v", len(t.Data), want)
	}
	return nil
}

// runLocked executes one forward pass through the feature graph,
// feeds the captured feature map into the head graph and runs it,
// producing probabilities and the gradient of the selected class
// score. Callers must hold s.mu and copy results out before
// releasing it.
func (s *Session) runLocked(t *preprocess.Tensor, onehot []float32) error {
	in := tensor.New(
		tensor.WithShape(1, s.inChannels, s.inputSize, s.inputSize),
		tensor.WithBacking(t.Data))
	if err := gorgonia.Let(s.input, in); err != nil {
		return fmt.Errorf("binding input: %w", err)
	}

	defer s.featVM.Reset()
	if err := s.featVM.RunAll(); err != nil {
		return fmt.Errorf("feature extraction failed: %w", err)
	}

	// Clone the captured activation before handing it to the head
	// graph; the read value's backing belongs to the feature graph.
	act := make([]float32, s.tapChannels*s.tapHeight*s.tapWidth)
	copy(act, s.convVal.Data().([]float32))
	tapIn := tensor.New(
		tensor.WithShape(1, s.tapChannels, s.tapHeight, s.tapWidth),
		tensor.WithBacking(act))
	if err := gorgonia.Let(s.tap, tapIn); err != nil {
		return fmt.Errorf("binding feature map: %w", err)
	}
	sel := tensor.New(
		tensor.WithShape(1, s.numClasses),
		tensor.WithBacking(onehot))
	if err := gorgonia.Let(s.target, sel); err != nil {
		return fmt.Errorf("binding target class: %w", err)
	}

	defer s.headVM.Reset()
	if err := s.headVM.RunAll(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

func (s *Session) probabilities() []float32 {
	raw := s.probsVal.Data().([]float32)
	probs := make([]float32, s.numClasses)
	copy(probs, raw)
	return probs
}

// ActivationMap is the tapped feature tensor read off the last conv
// block during one forward pass, in CHW order.
type ActivationMap struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Infer runs one forward pass and returns the class probability
// vector, softmax-normalized and aligned with ClassNames.
func (s *Session) Infer(t *preprocess.Tensor) ([]float32, error) {
	probs, _, err := s.InferWithActivations(t)
	return probs, err
}

// InferWithActivations additionally returns the feature map the
// explainer taps, for callers that want to inspect the seam.
func (s *Session) InferWithActivations(t *preprocess.Tensor) ([]float32, *ActivationMap, error) {
	if err := s.checkInput(t); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.runLocked(t, make([]float32, s.numClasses)); err != nil {
		return nil, nil, err
	}

	am := &ActivationMap{
		Data:     make([]float32, s.tapChannels*s.tapHeight*s.tapWidth),
		Channels: s.tapChannels,
		Height:   s.tapHeight,
		Width:    s.tapWidth,
	}
	copy(am.Data, s.convVal.Data().([]float32))
	return s.probabilities(), am, nil
}

// Explain computes the Grad-CAM heatmap for an explicit target class.
// The class must lie in [0, NumClasses); Grad-CAM deliberately
// explains whichever class is asked about, confident or not.
func (s *Session) Explain(t *preprocess.Tensor, targetClass int) (*gradcam.Heatmap, error) {
	if targetClass < 0 || targetClass >= s.numClasses {
		return nil, fmt.Errorf("%w: %d (valid range 0..%d)", ErrInvalidClass, targetClass, s.numClasses-1)
	}
	if err := s.checkInput(t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	onehot := make([]float32, s.numClasses)
	onehot[targetClass] = 1
	if err := s.runLocked(t, onehot); err != nil {
		return nil, err
	}

	plane := s.tapHeight * s.tapWidth
	n := s.tapChannels * plane
	activations := make([]float32, n)
	grads := make([]float32, n)
	copy(activations, s.convVal.Data().([]float32))
	copy(grads, s.gradVal.Data().([]float32))

	pooled, err := gradcam.PooledGradients(grads, s.tapChannels, s.tapHeight, s.tapWidth)
	if err != nil {
		return nil, err
	}
	return gradcam.Combine(activations, pooled, s.tapChannels, s.tapHeight, s.tapWidth)
}

// ExplainPredicted runs Grad-CAM against the model's own prediction
// for the input, the default when the caller names no class.
func (s *Session) ExplainPredicted(t *preprocess.Tensor) (*gradcam.Heatmap, error) {
	probs, err := s.Infer(t)
	if err != nil {
		return nil, err
	}
	return s.Explain(t, Argmax(probs))
}

// Argmax returns the index of the largest probability.
func Argmax(probs []float32) int {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}
