// Package yolo drives the tiny-YOLO-v3 accelerator: per-stage shape
// descriptors, the channel-folded streaming protocol, and the fixed 14-stage
// network topology.
package yolo

import (
	"errors"
	"fmt"
)

// Activation selects the accumulator's output activation.
type Activation uint8

const (
	ActivationLinear Activation = iota
	ActivationLeaky
)

// PostProcess selects the block a stage's stream is routed through after
// accumulation.
type PostProcess uint8

const (
	PostProcessNone PostProcess = iota
	PostProcessMaxPool
	PostProcessYolo
	PostProcessUpsample
)

// The fabric packs channels four to a word.
const chFoldFactor = 4

// Bytes of weight data per (input channel, output channel) pair: a 3x3
// kernel padded to 12 words by the streaming layout.
const weightWordsPerChPair = 12

// ErrBufferNotReady reports access to a weight/bias/input buffer before it
// was populated. This is a programming error in the caller's sequencing.
var ErrBufferNotReady = errors.New("yolo: buffer not ready")

// LayerGroup is the shape and buffer descriptor for one network stage: one
// hardware configuration pass bundling convolution, accumulation and an
// optional post-process step.
//
// Channel counts above the fabric's per-pass limit are folded: the stage is
// streamed FoldFactor times while partial sums accumulate. All sizes are
// fixed at construction; buffers are populated and moved between stages
// during forward passes.
type LayerGroup struct {
	InputWidth  int
	InputHeight int
	InputCh     int
	// InputFoldCh is ceil(InputCh/4), the channel word count per pass.
	InputFoldCh int
	// InputSize is the int16 length of one folded input slice.
	InputSize int
	// InputFoldFactor is how many folded input passes the stage needs.
	InputFoldFactor int

	// AccSize is the int16 length of one accumulator partial-sum tensor.
	AccSize int

	OutputWidth      int
	OutputHeight     int
	OutputCh         int
	OutputFoldCh     int
	OutputSize       int
	OutputFoldFactor int

	PoolingStride int

	ActivateType    Activation
	PostProcessType PostProcess
	// ConvDisable routes the stage around the convolution unit.
	ConvDisable bool

	// Buffers; nil until populated.
	Inputs  []int16
	Outputs []int16
	Weights []int16
	Biases  []int16
}

// NewLayerGroup derives all fixed sizes from the stage's dimensions.
func NewLayerGroup(inputW, inputH, inputCh, inputFoldFactor, outputW, outputH, outputCh, outputFoldFactor int,
	convDisable bool, act Activation, post PostProcess, poolingStride int) *LayerGroup {
	inputFoldCh := (inputCh + 3) / 4
	outputFoldCh := (outputCh + 3) / 4
	return &LayerGroup{
		InputWidth:       inputW,
		InputHeight:      inputH,
		InputCh:          inputCh,
		InputFoldCh:      inputFoldCh,
		InputSize:        inputW * inputH * inputFoldCh * chFoldFactor,
		InputFoldFactor:  inputFoldFactor,
		AccSize:          inputW * inputH * outputFoldCh * chFoldFactor,
		OutputWidth:      outputW,
		OutputHeight:     outputH,
		OutputCh:         outputCh,
		OutputFoldCh:     outputFoldCh,
		OutputSize:       outputW * outputH * outputFoldCh * chFoldFactor,
		OutputFoldFactor: outputFoldFactor,
		PoolingStride:    poolingStride,
		ActivateType:     act,
		PostProcessType:  post,
		ConvDisable:      convDisable,
	}
}

// WeightSize is the int16 length of one (off, iff) weight slice.
func (l *LayerGroup) WeightSize() int {
	return weightWordsPerChPair * l.InputCh * l.OutputCh
}

// WeightSlice returns the weight slice for output fold off and input fold
// iff.
//
// The addressing below matches the byte layout the archive fixtures and the
// simulator agree on; it is deliberately isolated here so a hardware
// re-validation changes a single line.
func (l *LayerGroup) WeightSlice(off, iff int) ([]int16, error) {
	if l.Weights == nil {
		return nil, fmt.Errorf("weights: %w", ErrBufferNotReady)
	}
	size := l.WeightSize()
	beg := size*l.OutputFoldFactor*iff + size*off
	return l.Weights[beg : beg+size], nil
}

// InputSlice returns the folded input slice for input fold iff.
func (l *LayerGroup) InputSlice(iff int) ([]int16, error) {
	if l.Inputs == nil {
		return nil, fmt.Errorf("inputs: %w", ErrBufferNotReady)
	}
	beg := l.InputSize * iff
	return l.Inputs[beg : beg+l.InputSize], nil
}

// BiasSlice returns the bias slice for output fold off.
func (l *LayerGroup) BiasSlice(off int) ([]int16, error) {
	if l.Biases == nil {
		return nil, fmt.Errorf("biases: %w", ErrBufferNotReady)
	}
	beg := l.OutputCh * off
	return l.Biases[beg : beg+l.OutputCh], nil
}

// SetOutputs stores a post-processed output tensor at output fold off.
// Folds arrive in order, so the normal path appends; a first write at a
// non-zero fold allocates a zero prefix to keep later offsets aligned.
func (l *LayerGroup) SetOutputs(off int, output []int16) {
	if l.Outputs != nil {
		l.Outputs = append(l.Outputs, output...)
		return
	}
	if off == 0 {
		l.Outputs = output
		return
	}
	prefixed := make([]int16, l.OutputSize*off, l.OutputSize*off+len(output))
	l.Outputs = append(prefixed, output...)
}
