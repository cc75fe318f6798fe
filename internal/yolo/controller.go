package yolo

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/e7canasta/zynq-yolo-sensor/internal/accel"
)

// Per-channel activation enable masks for the yolo post-process block,
// indexed by output fold. One bit per channel, cleared where the logistic
// activation must be bypassed (box w/h slots decode through exp on the host).
var activeEnable = [8]uint32{
	0xfffffff3, 0xffffffff, 0xfe7fffff, 0xffffffff,
	0xffffffff, 0xffffcfff, 0xffffffff, 0x7fffffff,
}

// DMAError reports a failed DMA transfer. It is fatal for the current
// forward pass: hardware and buffer state are undefined afterwards and the
// controller must be reconstructed before retrying.
type DMAError struct {
	Channel string
	Op      string
	Err     error
}

func (e *DMAError) Error() string {
	return fmt.Sprintf("yolo: dma %s %s: %v", e.Channel, e.Op, e.Err)
}

func (e *DMAError) Unwrap() error { return e.Err }

// Controller owns the accelerator blocks and executes the channel-folded
// streaming protocol for each layer group. Exactly one forward pass may be
// in flight: all buffers and register state belong to this one instance.
type Controller struct {
	sw0, sw1, sw2 accel.StreamSwitch
	dma0, dma1    accel.DMAChannel

	unitAcc      accel.Component
	unitConv     accel.Component
	unitMaxPool  accel.Component
	unitYolo     accel.Component
	unitUpsample accel.Component

	poll accel.PollPolicy

	groups []*LayerGroup

	closeOnce sync.Once
}

// NewController resolves the standard block set under hier and starts both
// DMA engines. A missing block fails construction with *accel.ConfigError.
// Close stops the engines again; callers must ensure it runs on every exit
// path.
func NewController(hw *accel.Hardware, hier string, poll accel.PollPolicy) (*Controller, error) {
	c := &Controller{poll: poll}

	var err error
	if c.sw0, err = hw.Switch(accel.BlockName(hier, accel.BlockSwitch0)); err != nil {
		return nil, err
	}
	if c.sw1, err = hw.Switch(accel.BlockName(hier, accel.BlockSwitch1)); err != nil {
		return nil, err
	}
	if c.sw2, err = hw.Switch(accel.BlockName(hier, accel.BlockSwitch2)); err != nil {
		return nil, err
	}
	if c.dma0, err = hw.DMA(accel.BlockName(hier, accel.BlockDMA0)); err != nil {
		return nil, err
	}
	if c.dma1, err = hw.DMA(accel.BlockName(hier, accel.BlockDMA1)); err != nil {
		return nil, err
	}
	if c.unitAcc, err = hw.Unit(accel.BlockName(hier, accel.BlockAcc)); err != nil {
		return nil, err
	}
	if c.unitConv, err = hw.Unit(accel.BlockName(hier, accel.BlockConv)); err != nil {
		return nil, err
	}
	if c.unitMaxPool, err = hw.Unit(accel.BlockName(hier, accel.BlockMaxPool)); err != nil {
		return nil, err
	}
	if c.unitYolo, err = hw.Unit(accel.BlockName(hier, accel.BlockYolo)); err != nil {
		return nil, err
	}
	if c.unitUpsample, err = hw.Unit(accel.BlockName(hier, accel.BlockUpsample)); err != nil {
		return nil, err
	}

	c.dma0.Start()
	c.dma1.Start()

	c.groups = newTinyV3Groups()

	slog.Debug("controller initialized", "hierarchy", hier, "stages", len(c.groups))
	return c, nil
}

// Groups exposes the stage descriptors (weight loading, tests).
func (c *Controller) Groups() []*LayerGroup { return c.groups }

// Close stops both DMA engines. Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.dma0.Stop()
		c.dma1.Stop()
		slog.Debug("controller dma engines stopped")
	})
}

// setConv programs the convolution unit for group l. The streamed window is
// padded by one pixel on each side.
func (c *Controller) setConv(l *LayerGroup) {
	c.unitConv.Set("OUTPUT_CH", uint32(l.OutputCh))
	c.unitConv.Set("INPUT_CH", uint32(l.InputCh))
	c.unitConv.Set("FOLD_OUTPUT_CH", uint32(l.OutputFoldCh))
	c.unitConv.Set("FOLD_INPUT_CH", uint32(l.InputFoldCh))
	c.unitConv.Set("INPUT_H", uint32(l.InputHeight+2))
	c.unitConv.Set("INPUT_W", uint32(l.InputWidth+2))
	c.unitConv.Set("REAL_INPUT_H", uint32(l.InputHeight+2))
	c.unitConv.Set("FOLD_WIN_AREA", 3)
}

// setAcc programs the accumulator. Bias and activation are enabled only on
// the final input fold; partial-sum passes run linear with bias off.
func (c *Controller) setAcc(l *LayerGroup, biasEnable bool) {
	leaky := ActivationLinear
	bias := uint32(0)
	if biasEnable {
		leaky = l.ActivateType
		bias = 1
	}
	c.unitAcc.Set("INPUT_H", uint32(l.InputHeight))
	c.unitAcc.Set("INPUT_W", uint32(l.InputWidth))
	c.unitAcc.Set("FOLD_INPUT_CH", uint32(l.OutputFoldCh))
	c.unitAcc.Set("LEAKY", uint32(leaky))
	c.unitAcc.Set("BIAS_EN", bias)
}

// setMaxPool programs the pooling unit. Stride-1 pools emit one extra row
// and column.
func (c *Controller) setMaxPool(l *LayerGroup) {
	add := 0
	if l.PoolingStride != 2 {
		add = 1
	}
	c.unitMaxPool.Set("OUTPUT_H", uint32(l.OutputHeight+add))
	c.unitMaxPool.Set("OUTPUT_W", uint32(l.OutputWidth+add))
	c.unitMaxPool.Set("INPUT_H", uint32(l.InputHeight))
	c.unitMaxPool.Set("INPUT_W", uint32(l.InputWidth))
	c.unitMaxPool.Set("INPUT_FOLD_CH", uint32(l.OutputFoldCh))
	c.unitMaxPool.Set("STRIDE", uint32(l.PoolingStride))
}

// setYolo programs the yolo post-process unit for output fold off.
func (c *Controller) setYolo(l *LayerGroup, off int) {
	c.unitYolo.Set("ACTIVATE_EN", activeEnable[off])
	c.unitYolo.Set("INPUT_H", uint32(l.InputHeight))
	c.unitYolo.Set("INPUT_W", uint32(l.InputWidth))
}

// setSwitches routes the stream fabric: slot 0 is the convolution path,
// the conv-disable bit selects the bypass on switches 0 and 1, and the
// post-process type selects the output block on switches 1 and 2.
func (c *Controller) setSwitches(convDisable bool, post PostProcess) {
	bypass := uint8(0)
	if convDisable {
		bypass = 1
	}
	postPort := uint8(post)

	for _, sw := range []accel.StreamSwitch{c.sw0, c.sw1, c.sw2} {
		sw.RegUpdateDisable()
		sw.DisableAllMasterPorts()
	}
	c.sw0.EnableMasterPort(bypass, 0)
	c.sw1.EnableMasterPort(postPort, bypass)
	c.sw2.EnableMasterPort(0, postPort)
	for _, sw := range []accel.StreamSwitch{c.sw0, c.sw1, c.sw2} {
		sw.RegUpdateEnable()
	}
}

// startUnits arms every block participating in this pass. No data moves
// until the DMA transfers begin.
func (c *Controller) startUnits(l *LayerGroup) {
	if !l.ConvDisable {
		c.unitConv.Start()
		c.unitAcc.Start()
	}
	switch l.PostProcessType {
	case PostProcessMaxPool:
		c.unitMaxPool.Start()
	case PostProcessYolo:
		c.unitYolo.Start()
	case PostProcessUpsample:
		c.unitUpsample.Start()
	}
}

// configureFinalPass programs every block needed for the last input fold:
// convolution and accumulator with bias enabled, the stage's post-process
// unit, and the stream routing.
func (c *Controller) configureFinalPass(l *LayerGroup, off int) {
	if !l.ConvDisable {
		c.setConv(l)
		c.setAcc(l, true)
	}
	if l.PostProcessType == PostProcessMaxPool {
		c.setMaxPool(l)
	}
	if l.PostProcessType == PostProcessYolo {
		c.setYolo(l, off)
	}
	c.setSwitches(l.ConvDisable, l.PostProcessType)
	c.startUnits(l)
}

// configurePartialPass programs only the convolution and accumulator for a
// partial-sum fold: bias disabled, no post-processing, straight-through
// routing.
func (c *Controller) configurePartialPass(l *LayerGroup) {
	c.setConv(l)
	c.setAcc(l, false)
	c.setSwitches(false, PostProcessNone)
	c.unitConv.Start()
	c.unitAcc.Start()
}

// transferWeights streams the (off, iff) weight slice and waits for the
// engine to drain before input data follows it.
func (c *Controller) transferWeights(l *LayerGroup, off, iff int) error {
	weights, err := l.WeightSlice(off, iff)
	if err != nil {
		return err
	}
	if err := c.dma0.Write(weights); err != nil {
		return &DMAError{Channel: "dma0", Op: "write weights", Err: err}
	}
	if err := c.poll.WaitMM2SIdle(c.dma0); err != nil {
		return &DMAError{Channel: "dma0", Op: "drain weights", Err: err}
	}
	return nil
}

// transferBiases streams the bias slice for output fold off.
func (c *Controller) transferBiases(l *LayerGroup, off int) error {
	biases, err := l.BiasSlice(off)
	if err != nil {
		return err
	}
	if err := c.dma1.Write(biases); err != nil {
		return &DMAError{Channel: "dma1", Op: "write biases", Err: err}
	}
	if err := c.poll.WaitMM2SIdle(c.dma1); err != nil {
		return &DMAError{Channel: "dma1", Op: "drain biases", Err: err}
	}
	return nil
}

// transferInputs streams the idx'th folded input slice.
func (c *Controller) transferInputs(l *LayerGroup, idx int) error {
	inputs, err := l.InputSlice(idx)
	if err != nil {
		return err
	}
	if err := c.dma0.Write(inputs); err != nil {
		return &DMAError{Channel: "dma0", Op: "write inputs", Err: err}
	}
	return nil
}

// transferPartialSum runs one non-final fold: input slice and the running
// accumulator go out, a fresh partial-sum tensor comes back.
func (c *Controller) transferPartialSum(l *LayerGroup, iff int, accIn []int16) ([]int16, error) {
	if err := c.transferInputs(l, iff); err != nil {
		return nil, err
	}
	if err := c.dma1.Write(accIn); err != nil {
		return nil, &DMAError{Channel: "dma1", Op: "write accumulator", Err: err}
	}
	accOut, err := c.dma0.Read(l.AccSize)
	if err != nil {
		return nil, &DMAError{Channel: "dma0", Op: "read accumulator", Err: err}
	}
	if err := c.poll.WaitDone(c.unitAcc); err != nil {
		return nil, fmt.Errorf("yolo: accumulator: %w", err)
	}
	return accOut, nil
}

// transferFinal runs the last fold: bias, accumulator and input stream out
// (input only, at fold off, when convolution is bypassed), the fully
// post-processed output streams back and lands in the group at fold off.
func (c *Controller) transferFinal(l *LayerGroup, off, iff int, accIn []int16) error {
	if !l.ConvDisable {
		if err := c.transferBiases(l, off); err != nil {
			return err
		}
		if err := c.dma1.Write(accIn); err != nil {
			return &DMAError{Channel: "dma1", Op: "write accumulator", Err: err}
		}
		if err := c.transferInputs(l, iff); err != nil {
			return err
		}
	} else {
		if err := c.transferInputs(l, off); err != nil {
			return err
		}
	}
	output, err := c.dma0.Read(l.OutputSize)
	if err != nil {
		return &DMAError{Channel: "dma0", Op: "read output", Err: err}
	}
	l.SetOutputs(off, output)
	return c.waitActiveUnit(l)
}

// waitActiveUnit polls the done flag of whichever block terminates the
// stage's stream.
func (c *Controller) waitActiveUnit(l *LayerGroup) error {
	unit := c.unitAcc
	switch l.PostProcessType {
	case PostProcessMaxPool:
		unit = c.unitMaxPool
	case PostProcessYolo:
		unit = c.unitYolo
	case PostProcessUpsample:
		unit = c.unitUpsample
	}
	if err := c.poll.WaitDone(unit); err != nil {
		return fmt.Errorf("yolo: post-process wait: %w", err)
	}
	return nil
}

// RunLayer executes the full channel-folded streaming protocol for stage
// grpIdx. For every output fold the input folds are streamed in order,
// partial sums ping-ponging between two accumulator tensors; the final fold
// enables bias and post-processing and captures the stage output. Any DMA
// failure aborts the whole group.
func (c *Controller) RunLayer(grpIdx int) error {
	l := c.groups[grpIdx]
	for off := 0; off < l.OutputFoldFactor; off++ {
		accIn := make([]int16, l.AccSize)
		var accOut []int16
		for iff := 0; iff < l.InputFoldFactor; iff++ {
			isLast := iff == l.InputFoldFactor-1

			if isLast {
				c.configureFinalPass(l, off)
			} else {
				c.configurePartialPass(l)
			}

			if !l.ConvDisable {
				if err := c.transferWeights(l, off, iff); err != nil {
					return fmt.Errorf("stage %d fold (%d,%d): %w", grpIdx, off, iff, err)
				}
			}

			if isLast {
				if err := c.transferFinal(l, off, iff, accIn); err != nil {
					return fmt.Errorf("stage %d fold (%d,%d): %w", grpIdx, off, iff, err)
				}
			} else {
				var err error
				accOut, err = c.transferPartialSum(l, iff, accIn)
				if err != nil {
					return fmt.Errorf("stage %d fold (%d,%d): %w", grpIdx, off, iff, err)
				}
			}

			accIn, accOut = accOut, accIn
		}
	}
	return nil
}
