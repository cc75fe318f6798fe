package yolo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/e7canasta/zynq-yolo-sensor/internal/accel"
)

func newTestController(t *testing.T) (*Controller, *accel.Hardware) {
	t.Helper()
	hw := accel.NewSimulatedHardware("yolo")
	c, err := NewController(hw, "yolo", accel.DefaultPollPolicy())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)
	return c, hw
}

// loadZeroWeights fills every convolution stage with zero weights and
// biases of the exact size the fold addressing expects.
func loadZeroWeights(c *Controller) {
	for _, g := range c.Groups() {
		if g.ConvDisable {
			continue
		}
		g.Weights = make([]int16, g.WeightSize()*g.InputFoldFactor*g.OutputFoldFactor)
		g.Biases = make([]int16, g.OutputCh*g.OutputFoldFactor)
	}
}

// TestNewControllerMissingBlock verifies construction fails with a config
// error when a required block is absent.
func TestNewControllerMissingBlock(t *testing.T) {
	hw := accel.NewSimulatedHardware("yolo")
	delete(hw.Units, accel.BlockName("yolo", accel.BlockUpsample))

	_, err := NewController(hw, "yolo", accel.DefaultPollPolicy())
	var cfgErr *accel.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *accel.ConfigError, got %v", err)
	}
}

// TestControllerStartsDMA verifies both engines run after construction and
// stop on Close.
func TestControllerStartsDMA(t *testing.T) {
	c, hw := newTestController(t)

	for _, name := range []string{accel.BlockDMA0, accel.BlockDMA1} {
		d := hw.DMAs[accel.BlockName("yolo", name)].(*accel.SimDMA)
		if !d.Running() {
			t.Errorf("%s not running after NewController", name)
		}
	}

	c.Close()
	for _, name := range []string{accel.BlockDMA0, accel.BlockDMA1} {
		d := hw.DMAs[accel.BlockName("yolo", name)].(*accel.SimDMA)
		if d.Running() {
			t.Errorf("%s still running after Close", name)
		}
	}
}

// TestForwardOnSimulator runs a complete forward pass against the simulated
// fabric and checks the two output tensors have the raw per-cell channel
// layout the postprocessing stage expects.
func TestForwardOnSimulator(t *testing.T) {
	c, _ := newTestController(t)
	loadZeroWeights(c)

	input := make([]int16, c.Groups()[0].InputSize)
	out13, out26, err := c.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if want := 13 * 13 * 256; len(out13) != want {
		t.Errorf("out13 len = %d, want %d", len(out13), want)
	}
	if want := 26 * 26 * 256; len(out26) != want {
		t.Errorf("out26 len = %d, want %d", len(out26), want)
	}

	// Intermediate buffers must be consumed so a second pass starts clean.
	for i, g := range c.Groups() {
		if g.Outputs != nil {
			t.Errorf("stage %d still holds an output buffer after Forward", i)
		}
	}

	if _, _, err := c.Forward(input); err != nil {
		t.Fatalf("second Forward: %v", err)
	}
}

// TestForwardConcatLength verifies the skip connection: stage 12 consumes
// stage 11's upsampled output concatenated with stage 4's retained output.
func TestForwardConcatLength(t *testing.T) {
	c, _ := newTestController(t)
	loadZeroWeights(c)

	input := make([]int16, c.Groups()[0].InputSize)
	if _, _, err := c.Forward(input); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	g12 := c.Groups()[stageConcat]
	want := g12.InputSize * g12.InputFoldFactor // 12 folds of 26x26x32
	if len(g12.Inputs) != want {
		t.Errorf("stage 12 input len = %d, want %d", len(g12.Inputs), want)
	}
}

// TestRunLayerDMAAbort verifies a failed transfer aborts the whole group
// with a DMAError.
func TestRunLayerDMAAbort(t *testing.T) {
	c, hw := newTestController(t)
	loadZeroWeights(c)

	c.groups[0].Inputs = make([]int16, c.groups[0].InputSize)

	dma0 := hw.DMAs[accel.BlockName("yolo", accel.BlockDMA0)].(*accel.SimDMA)
	dma0.WriteErr = fmt.Errorf("bus fault")

	err := c.RunLayer(0)
	var dmaErr *DMAError
	if !errors.As(err, &dmaErr) {
		t.Fatalf("expected *DMAError, got %v", err)
	}
	if dmaErr.Channel != "dma0" {
		t.Errorf("Channel = %q, want dma0", dmaErr.Channel)
	}
}

// TestFinalPassRouting verifies the stream switch programming and the
// per-fold activation mask after a yolo-terminated stage.
func TestFinalPassRouting(t *testing.T) {
	c, hw := newTestController(t)
	loadZeroWeights(c)

	g := c.groups[stageOut13]
	g.Inputs = make([]int16, g.InputSize*g.InputFoldFactor)
	if err := c.RunLayer(stageOut13); err != nil {
		t.Fatalf("RunLayer: %v", err)
	}

	sw1 := hw.Switches[accel.BlockName("yolo", accel.BlockSwitch1)].(*accel.SimSwitch)
	sw2 := hw.Switches[accel.BlockName("yolo", accel.BlockSwitch2)].(*accel.SimSwitch)

	post := uint8(PostProcessYolo)
	if slave, ok := sw1.Route(post); !ok || slave != 0 {
		t.Errorf("sw1 master %d -> %d (ok=%v), want slave 0", post, slave, ok)
	}
	if slave, ok := sw2.Route(0); !ok || slave != post {
		t.Errorf("sw2 master 0 -> %d (ok=%v), want slave %d", slave, ok, post)
	}

	unit := hw.Units[accel.BlockName("yolo", accel.BlockYolo)].(*accel.SimComponent)
	mask, ok := unit.Register("ACTIVATE_EN")
	if !ok {
		t.Fatal("ACTIVATE_EN never written")
	}
	// Last output fold of stage 10 is 7.
	if want := activeEnable[7]; mask != want {
		t.Errorf("ACTIVATE_EN = %#x, want %#x", mask, want)
	}
}

// TestConvBypassStage verifies the conv-disabled stage streams inputs only:
// no weights, no biases, one fold per output fold.
func TestConvBypassStage(t *testing.T) {
	c, hw := newTestController(t)

	g := c.groups[5]
	if !g.ConvDisable {
		t.Fatal("stage 5 expected to bypass convolution")
	}
	g.Inputs = make([]int16, g.InputSize*g.OutputFoldFactor)
	if err := c.RunLayer(5); err != nil {
		t.Fatalf("RunLayer: %v", err)
	}

	// dma1 carries biases and partial sums, none of which a bypass stage
	// uses.
	dma1 := hw.DMAs[accel.BlockName("yolo", accel.BlockDMA1)].(*accel.SimDMA)
	written, _ := dma1.Transferred()
	if written != 0 {
		t.Errorf("dma1 wrote %d words on a bypass stage, want 0", written)
	}

	if want := g.OutputSize * g.OutputFoldFactor; len(g.Outputs) != want {
		t.Errorf("output len = %d, want %d", len(g.Outputs), want)
	}
}
