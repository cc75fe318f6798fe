package accel

import (
	"errors"
	"testing"
	"time"
)

// countdownComponent reports done after a fixed number of polls.
type countdownComponent struct {
	remaining int
}

func (c *countdownComponent) Set(string, uint32) {}
func (c *countdownComponent) Start()             {}
func (c *countdownComponent) IsDone() bool {
	if c.remaining > 0 {
		c.remaining--
		return false
	}
	return true
}

// TestWaitDoneEventually verifies the wait loop polls until the flag
// asserts.
func TestWaitDoneEventually(t *testing.T) {
	p := PollPolicy{Interval: time.Microsecond, Timeout: time.Second}
	c := &countdownComponent{remaining: 5}
	if err := p.WaitDone(c); err != nil {
		t.Fatalf("WaitDone: %v", err)
	}
}

// TestWaitDoneTimeout verifies a stuck flag fails with ErrPollTimeout.
func TestWaitDoneTimeout(t *testing.T) {
	p := PollPolicy{Interval: time.Microsecond, Timeout: time.Millisecond}
	c := &countdownComponent{remaining: 1 << 30}
	err := p.WaitDone(c)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("got %v, want ErrPollTimeout", err)
	}
}

// faultyDMA fails the idle poll itself.
type faultyDMA struct {
	SimDMA
	pollErr error
}

func (d *faultyDMA) IsMM2SIdle() (bool, error) { return false, d.pollErr }

// TestWaitIdlePollError verifies a register read failure surfaces through
// the wait, wrapped.
func TestWaitIdlePollError(t *testing.T) {
	p := PollPolicy{Interval: time.Microsecond, Timeout: time.Second}
	sentinel := errors.New("uio read fault")
	err := p.WaitMM2SIdle(&faultyDMA{pollErr: sentinel})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want wrapped sentinel", err)
	}
}

// TestHardwareLookupErrors verifies missing blocks fail with *ConfigError
// naming the block.
func TestHardwareLookupErrors(t *testing.T) {
	hw := NewSimulatedHardware("yolo")

	_, err := hw.Unit(BlockName("yolo", "nonexistent"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want *ConfigError", err)
	}
	if cfgErr.Block != "/yolo/nonexistent" {
		t.Errorf("Block = %q, want /yolo/nonexistent", cfgErr.Block)
	}

	if _, err := hw.Unit(BlockName("yolo", BlockConv)); err != nil {
		t.Errorf("existing unit lookup failed: %v", err)
	}
	if _, err := hw.Switch(BlockName("yolo", BlockSwitch0)); err != nil {
		t.Errorf("existing switch lookup failed: %v", err)
	}
	if _, err := hw.DMA(BlockName("yolo", BlockDMA0)); err != nil {
		t.Errorf("existing dma lookup failed: %v", err)
	}
}

// TestSimDMAStoppedChannel verifies transfers on a stopped channel fail.
func TestSimDMAStoppedChannel(t *testing.T) {
	d := NewSimDMA("dma")
	if err := d.Write([]int16{1}); err == nil {
		t.Error("Write on stopped channel succeeded")
	}
	d.Start()
	if err := d.Write([]int16{1, 2}); err != nil {
		t.Errorf("Write: %v", err)
	}
	out, err := d.Read(3)
	if err != nil || len(out) != 3 {
		t.Errorf("Read = (%v, %v), want 3 zero words", out, err)
	}
	written, read := d.Transferred()
	if written != 2 || read != 3 {
		t.Errorf("Transferred = (%d, %d), want (2, 3)", written, read)
	}
}
