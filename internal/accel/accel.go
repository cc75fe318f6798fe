// Package accel abstracts the register-level interface of the YOLO
// accelerator fabric. Any backend implementing these interfaces (memory-mapped
// hardware, in-process simulator, scripted test double) is substitutable.
package accel

import (
	"fmt"
)

// Component is one fixed-function processing block (convolution, accumulator,
// max-pool, yolo, upsample). Register writes take effect on the next Start.
type Component interface {
	// Set writes a named configuration register.
	Set(register string, value uint32)
	// Start arms the block for the next streamed pass.
	Start()
	// IsDone reports whether the current pass has completed.
	IsDone() bool
}

// StreamSwitch is an AXI4-Stream switch routing data between blocks.
// Port changes must be bracketed by RegUpdateDisable/RegUpdateEnable so the
// fabric never observes a half-programmed routing table.
type StreamSwitch interface {
	RegUpdateDisable()
	RegUpdateEnable()
	DisableAllMasterPorts()
	EnableMasterPort(master, slave uint8)
}

// DMAChannel is one bidirectional DMA engine. Write streams host data into
// the fabric (MM2S), Read pulls a fixed number of int16 words back (S2MM).
// Both directions block until the transfer is handed to hardware.
type DMAChannel interface {
	Start()
	Stop()
	Write(data []int16) error
	Read(count int) ([]int16, error)
	// IsMM2SIdle reports whether the memory-to-stream engine has drained.
	IsMM2SIdle() (bool, error)
}

// Hardware bundles the named blocks of one accelerator hierarchy.
// Lookups fail with *ConfigError so a missing block aborts construction.
type Hardware struct {
	Units    map[string]Component
	Switches map[string]StreamSwitch
	DMAs     map[string]DMAChannel
}

// ConfigError reports a failed hardware-description lookup.
type ConfigError struct {
	Block string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("accel: hardware block %q not found", e.Block)
}

// Unit returns the processing block registered under name.
func (h *Hardware) Unit(name string) (Component, error) {
	u, ok := h.Units[name]
	if !ok {
		return nil, &ConfigError{Block: name}
	}
	return u, nil
}

// Switch returns the stream switch registered under name.
func (h *Hardware) Switch(name string) (StreamSwitch, error) {
	s, ok := h.Switches[name]
	if !ok {
		return nil, &ConfigError{Block: name}
	}
	return s, nil
}

// DMA returns the DMA channel registered under name.
func (h *Hardware) DMA(name string) (DMAChannel, error) {
	d, ok := h.DMAs[name]
	if !ok {
		return nil, &ConfigError{Block: name}
	}
	return d, nil
}
