package accel

import (
	"fmt"
	"sync"
)

// Simulator backend: a register-faithful software stand-in for the fabric.
// Every block accepts the full configure/start/poll protocol; DMA reads
// return zero-filled tensors of the requested length. Useful for tests and
// for running the daemon without a bitstream (backend: sim).

// SimComponent simulates one processing block.
type SimComponent struct {
	Name string

	mu        sync.Mutex
	registers map[string]uint32
	starts    int
}

// NewSimComponent creates a simulated processing block.
func NewSimComponent(name string) *SimComponent {
	return &SimComponent{Name: name, registers: make(map[string]uint32)}
}

func (c *SimComponent) Set(register string, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registers[register] = value
}

func (c *SimComponent) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
}

// IsDone always reports true; the simulator completes passes instantly.
func (c *SimComponent) IsDone() bool { return true }

// Register returns the last value written to a named register.
func (c *SimComponent) Register(name string) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.registers[name]
	return v, ok
}

// Starts returns how many times the block was armed.
func (c *SimComponent) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// SimSwitch simulates an AXI4-Stream switch.
type SimSwitch struct {
	Name string

	mu       sync.Mutex
	updating bool
	routes   map[uint8]uint8 // master port -> slave port
}

// NewSimSwitch creates a simulated stream switch.
func NewSimSwitch(name string) *SimSwitch {
	return &SimSwitch{Name: name, routes: make(map[uint8]uint8)}
}

func (s *SimSwitch) RegUpdateDisable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updating = true
}

func (s *SimSwitch) RegUpdateEnable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updating = false
}

func (s *SimSwitch) DisableAllMasterPorts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = make(map[uint8]uint8)
}

func (s *SimSwitch) EnableMasterPort(master, slave uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[master] = slave
}

// Route returns the slave currently wired to a master port.
func (s *SimSwitch) Route(master uint8) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.routes[master]
	return v, ok
}

// SimDMA simulates a DMA channel. Writes are accounted, reads synthesize
// zero tensors. WriteErr, when set, fails the next Write (error injection
// for abort-path tests).
type SimDMA struct {
	Name     string
	WriteErr error

	mu           sync.Mutex
	running      bool
	wordsWritten int
	wordsRead    int
}

// NewSimDMA creates a simulated DMA channel.
func NewSimDMA(name string) *SimDMA {
	return &SimDMA{Name: name}
}

func (d *SimDMA) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
}

func (d *SimDMA) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}

func (d *SimDMA) Write(data []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return fmt.Errorf("accel: dma %s: write while stopped", d.Name)
	}
	if d.WriteErr != nil {
		err := d.WriteErr
		d.WriteErr = nil
		return err
	}
	d.wordsWritten += len(data)
	return nil
}

func (d *SimDMA) Read(count int) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, fmt.Errorf("accel: dma %s: read while stopped", d.Name)
	}
	d.wordsRead += count
	return make([]int16, count), nil
}

func (d *SimDMA) IsMM2SIdle() (bool, error) { return true, nil }

// Running reports whether the channel has been started and not stopped.
func (d *SimDMA) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Transferred returns total words written and read through the channel.
func (d *SimDMA) Transferred() (written, read int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wordsWritten, d.wordsRead
}

// Standard block names inside one accelerator hierarchy.
const (
	BlockSwitch0  = "axis_switch_0"
	BlockSwitch1  = "axis_switch_1"
	BlockSwitch2  = "axis_switch_2"
	BlockDMA0     = "axi_dma_0"
	BlockDMA1     = "axi_dma_1"
	BlockAcc      = "yolo_acc_top_0"
	BlockConv     = "yolo_conv_top_0"
	BlockMaxPool  = "yolo_max_pool_top_0"
	BlockYolo     = "yolo_yolo_top_0"
	BlockUpsample = "yolo_upsamp_top_0"
)

// BlockName composes the hierarchical block path used for lookups.
func BlockName(hier, block string) string {
	return fmt.Sprintf("/%s/%s", hier, block)
}

// NewSimulatedHardware builds a complete simulated hierarchy with the
// standard block set registered under hier.
func NewSimulatedHardware(hier string) *Hardware {
	hw := &Hardware{
		Units:    make(map[string]Component),
		Switches: make(map[string]StreamSwitch),
		DMAs:     make(map[string]DMAChannel),
	}
	for _, b := range []string{BlockAcc, BlockConv, BlockMaxPool, BlockYolo, BlockUpsample} {
		hw.Units[BlockName(hier, b)] = NewSimComponent(b)
	}
	for _, b := range []string{BlockSwitch0, BlockSwitch1, BlockSwitch2} {
		hw.Switches[BlockName(hier, b)] = NewSimSwitch(b)
	}
	for _, b := range []string{BlockDMA0, BlockDMA1} {
		hw.DMAs[BlockName(hier, b)] = NewSimDMA(b)
	}
	return hw
}
