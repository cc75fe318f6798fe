package accel

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// UIO backend: drives the real fabric through /dev/uioN register windows.
// The hardware-description collaborator supplies a BlockDesc per block
// (which UIO node, window size, register name to offset map); this file only
// knows the handful of control bits shared by every HLS block.

// HLS ap_ctrl protocol bits, control register at offset 0.
const (
	hlsCtrlReg  = 0x00
	hlsApStart  = 1 << 0
	hlsApDone   = 1 << 1
	hlsAutoRest = 1 << 7
)

// AXI4-Stream switch registers.
const (
	switchCtrlReg   = 0x00
	switchRegUpdate = 1 << 1
	switchMuxBase   = 0x40
	switchMuxStride = 4
	switchMuxDisable = 1 << 31
)

// AXI DMA direct-register-mode offsets.
const (
	dmaMM2SCtrl = 0x00
	dmaMM2SStat = 0x04
	dmaMM2SAddr = 0x18
	dmaMM2SLen  = 0x28
	dmaS2MMCtrl = 0x30
	dmaS2MMStat = 0x34
	dmaS2MMAddr = 0x48
	dmaS2MMLen  = 0x58

	dmaRunStop = 1 << 0
	dmaReset   = 1 << 2
	dmaIdle    = 1 << 1
	dmaHalted  = 1 << 0
)

// BlockDesc locates one hardware block. For DMA channels the Buffer fields
// describe the contiguous bounce buffer the engine reads and writes.
type BlockDesc struct {
	// UIO is the register window device, e.g. /dev/uio1.
	UIO string
	// Size is the mmap length of the register window.
	Size int
	// Registers maps configuration register names to byte offsets.
	Registers map[string]uint32

	// BufferUIO exposes the DMA bounce buffer, BufferPhys is its physical
	// address as programmed into the engine, BufferSize its length in bytes.
	BufferUIO  string
	BufferPhys uint64
	BufferSize int
}

// mapped is one mmapped device window.
type mapped struct {
	file *os.File
	mem  []byte
}

func openMapped(path string, size int) (*mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0o660)
	if err != nil {
		return nil, fmt.Errorf("accel: open %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("accel: mmap %s: %w", path, err)
	}
	return &mapped{file: f, mem: mem}, nil
}

func (m *mapped) close() {
	unix.Munmap(m.mem)
	m.file.Close()
}

// rd reads one 32 bit register.
func (m *mapped) rd(offs uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.mem[offs])))
}

// wr writes one 32 bit register.
func (m *mapped) wr(offs uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.mem[offs])), v)
}

// UIOComponent is a Component backed by an HLS block's AXI-lite window.
type UIOComponent struct {
	name string
	regs map[string]uint32
	dev  *mapped
}

// NewUIOComponent maps the block described by desc.
func NewUIOComponent(name string, desc BlockDesc) (*UIOComponent, error) {
	dev, err := openMapped(desc.UIO, desc.Size)
	if err != nil {
		return nil, err
	}
	return &UIOComponent{name: name, regs: desc.Registers, dev: dev}, nil
}

func (c *UIOComponent) Set(register string, value uint32) {
	offs, ok := c.regs[register]
	if !ok {
		slog.Warn("unknown register write ignored", "block", c.name, "register", register)
		return
	}
	c.dev.wr(offs, value)
}

func (c *UIOComponent) Start() {
	c.dev.wr(hlsCtrlReg, hlsApStart)
}

func (c *UIOComponent) IsDone() bool {
	return c.dev.rd(hlsCtrlReg)&hlsApDone != 0
}

// Close unmaps the register window.
func (c *UIOComponent) Close() {
	c.dev.close()
}

// UIOSwitch is a StreamSwitch backed by an AXI4-Stream switch window.
type UIOSwitch struct {
	name string
	dev  *mapped
}

// NewUIOSwitch maps the switch described by desc.
func NewUIOSwitch(name string, desc BlockDesc) (*UIOSwitch, error) {
	dev, err := openMapped(desc.UIO, desc.Size)
	if err != nil {
		return nil, err
	}
	return &UIOSwitch{name: name, dev: dev}, nil
}

func (s *UIOSwitch) RegUpdateDisable() {
	s.dev.wr(switchCtrlReg, s.dev.rd(switchCtrlReg)&^uint32(switchRegUpdate))
}

func (s *UIOSwitch) RegUpdateEnable() {
	s.dev.wr(switchCtrlReg, s.dev.rd(switchCtrlReg)|switchRegUpdate)
}

func (s *UIOSwitch) DisableAllMasterPorts() {
	// The tiny-YOLO routing fabric exposes at most four master ports.
	for mi := uint32(0); mi < 4; mi++ {
		s.dev.wr(switchMuxBase+mi*switchMuxStride, switchMuxDisable)
	}
}

func (s *UIOSwitch) EnableMasterPort(master, slave uint8) {
	s.dev.wr(switchMuxBase+uint32(master)*switchMuxStride, uint32(slave))
}

// Close unmaps the register window.
func (s *UIOSwitch) Close() {
	s.dev.close()
}

// UIODMA is a DMAChannel backed by an AXI DMA engine in direct register mode
// plus a contiguous bounce buffer shared with the fabric.
type UIODMA struct {
	name string
	regs *mapped
	buf  *mapped
	phys uint64
	poll PollPolicy
}

// NewUIODMA maps the engine's register window and bounce buffer.
func NewUIODMA(name string, desc BlockDesc, poll PollPolicy) (*UIODMA, error) {
	regs, err := openMapped(desc.UIO, desc.Size)
	if err != nil {
		return nil, err
	}
	buf, err := openMapped(desc.BufferUIO, desc.BufferSize)
	if err != nil {
		regs.close()
		return nil, err
	}
	return &UIODMA{name: name, regs: regs, buf: buf, phys: desc.BufferPhys, poll: poll}, nil
}

func (d *UIODMA) Start() {
	d.regs.wr(dmaMM2SCtrl, dmaRunStop)
	d.regs.wr(dmaS2MMCtrl, dmaRunStop)
}

func (d *UIODMA) Stop() {
	d.regs.wr(dmaMM2SCtrl, 0)
	d.regs.wr(dmaS2MMCtrl, 0)
}

func (d *UIODMA) Write(data []int16) error {
	nbytes := len(data) * 2
	if nbytes > len(d.buf.mem)/2 {
		return fmt.Errorf("accel: dma %s: transfer of %d bytes exceeds bounce buffer", d.name, nbytes)
	}
	// MM2S half of the bounce buffer starts at offset 0.
	words := unsafe.Slice((*int16)(unsafe.Pointer(&d.buf.mem[0])), len(data))
	copy(words, data)
	d.regs.wr(dmaMM2SAddr, uint32(d.phys))
	d.regs.wr(dmaMM2SLen, uint32(nbytes))
	return nil
}

func (d *UIODMA) Read(count int) ([]int16, error) {
	nbytes := count * 2
	half := len(d.buf.mem) / 2
	if nbytes > half {
		return nil, fmt.Errorf("accel: dma %s: transfer of %d bytes exceeds bounce buffer", d.name, nbytes)
	}
	// S2MM half of the bounce buffer starts at the midpoint.
	d.regs.wr(dmaS2MMAddr, uint32(d.phys)+uint32(half))
	d.regs.wr(dmaS2MMLen, uint32(nbytes))
	if err := d.poll.wait(d.isS2MMIdle); err != nil {
		return nil, fmt.Errorf("accel: dma %s: s2mm: %w", d.name, err)
	}
	words := unsafe.Slice((*int16)(unsafe.Pointer(&d.buf.mem[half])), count)
	out := make([]int16, count)
	copy(out, words)
	return out, nil
}

func (d *UIODMA) IsMM2SIdle() (bool, error) {
	sr := d.regs.rd(dmaMM2SStat)
	return sr&(dmaIdle|dmaHalted) != 0, nil
}

func (d *UIODMA) isS2MMIdle() (bool, error) {
	sr := d.regs.rd(dmaS2MMStat)
	return sr&(dmaIdle|dmaHalted) != 0, nil
}

// Close unmaps both windows.
func (d *UIODMA) Close() {
	d.buf.close()
	d.regs.close()
}

// NewUIOHardware assembles a Hardware bundle from block descriptions keyed by
// hierarchical name (see BlockName). Descriptions come from the caller's
// hardware-description source; any standard block missing from descs fails
// with *ConfigError.
func NewUIOHardware(hier string, descs map[string]BlockDesc, poll PollPolicy) (*Hardware, error) {
	hw := &Hardware{
		Units:    make(map[string]Component),
		Switches: make(map[string]StreamSwitch),
		DMAs:     make(map[string]DMAChannel),
	}
	lookup := func(block string) (BlockDesc, string, error) {
		name := BlockName(hier, block)
		desc, ok := descs[name]
		if !ok {
			return BlockDesc{}, name, &ConfigError{Block: name}
		}
		return desc, name, nil
	}
	for _, b := range []string{BlockAcc, BlockConv, BlockMaxPool, BlockYolo, BlockUpsample} {
		desc, name, err := lookup(b)
		if err != nil {
			return nil, err
		}
		c, err := NewUIOComponent(b, desc)
		if err != nil {
			return nil, err
		}
		hw.Units[name] = c
	}
	for _, b := range []string{BlockSwitch0, BlockSwitch1, BlockSwitch2} {
		desc, name, err := lookup(b)
		if err != nil {
			return nil, err
		}
		s, err := NewUIOSwitch(b, desc)
		if err != nil {
			return nil, err
		}
		hw.Switches[name] = s
	}
	for _, b := range []string{BlockDMA0, BlockDMA1} {
		desc, name, err := lookup(b)
		if err != nil {
			return nil, err
		}
		d, err := NewUIODMA(b, desc, poll)
		if err != nil {
			return nil, err
		}
		hw.DMAs[name] = d
	}
	return hw, nil
}
