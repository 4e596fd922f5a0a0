package piospi

import (
	"context"
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"piohal/core"
	"piohal/pio"
	"piohal/regs"
)

const (
	regFSTAT  = 0x004
	regTXF0   = 0x010
	regRXF0   = 0x020
	regSM0    = 0x0c8
	smStride  = 0x18
	smINSTR   = 0x10
	fstatIdle = 0x0f000000 // TX FIFOs empty, RX FIFOs holding data
)

func newBlock(t *testing.T, bind bool) (*pio.Block, *regs.Sim) {
	t.Helper()
	sim := regs.NewSim(pio.PIO0Base)
	sim.Poke(regFSTAT, fstatIdle)
	b := pio.NewBlockWithInterrupts(0, sim, core.NewInterruptTable())
	if bind {
		if err := b.BindInterrupt(0); err != nil {
			t.Fatalf("BindInterrupt: %v", err)
		}
	}
	return b, sim
}

var testConfig = Config{
	SCK:         2,
	SDO:         3,
	SDI:         4,
	Frequency:   physic.MegaHertz,
	SystemClock: 125 * physic.MegaHertz,
}

func TestProgramWords(t *testing.T) {
	p, err := Program()
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	want := []pio.Instr{0x6101, 0x5101}
	if len(p.Code) != len(want) {
		t.Fatalf("Expected %d instructions, got %d", len(want), len(p.Code))
	}
	for i := range want {
		if p.Code[i] != want[i] {
			t.Errorf("Instruction %d: expected 0x%04x, got 0x%04x", i, want[i], p.Code[i])
		}
	}
	if p.WrapSource != 1 || p.WrapTarget != 0 {
		t.Errorf("Expected wrap 1->0, got %d->%d", p.WrapSource, p.WrapTarget)
	}
}

func TestNewStartsMachine(t *testing.T) {
	b, sim := newBlock(t, true)
	c, err := New(b, 1, testConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.sm.State() != pio.Running {
		t.Errorf("Expected Running, got %s", c.sm.State())
	}
	if len(b.Programs()) != 1 {
		t.Errorf("Expected one loaded program, got %d", len(b.Programs()))
	}
	// 125 MHz / (4 * 1 MHz) = 31.25
	if got := sim.Peek(regSM0 + smStride); got != 31<<16|64<<8 {
		t.Errorf("Expected CLKDIV 31.25, got 0x%08x", got)
	}

	pindirs := 0
	for _, a := range sim.AccessesTo(regSM0 + smStride + smINSTR) {
		if a.Op == regs.OpWrite && a.Value == uint32(pio.EncodeSet(pio.SetPinDirs, 1)) {
			pindirs++
		}
	}
	if pindirs != 2 {
		t.Errorf("Expected SCK and SDO driven as outputs, got %d pindirs writes", pindirs)
	}
}

func TestTransfer(t *testing.T) {
	b, sim := newBlock(t, true)
	c, err := New(b, 1, testConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sim.Poke(regRXF0+4, 0xa5)

	got, err := c.Transfer(0x3c)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got != 0xa5 {
		t.Errorf("Expected 0xa5 read, got 0x%02x", got)
	}
	if w := sim.Peek(regTXF0 + 4); w != 0x3c000000 {
		t.Errorf("Expected 0x3c in the top byte of TXF1, got 0x%08x", w)
	}
}

func TestTxReadOnly(t *testing.T) {
	b, sim := newBlock(t, true)
	c, err := New(b, 0, testConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sim.Poke(regRXF0, 0x7e)
	r := make([]byte, 3)
	if err := c.Tx(nil, r); err != nil {
		t.Fatalf("Tx: %v", err)
	}
	for i, v := range r {
		if v != 0x7e {
			t.Errorf("Byte %d: expected 0x7e, got 0x%02x", i, v)
		}
	}
	if n := len(sim.AccessesTo(regTXF0)); n != 3 {
		t.Errorf("Expected 3 words written, got %d", n)
	}
}

func TestTxLengthMismatch(t *testing.T) {
	b, _ := newBlock(t, true)
	c, err := New(b, 0, testConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Tx([]byte{1, 2}, make([]byte, 1)); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Expected ErrLengthMismatch, got %v", err)
	}
}

func TestTxNeedsInterruptLine(t *testing.T) {
	b, _ := newBlock(t, false)
	c, err := New(b, 0, testConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Transfer(0); !errors.Is(err, pio.ErrInterruptNotBound) {
		t.Errorf("Expected ErrInterruptNotBound, got %v", err)
	}
}

func TestNewRollsBack(t *testing.T) {
	b, _ := newBlock(t, true)
	held, err := b.Claim(1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	defer held.Release()

	if _, err := New(b, 1, testConfig); !errors.Is(err, pio.ErrAlreadyClaimed) {
		t.Errorf("Expected ErrAlreadyClaimed, got %v", err)
	}
	if free := b.FreeRegions(); len(free) != 1 || free[0].Length != pio.InstructionMemorySize {
		t.Errorf("Expected instruction memory free after rollback, got %v", free)
	}
}

func TestNewRejectsBadArguments(t *testing.T) {
	tooHigh := testConfig
	tooHigh.SDI = 32
	tests := []struct {
		name  string
		index uint8
		cfg   Config
	}{
		{"machine 4", 4, testConfig},
		{"machine 255", 255, testConfig},
		{"pin 32", 0, tooHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newBlock(t, true)
			if _, err := New(b, tt.index, tt.cfg); !errors.Is(err, pio.ErrInvalidOperand) {
				t.Errorf("Expected ErrInvalidOperand, got %v", err)
			}
			if free := b.FreeRegions(); len(free) != 1 || free[0].Length != pio.InstructionMemorySize {
				t.Errorf("Expected instruction memory untouched, got %v", free)
			}
			for i := uint8(0); i < pio.NumStateMachines; i++ {
				sm, err := b.Claim(i)
				if err != nil {
					t.Errorf("Expected SM%d free, got %v", i, err)
					continue
				}
				sm.Release()
			}
		})
	}
}

func TestNewReleasesMachineWhenMemoryFull(t *testing.T) {
	b, _ := newBlock(t, true)
	code := make([]pio.Instr, pio.InstructionMemorySize)
	for i := range code {
		code[i] = pio.EncodeNop()
	}
	if _, err := b.Load(pio.NewProgram(code...), pio.NoOrigin); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := New(b, 2, testConfig); !errors.Is(err, pio.ErrCapacityExceeded) {
		t.Errorf("Expected ErrCapacityExceeded, got %v", err)
	}
	sm, err := b.Claim(2)
	if err != nil {
		t.Fatalf("Expected SM2 released after the failed load, got %v", err)
	}
	sm.Release()
}

func TestControllerAsDriversSPI(t *testing.T) {
	b, sim := newBlock(t, true)
	cfg := testConfig
	cfg.Timeout = 5 * time.Millisecond
	c, err := New(b, 1, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var bus drivers.SPI = c

	sim.Poke(regRXF0+4, 0x81)
	got, err := bus.Transfer(0x18)
	if err != nil || got != 0x81 {
		t.Errorf("Expected 0x81 read, got 0x%02x (err %v)", got, err)
	}

	sim.Poke(regFSTAT, fstatIdle|1<<(16+1)) // SM1 TX FIFO full
	if err := bus.Tx([]byte{1}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected the configured timeout to expire, got %v", err)
	}
}

func TestNewRejectsTooFast(t *testing.T) {
	b, _ := newBlock(t, true)
	cfg := testConfig
	cfg.Frequency = 100 * physic.MegaHertz
	if _, err := New(b, 0, cfg); !errors.Is(err, pio.ErrClockDividerTooSmall) {
		t.Errorf("Expected ErrClockDividerTooSmall, got %v", err)
	}
	if len(b.Programs()) != 0 {
		t.Errorf("Expected nothing loaded, got %d programs", len(b.Programs()))
	}
}

func TestClose(t *testing.T) {
	b, _ := newBlock(t, true)
	c, err := New(b, 2, testConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(b.Programs()) != 0 {
		t.Errorf("Expected program unloaded, got %d", len(b.Programs()))
	}
	sm, err := b.Claim(2)
	if err != nil {
		t.Fatalf("Expected machine 2 free after Close, got %v", err)
	}
	sm.Release()
	if err := c.Close(); !errors.Is(err, pio.ErrNotClaimed) {
		t.Errorf("Expected ErrNotClaimed on second Close, got %v", err)
	}
}
