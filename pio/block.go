// Package pio manages the RP2040 programmable I/O blocks: instruction
// memory allocation with relocation, exclusive ownership of the four state
// machines of each block, and interrupt-driven FIFO and IRQ flag waits.
//
// Every mutation of allocation or ownership state happens inside the
// critical section provided by package core, so a Block may be shared by
// both cores and by interrupt handlers. Register updates that must not
// disturb neighbouring fields go through the XOR/SET/CLR aliases.
package pio

import (
	"fmt"

	"piohal/core"
	"piohal/regs"
)

// Block register offsets.
const (
	regCTRL      = 0x000
	regFSTAT     = 0x004
	regFDEBUG    = 0x008
	regFLEVEL    = 0x00c
	regTXF0      = 0x010
	regRXF0      = 0x020
	regIRQ       = 0x030
	regIRQForce  = 0x034
	regInstrMem0 = 0x048
	regSM0       = 0x0c8
	smStride     = 0x18
	regINTR      = 0x128
	regIRQ0INTE  = 0x12c
	regIRQ0INTF  = 0x130
	regIRQ0INTS  = 0x134
	irqLineSize  = 0x00c // IRQ1_INTE - IRQ0_INTE

	// Per state machine, relative to its register group.
	smCLKDIV    = 0x00
	smEXECCTRL  = 0x04
	smSHIFTCTRL = 0x08
	smADDR      = 0x0c
	smINSTR     = 0x10
	smPINCTRL   = 0x14
)

// CTRL fields.
const (
	ctrlSMEnable      = 0
	ctrlSMRestart     = 4
	ctrlClkDivRestart = 8
)

// FSTAT fields.
const (
	fstatRxFull  = 0
	fstatRxEmpty = 8
	fstatTxFull  = 16
	fstatTxEmpty = 24
)

// INTR/INTE/INTF/INTS fields.
const (
	intRxNotEmpty = 0
	intTxNotFull  = 4
	intSMIRQ      = 8
)

// NumStateMachines is the number of state machines per block.
const NumStateMachines = 4

// Base addresses of the two blocks.
const (
	PIO0Base = 0x50200000
	PIO1Base = 0x50300000
)

func instrMemOffset(addr uint8) uintptr {
	return regInstrMem0 + 4*uintptr(addr)
}

func smOffset(index uint8, reg uintptr) uintptr {
	return regSM0 + smStride*uintptr(index) + reg
}

func inteOffset(line uint8) uintptr { return regIRQ0INTE + irqLineSize*uintptr(line) }
func intsOffset(line uint8) uintptr { return regIRQ0INTS + irqLineSize*uintptr(line) }

// Block is one PIO block. Use NewBlock once per block and share the result.
type Block struct {
	index      uint8
	bank       regs.Bank
	interrupts *core.InterruptTable

	// guarded by the critical section
	mem      memoryTable
	programs []*LoadedProgram
	machines [NumStateMachines]machineSlot
	lines    [2]bool
	tokens   uint32

	txReady  [NumStateMachines]core.Signal
	rxReady  [NumStateMachines]core.Signal
	irqFlags [NumStateMachines]core.Signal
}

// NewBlock returns the manager for PIO block index (0 or 1) whose registers
// are reached through bank. Interrupt lines bind into core.Interrupts.
func NewBlock(index uint8, bank regs.Bank) *Block {
	return NewBlockWithInterrupts(index, bank, core.Interrupts)
}

// NewBlockWithInterrupts is NewBlock binding its lines into table.
func NewBlockWithInterrupts(index uint8, bank regs.Bank, table *core.InterruptTable) *Block {
	if index > 1 {
		panic("pio: block index out of range")
	}
	return &Block{
		index:      index,
		bank:       bank,
		interrupts: table,
		mem:        newMemoryTable(),
	}
}

// Index returns the block number.
func (b *Block) Index() uint8 { return b.index }

// Vector returns the interrupt vector of the block's line (0 or 1).
func (b *Block) Vector(line uint8) core.Vector {
	return core.PIO0_IRQ_0 + core.Vector(2*b.index+line)
}

// BindInterrupt routes the block's interrupt line (0 or 1) to its FIFO and
// IRQ flag waiters. FIFO and IRQ flag waits need line 0 bound.
func (b *Block) BindInterrupt(line uint8) error {
	if line > 1 {
		return fmt.Errorf("interrupt line %d: %w", line, ErrInvalidOperand)
	}
	h := &blockInterrupt{block: b, line: line}
	if err := b.interrupts.Bind(b.Vector(line), h); err != nil {
		return fmt.Errorf("PIO%d_IRQ_%d: %w", b.index, line, err)
	}
	state := core.DisableInterrupts()
	b.lines[line] = true
	core.RestoreInterrupts(state)
	return nil
}

func (b *Block) lineBound(line uint8) bool {
	state := core.DisableInterrupts()
	defer core.RestoreInterrupts(state)
	return b.lines[line]
}

// blockInterrupt masks every source that fired and wakes its waiter. The
// waiter re-arms the source if it still has to wait.
type blockInterrupt struct {
	block *Block
	line  uint8
}

func (h *blockInterrupt) OnInterrupt() {
	b := h.block
	ints := b.bank.Reg(intsOffset(h.line)).Get()
	if ints == 0 {
		return
	}
	b.bank.Reg(inteOffset(h.line)).ClearBits(ints)

	for i := uint8(0); i < NumStateMachines; i++ {
		if ints&(1<<(intTxNotFull+i)) != 0 {
			b.txReady[i].Notify()
		}
		if ints&(1<<(intRxNotEmpty+i)) != 0 {
			b.rxReady[i].Notify()
		}
		if ints&(1<<(intSMIRQ+i)) != 0 {
			b.irqFlags[i].Notify()
		}
	}
	core.RecordEvent(core.EvtIRQ, b.index, h.line, ints, 0)
}
