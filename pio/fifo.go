package pio

import (
	"context"
	"fmt"

	"piohal/core"
)

func (sm *StateMachine) txf() uintptr { return regTXF0 + 4*uintptr(sm.index) }
func (sm *StateMachine) rxf() uintptr { return regRXF0 + 4*uintptr(sm.index) }

func (b *Block) fstat(field, index uint8) bool {
	return b.bank.Reg(regFSTAT).Get()&(1<<(field+index)) != 0
}

// TxFull reports whether the TX FIFO is full.
func (sm *StateMachine) TxFull() bool { return sm.block.fstat(fstatTxFull, sm.index) }

// TxEmpty reports whether the TX FIFO is empty.
func (sm *StateMachine) TxEmpty() bool { return sm.block.fstat(fstatTxEmpty, sm.index) }

// RxFull reports whether the RX FIFO is full.
func (sm *StateMachine) RxFull() bool { return sm.block.fstat(fstatRxFull, sm.index) }

// RxEmpty reports whether the RX FIFO is empty.
func (sm *StateMachine) RxEmpty() bool { return sm.block.fstat(fstatRxEmpty, sm.index) }

// TxLevel returns the number of words in the TX FIFO.
func (sm *StateMachine) TxLevel() int {
	return int(sm.block.bank.Reg(regFLEVEL).Get()>>(8*sm.index)) & 0xf
}

// RxLevel returns the number of words in the RX FIFO.
func (sm *StateMachine) RxLevel() int {
	return int(sm.block.bank.Reg(regFLEVEL).Get()>>(8*sm.index+4)) & 0xf
}

// TryPut writes word to the TX FIFO if it has room.
func (sm *StateMachine) TryPut(word uint32) (bool, error) {
	if err := sm.check(); err != nil {
		return false, err
	}
	if sm.TxFull() {
		return false, nil
	}
	sm.block.bank.Reg(sm.txf()).Set(word)
	return true, nil
}

// TryGet reads a word from the RX FIFO if one is available.
func (sm *StateMachine) TryGet() (uint32, bool, error) {
	if err := sm.check(); err != nil {
		return 0, false, err
	}
	if sm.RxEmpty() {
		return 0, false, nil
	}
	return sm.block.bank.Reg(sm.rxf()).Get(), true, nil
}

// Put writes word to the TX FIFO, parking the caller until there is room.
func (sm *StateMachine) Put(ctx context.Context, word uint32) error {
	if err := sm.check(); err != nil {
		return err
	}
	b := sm.block
	if !b.lineBound(0) {
		return ErrInterruptNotBound
	}
	err := b.waitFor(ctx, &b.txReady[sm.index], 1<<(intTxNotFull+sm.index), sm.TxFull)
	if err != nil {
		return err
	}
	b.bank.Reg(sm.txf()).Set(word)
	return nil
}

// Get reads a word from the RX FIFO, parking the caller until one arrives.
func (sm *StateMachine) Get(ctx context.Context) (uint32, error) {
	if err := sm.check(); err != nil {
		return 0, err
	}
	b := sm.block
	if !b.lineBound(0) {
		return 0, ErrInterruptNotBound
	}
	err := b.waitFor(ctx, &b.rxReady[sm.index], 1<<(intRxNotEmpty+sm.index), sm.RxEmpty)
	if err != nil {
		return 0, err
	}
	return b.bank.Reg(sm.rxf()).Get(), nil
}

// waitFor parks on sig until blocked reports false. The interrupt source
// is enabled only while waiting; the handler disables it again when it
// fires.
func (b *Block) waitFor(ctx context.Context, sig *core.Signal, source uint32, blocked func() bool) error {
	inte := b.bank.Reg(inteOffset(0))
	for blocked() {
		sig.Reset()
		inte.SetBits(source)
		// The condition may have cleared before the source was enabled.
		if !blocked() {
			inte.ClearBits(source)
			return nil
		}
		if err := sig.Wait(ctx); err != nil {
			inte.ClearBits(source)
			return err
		}
	}
	return nil
}

// The four IRQ flags that can raise a block interrupt.
const numIRQFlags = 4

func checkFlag(flag uint8) error {
	if flag >= numIRQFlags {
		return fmt.Errorf("irq flag %d: %w", flag, ErrInvalidOperand)
	}
	return nil
}

// IRQFlags returns the raw IRQ flag register (flags 0..7).
func (b *Block) IRQFlags() uint8 {
	return uint8(b.bank.Reg(regIRQ).Get())
}

// ClearIRQ clears IRQ flag (0..7).
func (b *Block) ClearIRQ(flag uint8) {
	b.bank.Reg(regIRQ).Set(1 << (flag & 0x7))
}

// ForceIRQ raises IRQ flag (0..7) as if a state machine had set it.
func (b *Block) ForceIRQ(flag uint8) {
	b.bank.Reg(regIRQForce).Set(1 << (flag & 0x7))
}

// WaitIRQ parks the caller until a state machine raises IRQ flag (0..3),
// then clears the flag.
func (b *Block) WaitIRQ(ctx context.Context, flag uint8) error {
	if err := checkFlag(flag); err != nil {
		return err
	}
	if !b.lineBound(0) {
		return ErrInterruptNotBound
	}
	raised := func() bool { return b.IRQFlags()&(1<<flag) != 0 }
	err := b.waitFor(ctx, &b.irqFlags[flag], 1<<(intSMIRQ+flag), func() bool { return !raised() })
	if err != nil {
		return err
	}
	b.ClearIRQ(flag)
	return nil
}

// FIFODebug returns and clears the sticky FIFO stall/overflow/underflow
// flags.
func (b *Block) FIFODebug() uint32 {
	r := b.bank.Reg(regFDEBUG)
	v := r.Get()
	if v != 0 {
		r.Set(v)
	}
	return v
}
